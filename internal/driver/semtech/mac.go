package semtech

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/driver"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Activate runs an OTAA join with the stored identity and version.
func (d *Driver) Activate(ctx context.Context) driver.SessionResult {
	if d.conn == nil || d.identity == nil {
		return driver.SessionResult{Code: driver.CodeInvalidMode}
	}
	id := *d.identity

	devNonce, err := nextDevNonce(d.version, &d.devNonce)
	if err != nil {
		log.Error().Err(err).Msg("generate DevNonce")
		return driver.SessionResult{Code: driver.CodeUnknown}
	}

	jr, err := lorawan.NewJoinRequest(lorawan.JoinRequestPayload{
		JoinEUI:  id.JoinEUI,
		DevEUI:   id.DevEUI,
		DevNonce: devNonce,
	}, id.NwkKey)
	if err != nil {
		log.Error().Err(err).Msg("build join-request")
		return driver.SessionResult{Code: driver.CodeUnknown}
	}
	frame, _ := jr.MarshalBinary()

	if err := d.transmit(frame, d.nextChannel()); err != nil {
		log.Error().Err(err).Msg("send join-request")
		return driver.SessionResult{Code: driver.CodeTxTimeout}
	}

	log.Info().
		Str("devEUI", id.DevEUI.String()).
		Str("joinEUI", id.JoinEUI.String()).
		Uint16("devNonce", devNonce).
		Str("macVersion", d.version.String()).
		Msg("join-request sent")

	deadline := time.Now().Add(d.joinTimeout())
	for {
		data, ok := d.awaitFrame(ctx, deadline)
		if !ok {
			return driver.SessionResult{Code: driver.CodeNoJoinAccept}
		}

		var phy lorawan.PHYPayload
		if err := phy.UnmarshalBinary(data); err != nil || phy.MHDR.MType != lorawan.JoinAccept {
			continue
		}

		code := d.acceptJoin(&phy, id, devNonce)
		if code == driver.CodeInvalidFrame {
			continue
		}
		res := driver.SessionResult{Code: code}
		if d.session != nil {
			res.DevAddr = d.session.DevAddr
		}
		return res
	}
}

func (d *Driver) acceptJoin(phy *lorawan.PHYPayload, id driver.Identity, devNonce uint16) driver.Code {
	if (len(phy.MACPayload)+4)%16 != 0 {
		return driver.CodeInvalidFrame
	}
	if err := phy.DecryptJoinAcceptPayload(id.NwkKey); err != nil {
		return driver.CodeInvalidFrame
	}

	ok, err := phy.ValidateJoinAcceptMIC(d.version, id.NwkKey, id.JoinEUI, id.DevEUI, devNonce)
	if err != nil {
		log.Error().Err(err).Msg("validate join-accept MIC")
		return driver.CodeUnknown
	}
	if !ok {
		log.Warn().
			Str("devEUI", id.DevEUI.String()).
			Str("macVersion", d.version.String()).
			Msg("join-accept MIC mismatch")
		return driver.CodeMICMismatch
	}

	var ja lorawan.JoinAcceptPayload
	if err := ja.UnmarshalBinary(phy.MACPayload); err != nil {
		return driver.CodeInvalidFrame
	}

	// The forced version is binding: a 1.1 device only accepts a 1.1
	// network and never negotiates down.
	if d.version.Is11() != ja.DLSettings.OptNeg {
		log.Warn().
			Str("devEUI", id.DevEUI.String()).
			Str("macVersion", d.version.String()).
			Bool("optNeg", ja.DLSettings.OptNeg).
			Msg("join-accept version mismatch")
		return driver.CodeMICMismatch
	}

	var keys lorawan.SessionKeys
	if d.version.Is11() {
		keys, err = lorawan.DeriveSessionKeys11(id.NwkKey, id.AppKey, ja.JoinNonce, id.JoinEUI, devNonce)
	} else {
		keys, err = lorawan.DeriveSessionKeys10(id.NwkKey, ja.JoinNonce, ja.NetID, devNonce)
	}
	if err != nil {
		log.Error().Err(err).Msg("derive session keys")
		return driver.CodeUnknown
	}

	now := time.Now()
	d.session = &lorawan.DeviceSession{
		DevEUI:      id.DevEUI,
		JoinEUI:     id.JoinEUI,
		DevAddr:     ja.DevAddr,
		MACVersion:  d.version,
		SessionKeys: keys,
		RX1DROffset: ja.DLSettings.RX1DROffset,
		RX2DR:       ja.DLSettings.RX2DataRate,
		RXDelay:     ja.RxDelay,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	log.Info().
		Str("devEUI", id.DevEUI.String()).
		Str("devAddr", ja.DevAddr.String()).
		Hex("netID", ja.NetID[:]).
		Uint32("joinNonce", ja.JoinNonce).
		Str("macVersion", d.version.String()).
		Msg("joined")
	return driver.CodeNewSession
}

// SendReceive sends an unconfirmed uplink on the configured FPort and
// processes a downlink if one arrives in the receive windows.
func (d *Driver) SendReceive(ctx context.Context, payload []byte) driver.Code {
	if d.session == nil {
		return driver.CodeNetworkNotJoined
	}
	if d.conn == nil {
		return driver.CodeInvalidMode
	}
	if len(payload) > 222 {
		return driver.CodeInvalidPayload
	}

	s := d.session
	fPort := d.cfg.FPort

	frm, err := lorawan.EncryptFRMPayload(s.AppSKey, s.DevAddr, s.FCntUp, true, payload)
	if err != nil {
		log.Error().Err(err).Msg("encrypt FRMPayload")
		return driver.CodeUnknown
	}

	mac := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: s.DevAddr,
			FCtrl:   lorawan.FCtrl{ACK: s.PendingACK},
			FCnt:    uint16(s.FCntUp),
		},
		FPort:      &fPort,
		FRMPayload: frm,
	}
	macBytes, err := mac.Marshal(true)
	if err != nil {
		return driver.CodeInvalidPayload
	}

	var confFCnt uint32
	if s.PendingACK {
		confFCnt = s.ConfFCnt
	}

	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: lorawan.UnconfirmedDataUp, Major: lorawan.LoRaWANR1},
		MACPayload: macBytes,
	}

	// The channel index is part of the 1.1 MIC, so pick it first.
	chIndex := d.nextChannel()
	if err := phy.SetUplinkDataMIC(s.MACVersion, s.FCntUp, confFCnt, uint8(d.cfg.DataRate), uint8(chIndex),
		s.FNwkSIntKey, s.SNwkSIntKey); err != nil {
		log.Error().Err(err).Msg("set uplink MIC")
		return driver.CodeUnknown
	}
	frame, _ := phy.MarshalBinary()

	if err := d.transmit(frame, chIndex); err != nil {
		log.Error().Err(err).Msg("send uplink")
		return driver.CodeTxTimeout
	}

	fCnt := s.FCntUp
	s.FCntUp++
	s.PendingACK = false
	s.UpdatedAt = time.Now()

	log.Debug().
		Str("devAddr", s.DevAddr.String()).
		Uint32("fCnt", fCnt).
		Uint8("fPort", fPort).
		Int("size", len(payload)).
		Msg("uplink sent")

	deadline := time.Now().Add(d.receiveTimeout())
	for {
		data, ok := d.awaitFrame(ctx, deadline)
		if !ok {
			return driver.CodeNone
		}

		code, handled := d.handleDownlink(data)
		if handled {
			return code
		}
	}
}

// handleDownlink processes one downlink frame. handled is false for frames
// addressed to other devices.
func (d *Driver) handleDownlink(data []byte) (driver.Code, bool) {
	s := d.session

	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(data); err != nil {
		return driver.CodeNone, false
	}
	confirmed := phy.MHDR.MType == lorawan.ConfirmedDataDown
	if phy.MHDR.MType != lorawan.UnconfirmedDataDown && !confirmed {
		return driver.CodeNone, false
	}

	var mac lorawan.MACPayload
	if err := mac.Unmarshal(phy.MACPayload, false); err != nil {
		return driver.CodeInvalidFrame, true
	}
	if mac.FHDR.DevAddr != s.DevAddr {
		return driver.CodeNone, false
	}

	next := s.FCntDown(mac.FPort)
	fCnt := lorawan.GetFullFCnt(next, mac.FHDR.FCnt)

	var confFCnt uint32
	if mac.FHDR.FCtrl.ACK && s.FCntUp > 0 {
		confFCnt = s.FCntUp - 1
	}
	ok, err := phy.ValidateDownlinkDataMIC(s.MACVersion, fCnt, confFCnt, s.SNwkSIntKey)
	if err != nil {
		return driver.CodeUnknown, true
	}
	if !ok {
		log.Warn().Str("devAddr", s.DevAddr.String()).Uint32("fCnt", fCnt).Msg("downlink MIC mismatch")
		return driver.CodeDownlinkMIC, true
	}
	if fCnt < next {
		log.Warn().Uint32("fCnt", fCnt).Uint32("expected", next).Msg("downlink frame counter replayed")
		return driver.CodeFCntDown, true
	}
	s.AcceptFCntDown(mac.FPort, fCnt)

	if confirmed {
		s.PendingACK = true
		s.ConfFCnt = fCnt
	}

	if mac.FPort == nil {
		return driver.CodeNone, true
	}
	if *mac.FPort == 0 {
		log.Debug().Uint32("fCnt", fCnt).Msg("ignoring MAC commands in FRMPayload")
		return driver.CodeNone, true
	}

	plain, err := lorawan.EncryptFRMPayload(s.AppSKey, s.DevAddr, fCnt, false, mac.FRMPayload)
	if err != nil {
		return driver.CodeUnknown, true
	}
	d.downlink = &driver.Downlink{FPort: *mac.FPort, Payload: plain, FCnt: fCnt}

	log.Info().
		Str("devAddr", s.DevAddr.String()).
		Uint32("fCnt", fCnt).
		Uint8("fPort", *mac.FPort).
		Bool("confirmed", confirmed).
		Int("size", len(plain)).
		Msg("downlink received")
	return driver.CodeNone, true
}

// ExportSession serialises the session. The 1.1 DevNonce counter is kept
// apart through NextDevNonce so a lost session never rewinds it.
func (d *Driver) ExportSession() ([]byte, error) {
	if d.session == nil {
		return nil, nil
	}
	return json.Marshal(d.session)
}

// RestoreSession resumes a session exported earlier for the same device
// and version.
func (d *Driver) RestoreSession(data []byte) driver.Code {
	var stored lorawan.DeviceSession
	if err := json.Unmarshal(data, &stored); err != nil || stored.DevAddr == (lorawan.DevAddr{}) {
		log.Warn().Err(err).Msg("decode stored session")
		return driver.CodeInvalidFrame
	}
	if d.identity == nil || stored.DevEUI != d.identity.DevEUI {
		return driver.CodeSessionMismatch
	}
	if stored.MACVersion != d.version {
		return driver.CodeSessionMismatch
	}

	d.session = &stored

	log.Info().
		Str("devAddr", d.session.DevAddr.String()).
		Uint32("fCntUp", d.session.FCntUp).
		Msg("session restored")
	return driver.CodeSessionRestored
}

func (d *Driver) String() string {
	return fmt.Sprintf("semtech-udp(%s)", d.cfg.Server)
}
