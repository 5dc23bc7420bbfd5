package semtech

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lorawan-server/lorawan-node/internal/driver"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// networkServer is a minimal in-process LoRaWAN network server behind a
// Semtech UDP listener. It answers joins and can queue one downlink.
type networkServer struct {
	t       *testing.T
	conn    *net.UDPConn
	version lorawan.MACVersion
	id      driver.Identity
	devAddr lorawan.DevAddr
	netID   [3]byte

	mu          sync.Mutex
	dropPullAck bool
	ignoreJoins bool
	corruptMIC  bool
	clearOptNeg bool
	pullAddr    *net.UDPAddr
	joinNonce   uint32
	devNonces   []uint16
	session     *lorawan.DeviceSession
	fCntUp      uint32
	fCntDown    uint32
	uplinks     [][]byte
	txAcks      int
	acked       bool
	pending     *pendingDownlink
}

type pendingDownlink struct {
	fPort     uint8
	payload   []byte
	confirmed bool
}

func startNetworkServer(t *testing.T, version lorawan.MACVersion, id driver.Identity) *networkServer {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ns := &networkServer{
		t:         t,
		conn:      conn,
		version:   version,
		id:        id,
		devAddr:   lorawan.DevAddr{0x26, 0x01, 0x2E, 0x43},
		netID:     [3]byte{0x00, 0x00, 0x13},
		joinNonce: 0xE5063A,
	}
	go ns.serve()
	t.Cleanup(func() { conn.Close() })
	return ns
}

func (ns *networkServer) Addr() string {
	return ns.conn.LocalAddr().String()
}

func (ns *networkServer) serve() {
	buf := make([]byte, 65507)
	for {
		n, addr, err := ns.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		var p Packet
		if err := p.UnmarshalBinary(buf[:n]); err != nil {
			continue
		}

		switch p.Identifier {
		case PullData:
			ns.mu.Lock()
			ns.pullAddr = addr
			drop := ns.dropPullAck
			ns.mu.Unlock()
			if !drop {
				ns.reply(Packet{Token: p.Token, Identifier: PullAck}, addr)
			}
		case PushData:
			ns.reply(Packet{Token: p.Token, Identifier: PushAck}, addr)
			var push PushDataPayload
			if err := json.Unmarshal(p.Body, &push); err != nil {
				continue
			}
			for _, rx := range push.RXPK {
				data, err := base64.StdEncoding.DecodeString(rx.Data)
				if err != nil {
					continue
				}
				ns.handleFrame(data, rx)
			}
		case TxAck:
			ns.mu.Lock()
			ns.txAcks++
			ns.mu.Unlock()
		}
	}
}

func (ns *networkServer) reply(p Packet, addr *net.UDPAddr) {
	data, err := p.MarshalBinary()
	if err != nil {
		ns.t.Errorf("marshal %02x: %v", p.Identifier, err)
		return
	}
	ns.conn.WriteToUDP(data, addr)
}

func (ns *networkServer) sendFrame(phy lorawan.PHYPayload) {
	data, _ := phy.MarshalBinary()
	body, _ := json.Marshal(PullRespPayload{TXPK: TXPK{
		Imme: true,
		Freq: 869.525,
		Modu: "LORA",
		Datr: "SF9BW125",
		Codr: "4/5",
		IPol: true,
		Size: len(data),
		Data: base64.StdEncoding.EncodeToString(data),
	}})

	ns.mu.Lock()
	addr := ns.pullAddr
	ns.mu.Unlock()
	if addr == nil {
		ns.t.Errorf("no PULL_DATA received before downlink")
		return
	}
	ns.reply(Packet{Token: 0x1234, Identifier: PullResp, Body: body}, addr)
}

func (ns *networkServer) handleFrame(data []byte, rx RXPK) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(data); err != nil {
		return
	}

	switch phy.MHDR.MType {
	case lorawan.JoinRequest:
		ns.handleJoinRequest(&phy)
	case lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		ns.handleDataUp(&phy, rx)
	}
}

func (ns *networkServer) handleJoinRequest(phy *lorawan.PHYPayload) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.ignoreJoins {
		return
	}

	var jr lorawan.JoinRequestPayload
	if err := jr.UnmarshalBinary(phy.MACPayload); err != nil {
		return
	}
	if ok, err := phy.ValidateUplinkJoinMIC(ns.id.NwkKey); err != nil || !ok {
		ns.t.Errorf("join-request MIC invalid")
		return
	}

	ns.devNonces = append(ns.devNonces, jr.DevNonce)
	ns.joinNonce++
	ja := lorawan.JoinAcceptPayload{
		JoinNonce: ns.joinNonce,
		NetID:     ns.netID,
		DevAddr:   ns.devAddr,
		DLSettings: lorawan.DLSettings{
			OptNeg:      ns.version.Is11() && !ns.clearOptNeg,
			RX2DataRate: 0,
		},
		RxDelay: 1,
	}
	body, _ := ja.MarshalBinary()

	accept := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: lorawan.JoinAccept, Major: lorawan.LoRaWANR1},
		MACPayload: body,
	}

	var keys lorawan.SessionKeys
	var err error
	if ns.version.Is11() {
		jsIntKey, _ := lorawan.DeriveJSIntKey(ns.id.NwkKey, jr.DevEUI)
		err = accept.SetJoinAcceptMIC11(jsIntKey, jr.JoinEUI, jr.DevNonce)
		keys, _ = lorawan.DeriveSessionKeys11(ns.id.NwkKey, ns.id.AppKey, ns.joinNonce, jr.JoinEUI, jr.DevNonce)
	} else {
		err = accept.SetJoinAcceptMIC(ns.id.NwkKey)
		keys, _ = lorawan.DeriveSessionKeys10(ns.id.NwkKey, ns.joinNonce, ns.netID, jr.DevNonce)
	}
	if err != nil {
		ns.t.Errorf("set join-accept MIC: %v", err)
		return
	}
	if err := accept.EncryptJoinAcceptPayload(ns.id.NwkKey); err != nil {
		ns.t.Errorf("encrypt join-accept: %v", err)
		return
	}

	ns.session = &lorawan.DeviceSession{
		DevEUI:      jr.DevEUI,
		JoinEUI:     jr.JoinEUI,
		DevAddr:     ns.devAddr,
		MACVersion:  ns.version,
		SessionKeys: keys,
	}
	ns.fCntUp = 0
	ns.fCntDown = 0

	go ns.sendFrame(accept)
}

func (ns *networkServer) handleDataUp(phy *lorawan.PHYPayload, rx RXPK) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	s := ns.session
	if s == nil {
		return
	}

	var mac lorawan.MACPayload
	if err := mac.Unmarshal(phy.MACPayload, true); err != nil || mac.FHDR.DevAddr != s.DevAddr {
		return
	}

	fCnt := lorawan.GetFullFCnt(ns.fCntUp, mac.FHDR.FCnt)
	var confFCnt uint32
	if mac.FHDR.FCtrl.ACK && ns.fCntDown > 0 {
		confFCnt = ns.fCntDown - 1
	}
	ok, err := phy.ValidateUplinkDataMIC(s.MACVersion, fCnt, confFCnt, 5, uint8(rx.Chan), s.FNwkSIntKey, s.SNwkSIntKey)
	if err != nil || !ok {
		ns.t.Errorf("uplink MIC invalid (fCnt %d)", fCnt)
		return
	}
	ns.fCntUp = fCnt + 1
	ns.acked = mac.FHDR.FCtrl.ACK

	plain, _ := lorawan.EncryptFRMPayload(s.AppSKey, s.DevAddr, fCnt, true, mac.FRMPayload)
	ns.uplinks = append(ns.uplinks, plain)

	if ns.pending == nil {
		return
	}
	dl := ns.pending
	ns.pending = nil

	frm, _ := lorawan.EncryptFRMPayload(s.AppSKey, s.DevAddr, ns.fCntDown, false, dl.payload)
	fPort := dl.fPort
	down := lorawan.MACPayload{
		FHDR:       lorawan.FHDR{DevAddr: s.DevAddr, FCnt: uint16(ns.fCntDown)},
		FPort:      &fPort,
		FRMPayload: frm,
	}
	body, _ := down.Marshal(false)

	mtype := lorawan.UnconfirmedDataDown
	if dl.confirmed {
		mtype = lorawan.ConfirmedDataDown
	}
	out := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWANR1},
		MACPayload: body,
	}
	if err := out.SetDownlinkDataMIC(s.MACVersion, ns.fCntDown, 0, s.SNwkSIntKey); err != nil {
		ns.t.Errorf("set downlink MIC: %v", err)
		return
	}
	if ns.corruptMIC {
		out.MIC[0] ^= 0xFF
	}
	ns.fCntDown++

	go ns.sendFrame(out)
}

func (ns *networkServer) Queue(fPort uint8, payload []byte, confirmed bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.pending = &pendingDownlink{fPort: fPort, payload: payload, confirmed: confirmed}
}

func (ns *networkServer) Set(f func(ns *networkServer)) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	f(ns)
}

func (ns *networkServer) Session() *lorawan.DeviceSession {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.session
}

// DevNonces returns the DevNonce of every join-request in order.
func (ns *networkServer) DevNonces() []uint16 {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return append([]uint16(nil), ns.devNonces...)
}

func (ns *networkServer) Uplinks() [][]byte {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return append([][]byte(nil), ns.uplinks...)
}

// Acked reports whether the last uplink carried ACK.
func (ns *networkServer) Acked() bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.acked
}

func (ns *networkServer) TxAcks() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.txAcks
}

func waitFor(t *testing.T, cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
