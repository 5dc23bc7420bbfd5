package semtech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	brocaar "github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/band"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/driver"
	"github.com/lorawan-server/lorawan-node/pkg/crypto"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Config configures the software driver.
type Config struct {
	Server     string
	GatewayEUI lorawan.EUI64
	Band       string
	DataRate   int
	FPort      uint8
	AckTimeout time.Duration
	RXMargin   time.Duration

	// JoinTimeout and ReceiveTimeout override the regional receive windows
	// when set.
	JoinTimeout    time.Duration
	ReceiveTimeout time.Duration
}

// Driver is a LoRaWAN MAC on top of a Semtech UDP link.
type Driver struct {
	cfg      Config
	band     band.Band
	datr     string
	channels []int

	conn    *net.UDPConn
	packets chan Packet
	token   uint16
	started time.Time
	nextCh  int

	mode     driver.RfSwitchMode
	version  lorawan.MACVersion
	identity *driver.Identity
	devNonce uint16

	session  *lorawan.DeviceSession
	downlink *driver.Downlink
}

// NewDriver validates cfg against the regional parameters and returns a driver.
// No network I/O happens before Initialize.
func NewDriver(cfg Config) (*Driver, error) {
	b, err := band.GetConfig(band.Name(cfg.Band), false, brocaar.DwellTimeNoLimit)
	if err != nil {
		return nil, fmt.Errorf("get band config: %w", err)
	}

	dr, err := b.GetDataRate(cfg.DataRate)
	if err != nil {
		return nil, fmt.Errorf("get data rate %d: %w", cfg.DataRate, err)
	}
	if dr.Modulation != band.LoRaModulation {
		return nil, fmt.Errorf("data rate %d is not a LoRa data rate", cfg.DataRate)
	}

	var channels []int
	for _, i := range b.GetUplinkChannelIndices() {
		ch, err := b.GetUplinkChannel(i)
		if err != nil {
			continue
		}
		if cfg.DataRate >= ch.MinDR && cfg.DataRate <= ch.MaxDR {
			channels = append(channels, i)
		}
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("no uplink channel in %s supports DR%d", cfg.Band, cfg.DataRate)
	}

	if cfg.FPort == 0 {
		cfg.FPort = 1
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 2 * time.Second
	}

	token, err := crypto.RandomUint16()
	if err != nil {
		return nil, err
	}

	return &Driver{
		cfg:      cfg,
		band:     b,
		datr:     fmt.Sprintf("SF%dBW%d", dr.SpreadFactor, dr.Bandwidth),
		channels: channels,
		token:    token,
		mode:     driver.RfSwitchInternalDIO,
	}, nil
}

// SetRfSwitchControlMode accepts the internal DIO mode only; there is no
// antenna switch line to drive.
func (d *Driver) SetRfSwitchControlMode(mode driver.RfSwitchMode) driver.Code {
	switch mode {
	case driver.RfSwitchInternalDIO:
		d.mode = mode
		return driver.CodeNone
	case driver.RfSwitchExternalGPIO:
		return driver.CodeUnsupported
	}
	return driver.CodeInvalidMode
}

// Initialize opens the UDP link and waits for the server to acknowledge a
// PULL_DATA.
func (d *Driver) Initialize(ctx context.Context) driver.Code {
	d.Close()

	addr, err := net.ResolveUDPAddr("udp", d.cfg.Server)
	if err != nil {
		log.Error().Err(err).Str("server", d.cfg.Server).Msg("resolve network server")
		return driver.CodeChipNotFound
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.Error().Err(err).Str("server", d.cfg.Server).Msg("dial network server")
		return driver.CodeChipNotFound
	}

	d.conn = conn
	d.packets = make(chan Packet, 16)
	d.started = time.Now()
	go readLoop(conn, d.packets)

	token, err := d.send(PullData, nil)
	if err != nil {
		log.Error().Err(err).Msg("send PULL_DATA")
		d.Close()
		return driver.CodeNoGatewayAck
	}
	if !d.awaitAck(ctx, token, PullAck, d.cfg.AckTimeout) {
		log.Error().Str("server", d.cfg.Server).Dur("timeout", d.cfg.AckTimeout).Msg("no PULL_ACK from network server")
		d.Close()
		return driver.CodeNoGatewayAck
	}

	log.Info().
		Str("server", addr.String()).
		Str("gatewayEUI", d.cfg.GatewayEUI.String()).
		Str("band", d.cfg.Band).
		Str("datr", d.datr).
		Msg("connected to network server")
	return driver.CodeNone
}

// SetProtocolVersion selects the MAC version used for the next join.
func (d *Driver) SetProtocolVersion(version lorawan.MACVersion) {
	d.version = version
}

// BeginActivation stores the identity and drops any session.
func (d *Driver) BeginActivation(identity driver.Identity) {
	id := identity
	d.identity = &id
	d.session = nil
	d.downlink = nil
}

// LastDownlink returns the last application downlink received.
func (d *Driver) LastDownlink() (driver.Downlink, bool) {
	if d.downlink == nil {
		return driver.Downlink{}, false
	}
	return *d.downlink, true
}

// Session returns a copy of the current session.
func (d *Driver) Session() (lorawan.DeviceSession, bool) {
	if d.session == nil {
		return lorawan.DeviceSession{}, false
	}
	return *d.session, true
}

// Close releases the UDP socket.
func (d *Driver) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

func readLoop(conn *net.UDPConn, out chan<- Packet) {
	defer close(out)

	buf := make([]byte, 65507)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP errors surface as read errors on a connected socket.
			log.Debug().Err(err).Msg("read from network server")
			continue
		}

		var p Packet
		if err := p.UnmarshalBinary(buf[:n]); err != nil {
			log.Warn().Err(err).Msg("drop malformed packet")
			continue
		}

		select {
		case out <- p:
		default:
			log.Warn().Uint8("type", p.Identifier).Msg("packet queue full, dropping")
		}
	}
}

func (d *Driver) send(id byte, body []byte) (uint16, error) {
	if d.conn == nil {
		return 0, fmt.Errorf("not connected")
	}

	d.token++
	eui := d.cfg.GatewayEUI
	data, err := Packet{Token: d.token, Identifier: id, GatewayEUI: &eui, Body: body}.MarshalBinary()
	if err != nil {
		return 0, err
	}
	if _, err := d.conn.Write(data); err != nil {
		return 0, err
	}
	return d.token, nil
}

// next returns the next packet before timeout. PULL_RESP packets are
// acknowledged here.
func (d *Driver) next(ctx context.Context, timeout time.Duration) (Packet, bool) {
	if timeout <= 0 {
		return Packet{}, false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Packet{}, false
	case <-timer.C:
		return Packet{}, false
	case p, ok := <-d.packets:
		if !ok {
			return Packet{}, false
		}
		if p.Identifier == PullResp {
			d.ackPullResp(p.Token)
		}
		return p, true
	}
}

func (d *Driver) awaitAck(ctx context.Context, token uint16, id byte, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		p, ok := d.next(ctx, time.Until(deadline))
		if !ok {
			return false
		}
		if p.Identifier == id && p.Token == token {
			return true
		}
	}
}

func (d *Driver) ackPullResp(token uint16) {
	var ack TxAckPayload
	ack.TXPKACK.Error = "NONE"
	body, _ := json.Marshal(ack)

	eui := d.cfg.GatewayEUI
	data, err := Packet{Token: token, Identifier: TxAck, GatewayEUI: &eui, Body: body}.MarshalBinary()
	if err == nil {
		_, err = d.conn.Write(data)
	}
	if err != nil {
		log.Warn().Err(err).Msg("send TX_ACK")
	}
}

// awaitFrame returns the PHYPayload of the next PULL_RESP before deadline.
func (d *Driver) awaitFrame(ctx context.Context, deadline time.Time) ([]byte, bool) {
	for {
		p, ok := d.next(ctx, time.Until(deadline))
		if !ok {
			return nil, false
		}
		if p.Identifier != PullResp {
			continue
		}

		var resp PullRespPayload
		if err := json.Unmarshal(p.Body, &resp); err != nil {
			log.Warn().Err(err).Msg("decode PULL_RESP")
			continue
		}
		phy, err := base64.StdEncoding.DecodeString(resp.TXPK.Data)
		if err != nil {
			log.Warn().Err(err).Msg("decode txpk data")
			continue
		}

		log.Debug().
			Float64("freq", resp.TXPK.Freq).
			Str("datr", resp.TXPK.Datr).
			Int("size", len(phy)).
			Msg("downlink frame received")
		return phy, true
	}
}

// nextChannel rotates through the uplink channels that support the
// configured data rate.
func (d *Driver) nextChannel() int {
	ch := d.channels[d.nextCh%len(d.channels)]
	d.nextCh++
	return ch
}

// transmit sends phy as a packet received by the virtual gateway on the
// given channel.
func (d *Driver) transmit(phy []byte, chIndex int) error {
	ch, err := d.band.GetUplinkChannel(chIndex)
	if err != nil {
		return err
	}

	now := time.Now()
	payload := PushDataPayload{RXPK: []RXPK{{
		Time: now.UTC().Format(time.RFC3339Nano),
		Tmst: uint32(now.Sub(d.started) / time.Microsecond),
		Chan: chIndex,
		Freq: float64(ch.Frequency) / 1000000,
		Stat: 1,
		Modu: "LORA",
		Datr: d.datr,
		Codr: "4/5",
		RSSI: -40,
		LSNR: 9.5,
		Size: len(phy),
		Data: base64.StdEncoding.EncodeToString(phy),
	}}}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	// Refresh the downlink route before every uplink.
	if _, err := d.send(PullData, nil); err != nil {
		return err
	}
	if _, err := d.send(PushData, body); err != nil {
		return err
	}

	log.Debug().
		Int("channel", chIndex).
		Uint32("freq", ch.Frequency).
		Str("datr", d.datr).
		Int("size", len(phy)).
		Msg("uplink frame sent")
	return nil
}

func (d *Driver) joinTimeout() time.Duration {
	if d.cfg.JoinTimeout > 0 {
		return d.cfg.JoinTimeout
	}
	return d.band.GetDefaults().JoinAcceptDelay2 + d.cfg.RXMargin
}

func (d *Driver) receiveTimeout() time.Duration {
	if d.cfg.ReceiveTimeout > 0 {
		return d.cfg.ReceiveTimeout
	}
	rx1 := time.Duration(d.session.RXDelaySeconds()) * time.Second
	return rx1 + time.Second + d.cfg.RXMargin
}

// NextDevNonce returns the DevNonce the next 1.1 join-request will carry.
func (d *Driver) NextDevNonce() uint16 {
	return d.devNonce
}

// SetNextDevNonce moves the 1.1 DevNonce counter, usually to a value loaded
// from storage before Activate.
func (d *Driver) SetNextDevNonce(n uint16) {
	d.devNonce = n
}

var errDevNonceExhausted = errors.New("DevNonce counter exhausted, the device needs new root keys")

func nextDevNonce(version lorawan.MACVersion, counter *uint16) (uint16, error) {
	if version.Is11() {
		if *counter == math.MaxUint16 {
			return 0, errDevNonceExhausted
		}
		n := *counter
		*counter++
		return n, nil
	}
	return crypto.RandomUint16()
}
