// Package semtech implements driver.Driver in software. The node acts as a
// single-channel virtual gateway and speaks the Semtech UDP packet
// forwarder protocol (v2) to a network server.
package semtech

import (
	"encoding/binary"
	"fmt"

	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Semtech UDP protocol constants
const (
	ProtocolVersion = 2

	PushData = 0x00
	PushAck  = 0x01
	PullData = 0x02
	PullResp = 0x03
	PullAck  = 0x04
	TxAck    = 0x05
)

// Packet is one datagram of the protocol.
type Packet struct {
	Token      uint16
	Identifier byte
	// GatewayEUI is present in PUSH_DATA, PULL_DATA and TX_ACK.
	GatewayEUI *lorawan.EUI64
	Body       []byte
}

func hasGatewayEUI(id byte) bool {
	return id == PushData || id == PullData || id == TxAck
}

// MarshalBinary encodes the datagram.
func (p Packet) MarshalBinary() ([]byte, error) {
	if hasGatewayEUI(p.Identifier) && p.GatewayEUI == nil {
		return nil, fmt.Errorf("packet type 0x%02x requires a gateway EUI", p.Identifier)
	}

	data := make([]byte, 4, 12+len(p.Body))
	data[0] = ProtocolVersion
	binary.BigEndian.PutUint16(data[1:3], p.Token)
	data[3] = p.Identifier
	if hasGatewayEUI(p.Identifier) {
		data = append(data, p.GatewayEUI[:]...)
	}
	return append(data, p.Body...), nil
}

// UnmarshalBinary decodes a datagram.
func (p *Packet) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("packet too short: %d bytes", len(data))
	}
	if data[0] != ProtocolVersion {
		return fmt.Errorf("unsupported protocol version %d", data[0])
	}

	p.Token = binary.BigEndian.Uint16(data[1:3])
	p.Identifier = data[3]
	p.GatewayEUI = nil
	p.Body = nil

	pos := 4
	if hasGatewayEUI(p.Identifier) {
		if len(data) < 12 {
			return fmt.Errorf("packet type 0x%02x too short: %d bytes", p.Identifier, len(data))
		}
		var eui lorawan.EUI64
		copy(eui[:], data[4:12])
		p.GatewayEUI = &eui
		pos = 12
	}
	if len(data) > pos {
		p.Body = append([]byte(nil), data[pos:]...)
	}
	return nil
}

// RXPK is a received packet as reported by the gateway in PUSH_DATA.
type RXPK struct {
	Time string  `json:"time,omitempty"`
	Tmst uint32  `json:"tmst"`
	Chan int     `json:"chan"`
	RFCh int     `json:"rfch"`
	Freq float64 `json:"freq"`
	Stat int     `json:"stat"`
	Modu string  `json:"modu"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	RSSI int     `json:"rssi"`
	LSNR float64 `json:"lsnr"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

// TXPK is a packet the network server asks the gateway to send.
type TXPK struct {
	Imme bool    `json:"imme"`
	Tmst uint32  `json:"tmst,omitempty"`
	Freq float64 `json:"freq"`
	RFCh int     `json:"rfch"`
	Powe int     `json:"powe,omitempty"`
	Modu string  `json:"modu"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr,omitempty"`
	IPol bool    `json:"ipol"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

// PushDataPayload is the JSON body of PUSH_DATA.
type PushDataPayload struct {
	RXPK []RXPK `json:"rxpk"`
}

// PullRespPayload is the JSON body of PULL_RESP.
type PullRespPayload struct {
	TXPK TXPK `json:"txpk"`
}

// TxAckPayload is the JSON body of TX_ACK.
type TxAckPayload struct {
	TXPKACK struct {
		Error string `json:"error"`
	} `json:"txpk_ack"`
}
