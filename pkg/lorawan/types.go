package lorawan

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EUI64 represents an 8-byte Extended Unique Identifier, most significant
// byte first. It is sent over the air in reversed (little-endian) order.
type EUI64 [8]byte

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// MarshalText implements encoding.TextMarshaler
func (e EUI64) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (e *EUI64) UnmarshalText(text []byte) error {
	return decodeHex(e[:], string(text), "EUI64")
}

func (e EUI64) wire() []byte {
	return reversed(e[:])
}

// ParseEUI64 parses a 16 character hex string.
func ParseEUI64(s string) (EUI64, error) {
	var e EUI64
	err := e.UnmarshalText([]byte(s))
	return e, err
}

// DevAddr represents a 4-byte device address, most significant byte first
type DevAddr [4]byte

// String returns hex string representation
func (d DevAddr) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalText implements encoding.TextMarshaler
func (d DevAddr) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *DevAddr) UnmarshalText(text []byte) error {
	return decodeHex(d[:], string(text), "DevAddr")
}

// AES128Key represents a 128-bit AES key
type AES128Key [16]byte

// String returns hex string representation
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

// MarshalText implements encoding.TextMarshaler
func (k AES128Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *AES128Key) UnmarshalText(text []byte) error {
	return decodeHex(k[:], string(text), "AES128Key")
}

// ParseAES128Key parses a 32 character hex string.
func ParseAES128Key(s string) (AES128Key, error) {
	var k AES128Key
	err := k.UnmarshalText([]byte(s))
	return k, err
}

// MType represents the message type
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RFU
	Proprietary
)

// Uplink reports whether frames of this type travel device to network.
func (m MType) Uplink() bool {
	switch m {
	case JoinRequest, UnconfirmedDataUp, ConfirmedDataUp:
		return true
	}
	return false
}

// Major represents the LoRaWAN major version
type Major byte

const (
	LoRaWANR1 Major = 0
)

// MACVersion is the LoRaWAN MAC layer revision a device speaks. It decides
// the join MIC scheme, session key derivation and the data MIC layout.
type MACVersion byte

const (
	MACVersionUnknown MACVersion = iota
	MACVersion1_0_2
	MACVersion1_0_3
	MACVersion1_0_4
	MACVersion1_1
)

var macVersionNames = map[MACVersion]string{
	MACVersion1_0_2: "1.0.2",
	MACVersion1_0_3: "1.0.3",
	MACVersion1_0_4: "1.0.4",
	MACVersion1_1:   "1.1",
}

func (v MACVersion) String() string {
	if s, ok := macVersionNames[v]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", byte(v))
}

// Is11 reports whether v uses the LoRaWAN 1.1 security scheme.
func (v MACVersion) Is11() bool {
	return v == MACVersion1_1
}

// MarshalText implements encoding.TextMarshaler
func (v MACVersion) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (v *MACVersion) UnmarshalText(text []byte) error {
	parsed, err := ParseMACVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseMACVersion accepts "1.0.2", "1.0.3", "1.0.4", "1.1" and "1.1.0".
func ParseMACVersion(s string) (MACVersion, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "1.1.0" {
		s = "1.1"
	}
	for v, name := range macVersionNames {
		if name == s {
			return v, nil
		}
	}
	return MACVersionUnknown, fmt.Errorf("unknown MAC version %q", s)
}

// PHYPayload represents the physical payload
type PHYPayload struct {
	MHDR       MHDR
	MACPayload []byte
	MIC        [4]byte
}

// MHDR represents the MAC header
type MHDR struct {
	MType MType
	Major Major
}

func (h MHDR) encode() byte {
	return byte(h.MType<<5) | byte(h.Major&0x03)
}

// MACPayload represents the MAC payload
type MACPayload struct {
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []byte
}

// FHDR represents the frame header
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16
	FOpts   []byte
}

// FCtrl represents the frame control byte
type FCtrl struct {
	ADR       bool
	ADRACKReq bool
	ACK       bool
	ClassB    bool
	FPending  bool
}

// JoinRequestPayload represents join request
type JoinRequestPayload struct {
	JoinEUI  EUI64
	DevEUI   EUI64
	DevNonce uint16
}

// JoinAcceptPayload represents join accept. JoinNonce is a 24-bit counter
// and NetID is most significant byte first.
type JoinAcceptPayload struct {
	JoinNonce  uint32
	NetID      [3]byte
	DevAddr    DevAddr
	DLSettings DLSettings
	RxDelay    uint8
	CFList     []byte
}

// DLSettings represents downlink settings. OptNeg is only meaningful for
// LoRaWAN 1.1 networks.
type DLSettings struct {
	OptNeg      bool
	RX1DROffset uint8
	RX2DataRate uint8
}

func decodeHex(dst []byte, s, name string) error {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("invalid %s length: expected %d bytes, got %d", name, len(dst), len(b))
	}
	copy(dst, b)
	return nil
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}
