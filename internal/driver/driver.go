// Package driver defines the radio/MAC collaborator the node controls.
package driver

import (
	"context"
	"fmt"

	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Code is a small integer result from a driver operation.
type Code int

const (
	// CodeNone is the generic "no error" result.
	CodeNone Code = 0
	// CodeNewSession is returned by Activate when a join established a new
	// session. It is distinct from CodeNone.
	CodeNewSession Code = -1101
	// CodeSessionRestored is returned when a stored session was resumed.
	CodeSessionRestored Code = -1102

	CodeUnknown          Code = -1
	CodeChipNotFound     Code = -2
	CodeInvalidMode      Code = -3
	CodeUnsupported      Code = -4
	CodeTxTimeout        Code = -5
	CodeNoGatewayAck     Code = -6
	CodeInvalidPayload   Code = -7
	CodeMICMismatch      Code = -1111
	CodeNoJoinAccept     Code = -1116
	CodeNetworkNotJoined Code = -1112
	CodeDownlinkMIC      Code = -1113
	CodeInvalidFrame     Code = -1114
	CodeFCntDown         Code = -1115
	CodeSessionMismatch  Code = -1117
	// CodeNonceStore means the next DevNonce could not be read or reserved,
	// so no join-request was sent.
	CodeNonceStore Code = -1118
)

var codeNames = map[Code]string{
	CodeNone:             "NONE",
	CodeNewSession:       "NEW_SESSION",
	CodeSessionRestored:  "SESSION_RESTORED",
	CodeUnknown:          "UNKNOWN",
	CodeChipNotFound:     "CHIP_NOT_FOUND",
	CodeInvalidMode:      "INVALID_MODE",
	CodeUnsupported:      "UNSUPPORTED",
	CodeTxTimeout:        "TX_TIMEOUT",
	CodeNoGatewayAck:     "NO_GATEWAY_ACK",
	CodeInvalidPayload:   "INVALID_PAYLOAD",
	CodeMICMismatch:      "MIC_MISMATCH",
	CodeNoJoinAccept:     "NO_JOIN_ACCEPT",
	CodeNetworkNotJoined: "NETWORK_NOT_JOINED",
	CodeDownlinkMIC:      "DOWNLINK_MIC",
	CodeInvalidFrame:     "INVALID_FRAME",
	CodeFCntDown:         "FCNT_DOWN",
	CodeSessionMismatch:  "SESSION_MISMATCH",
	CodeNonceStore:       "NONCE_STORE",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

// Success reports whether c is one of the non-error results.
func (c Code) Success() bool {
	return c == CodeNone || c == CodeNewSession || c == CodeSessionRestored
}

// Err returns nil for success codes and a CodeError otherwise.
func (c Code) Err() error {
	if c.Success() {
		return nil
	}
	return &CodeError{Code: c}
}

// CodeError carries a driver code through the error interface.
type CodeError struct {
	Code Code
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("driver: %s (%d)", e.Code, int(e.Code))
}

// RfSwitchMode selects how the antenna switch is driven.
type RfSwitchMode int

const (
	RfSwitchExternalGPIO RfSwitchMode = iota
	RfSwitchInternalDIO
)

func (m RfSwitchMode) String() string {
	switch m {
	case RfSwitchExternalGPIO:
		return "external-gpio"
	case RfSwitchInternalDIO:
		return "internal-dio"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseRfSwitchMode parses "external-gpio" or "internal-dio".
func ParseRfSwitchMode(s string) (RfSwitchMode, error) {
	switch s {
	case "external-gpio":
		return RfSwitchExternalGPIO, nil
	case "internal-dio":
		return RfSwitchInternalDIO, nil
	}
	return 0, fmt.Errorf("unknown rf switch mode %q", s)
}

// Identity is the OTAA identity of the device. For LoRaWAN 1.0.x NwkKey and
// AppKey are expected to be the same root key.
type Identity struct {
	JoinEUI lorawan.EUI64
	DevEUI  lorawan.EUI64
	NwkKey  lorawan.AES128Key
	AppKey  lorawan.AES128Key
}

// SessionResult is the outcome of Activate.
type SessionResult struct {
	Code    Code
	DevAddr lorawan.DevAddr
}

// Driver is the radio and LoRaWAN MAC. All calls are made from one goroutine.
type Driver interface {
	SetRfSwitchControlMode(mode RfSwitchMode) Code
	Initialize(ctx context.Context) Code
	SetProtocolVersion(version lorawan.MACVersion)
	BeginActivation(identity Identity)
	Activate(ctx context.Context) SessionResult
	SendReceive(ctx context.Context, payload []byte) Code
}

// SessionKeeper is implemented by drivers whose session can be stored and
// resumed across restarts.
type SessionKeeper interface {
	ExportSession() ([]byte, error)
	RestoreSession(data []byte) Code
}

// NonceCounter is implemented by drivers that count DevNonces. LoRaWAN 1.1
// forbids reusing a DevNonce with the same root keys, so the counter must
// outlive both the process and any stored session.
type NonceCounter interface {
	NextDevNonce() uint16
	SetNextDevNonce(n uint16)
}

// Downlink is application data received in a receive window.
type Downlink struct {
	FPort   uint8
	Payload []byte
	FCnt    uint32
}

// DownlinkReceiver is implemented by drivers that keep the last downlink.
type DownlinkReceiver interface {
	LastDownlink() (Downlink, bool)
}
