package lorawan

import (
	"time"
)

// DeviceSession is the device-side state of one OTAA activation.
type DeviceSession struct {
	DevEUI     EUI64      `json:"devEUI"`
	JoinEUI    EUI64      `json:"joinEUI"`
	DevAddr    DevAddr    `json:"devAddr"`
	MACVersion MACVersion `json:"macVersion"`

	SessionKeys

	// FCntUp is the next counter to send; the downlink counters are the
	// lowest values still accepted.
	FCntUp    uint32 `json:"fCntUp"`
	NFCntDown uint32 `json:"nFCntDown"`
	AFCntDown uint32 `json:"aFCntDown"`

	// Set after a confirmed downlink; the next uplink carries ACK.
	PendingACK bool   `json:"pendingACK"`
	ConfFCnt   uint32 `json:"confFCnt"`

	RX1DROffset uint8 `json:"rx1DROffset"`
	RX2DR       uint8 `json:"rx2DR"`
	RXDelay     uint8 `json:"rxDelay"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FCntDown returns the downlink counter that applies to port. LoRaWAN 1.0.x
// has a single downlink counter; this session keeps it in NFCntDown.
func (s *DeviceSession) FCntDown(fPort *uint8) uint32 {
	if s.MACVersion.Is11() && fPort != nil && *fPort > 0 {
		return s.AFCntDown
	}
	return s.NFCntDown
}

// AcceptFCntDown records fCnt as received on port.
func (s *DeviceSession) AcceptFCntDown(fPort *uint8, fCnt uint32) {
	if s.MACVersion.Is11() && fPort != nil && *fPort > 0 {
		s.AFCntDown = fCnt + 1
		return
	}
	s.NFCntDown = fCnt + 1
}

// RXDelaySeconds returns the RX1 delay in seconds; 0 means 1.
func (s *DeviceSession) RXDelaySeconds() int {
	if s.RXDelay&0x0F == 0 {
		return 1
	}
	return int(s.RXDelay & 0x0F)
}
