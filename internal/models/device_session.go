package models

import (
	"time"

	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// DeviceSession is a stored activation. Data is the driver's exported
// session, encrypted at rest; DevAddr and FCntUp are kept in clear for
// inspection.
type DeviceSession struct {
	DevEUI     lorawan.EUI64   `json:"devEUI" db:"dev_eui"`
	DevAddr    lorawan.DevAddr `json:"devAddr" db:"dev_addr"`
	MACVersion string          `json:"macVersion" db:"mac_version"`
	FCntUp     uint32          `json:"fCntUp" db:"f_cnt_up"`
	Data       []byte          `json:"-" db:"data"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}
