// Package hardware powers the radio module and opens the link to it.
package hardware

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/driver"
)

// ErrUnsupported is returned by pin controllers on platforms without GPIO
// character devices.
var ErrUnsupported = errors.New("gpio not supported on this platform")

// RadioSwitchConfig describes the power and rf switch lines of the radio.
type RadioSwitchConfig struct {
	Chip        string
	PowerPin    int
	ControlPin  int
	ControlMode driver.RfSwitchMode
	ActiveLow   bool
}

// PinController drives digital output lines.
type PinController interface {
	Output(pin int, active bool) error
	Close() error
}

// Bus is the link between the host and the radio module.
type Bus interface {
	Open(ctx context.Context) error
	Close() error
}

// Error is a bring-up failure. It is always fatal.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("hardware %s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// BringUp drives the power line active and then opens the bus. There are no
// retries.
func BringUp(ctx context.Context, cfg RadioSwitchConfig, pins PinController, bus Bus) error {
	if err := ctx.Err(); err != nil {
		return &Error{Step: "start", Err: err}
	}

	if err := pins.Output(cfg.PowerPin, true); err != nil {
		return &Error{Step: "power", Err: err}
	}
	log.Info().Int("pin", cfg.PowerPin).Bool("activeLow", cfg.ActiveLow).Msg("radio power enabled")

	// The driver toggles the switch line itself; park it inactive.
	if cfg.ControlMode == driver.RfSwitchExternalGPIO {
		if err := pins.Output(cfg.ControlPin, false); err != nil {
			return &Error{Step: "rf-switch", Err: err}
		}
		log.Debug().Int("pin", cfg.ControlPin).Msg("rf switch line configured")
	}

	if err := bus.Open(ctx); err != nil {
		return &Error{Step: "bus", Err: err}
	}

	return nil
}
