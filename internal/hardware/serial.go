package hardware

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// SerialBus holds the UART to the radio module open, 8N1. Bring-up only
// needs the port claimed and configured; radio traffic goes through the
// driver.
type SerialBus struct {
	Port     string
	BaudRate int

	mu   sync.Mutex
	port serial.Port
}

// NewSerialBus returns a bus for the named port.
func NewSerialBus(port string, baudRate int) *SerialBus {
	return &SerialBus{Port: port, BaudRate: baudRate}
}

func (b *SerialBus) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mode := &serial.Mode{
		BaudRate: b.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(b.Port, mode)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", b.Port, err)
	}

	b.mu.Lock()
	b.port = p
	b.mu.Unlock()

	log.Info().Str("port", b.Port).Int("baudRate", b.BaudRate).Msg("serial bus opened")
	return nil
}

func (b *SerialBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	return err
}
