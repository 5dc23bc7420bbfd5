//go:build linux

package hardware

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/warthog618/gpiod"
)

// GPIOChip drives lines of a GPIO character device. Each pin is requested
// on first use and held until Close.
type GPIOChip struct {
	chip      string
	activeLow bool

	mu    sync.Mutex
	lines map[int]*gpiod.Line
}

// OpenGPIOChip returns a controller for chip, e.g. "gpiochip0".
func OpenGPIOChip(chip string, activeLow bool) (PinController, error) {
	return &GPIOChip{
		chip:      chip,
		activeLow: activeLow,
		lines:     make(map[int]*gpiod.Line),
	}, nil
}

func value(active bool) int {
	if active {
		return 1
	}
	return 0
}

func (g *GPIOChip) Output(pin int, active bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if l, ok := g.lines[pin]; ok {
		return l.SetValue(value(active))
	}

	opts := []gpiod.LineReqOption{
		gpiod.AsOutput(value(active)),
		gpiod.WithConsumer("lorawan-node"),
	}
	if g.activeLow {
		opts = append(opts, gpiod.AsActiveLow)
	}

	l, err := gpiod.RequestLine(g.chip, pin, opts...)
	if err != nil {
		return fmt.Errorf("request %s line %d: %w", g.chip, pin, err)
	}
	g.lines[pin] = l
	return nil
}

// Close drives every line inactive and releases it.
func (g *GPIOChip) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var first error
	for pin, l := range g.lines {
		if err := l.SetValue(0); err != nil {
			log.Warn().Err(err).Int("pin", pin).Msg("drive line inactive")
		}
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
		delete(g.lines, pin)
	}
	return first
}
