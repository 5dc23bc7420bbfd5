package hardware

import (
	"context"
	"fmt"
	"sync"
)

// Recorder receives call names. drivertest.Journal implements it.
type Recorder interface {
	Record(name string)
}

// MemoryPins keeps line states in memory. It is used for dry runs and tests.
type MemoryPins struct {
	Recorder Recorder
	// Fail makes Output fail for the given pins.
	Fail map[int]error

	mu     sync.Mutex
	states map[int]bool
	closed bool
}

// NewMemoryPins returns a controller with all lines inactive.
func NewMemoryPins(r Recorder) *MemoryPins {
	return &MemoryPins{Recorder: r, states: make(map[int]bool)}
}

func (m *MemoryPins) Output(pin int, active bool) error {
	if m.Recorder != nil {
		m.Recorder.Record(fmt.Sprintf("Output(%d,%v)", pin, active))
	}
	if err := m.Fail[pin]; err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states == nil {
		m.states = make(map[int]bool)
	}
	m.states[pin] = active
	return nil
}

// Active reports the state of pin.
func (m *MemoryPins) Active(pin int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[pin]
}

func (m *MemoryPins) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pin := range m.states {
		m.states[pin] = false
	}
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MemoryPins) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// NopBus is used when the radio is reached over the network.
type NopBus struct{}

func (NopBus) Open(context.Context) error { return nil }
func (NopBus) Close() error               { return nil }
