// Package status fans stage outcomes out to diagnostic sinks. Reporting
// never fails from the caller's point of view.
package status

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Stage identifies the step an outcome belongs to.
type Stage string

const (
	StageHardware        Stage = "hardware"
	StageRfSwitch        Stage = "rf_switch"
	StageRadioInit       Stage = "radio_init"
	StageProtocolVersion Stage = "protocol_version"
	StageJoin            Stage = "join"
	StageUplink          Stage = "uplink"
	StageSession         Stage = "session"
)

// Outcome classifies a stage result.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeWarning Outcome = "warning"
	OutcomeFailed  Outcome = "failed"
	OutcomeFatal   Outcome = "fatal"
	OutcomeSkipped Outcome = "skipped"
)

// Event is one reported stage outcome.
type Event struct {
	ID       uuid.UUID              `json:"id"`
	Time     time.Time              `json:"time"`
	DevEUI   lorawan.EUI64          `json:"devEUI"`
	Stage    Stage                  `json:"stage"`
	Outcome  Outcome                `json:"outcome"`
	Code     int                    `json:"code"`
	CodeName string                 `json:"codeName,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

func (e Event) String() string {
	s := fmt.Sprintf("%s: %s", e.Stage, e.Outcome)
	if e.CodeName != "" {
		s += fmt.Sprintf(" (%s %d)", e.CodeName, e.Code)
	}
	if e.Message != "" {
		s += " " + e.Message
	}
	return s
}

// Reporter receives stage outcomes.
type Reporter interface {
	Report(ev Event)
}

// Sink is one destination for events. Errors and panics from a sink are
// contained by Multi.
type Sink interface {
	Write(ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event) error

func (f SinkFunc) Write(ev Event) error { return f(ev) }

// Multi writes every event to all sinks.
type Multi struct {
	devEUI lorawan.EUI64
	now    func() time.Time

	mu    sync.Mutex
	sinks []Sink
}

// NewReporter returns a reporter stamping events with devEUI.
func NewReporter(devEUI lorawan.EUI64, sinks ...Sink) *Multi {
	return &Multi{devEUI: devEUI, now: time.Now, sinks: sinks}
}

// Add registers another sink.
func (m *Multi) Add(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Report fills ID, Time and DevEUI when unset and writes ev to every sink.
func (m *Multi) Report(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Time.IsZero() {
		ev.Time = m.now()
	}
	if ev.DevEUI == (lorawan.EUI64{}) {
		ev.DevEUI = m.devEUI
	}

	m.mu.Lock()
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.Unlock()

	for _, s := range sinks {
		write(s, ev)
	}
}

func write(s Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Debug().
				Interface("panic", r).
				Str("stage", string(ev.Stage)).
				Msg("status sink panicked")
		}
	}()

	if err := s.Write(ev); err != nil {
		log.Debug().
			Err(err).
			Str("stage", string(ev.Stage)).
			Msg("status sink failed")
	}
}

// Close closes every sink implementing io.Closer.
func (m *Multi) Close() {
	m.mu.Lock()
	sinks := m.sinks
	m.sinks = nil
	m.mu.Unlock()

	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				log.Debug().Err(err).Msg("close status sink")
			}
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Report(Event) {}
