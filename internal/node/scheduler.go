package node

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/driver"
	"github.com/lorawan-server/lorawan-node/internal/status"
)

// DefaultPayload is the uplink sent when none is configured.
var DefaultPayload = []byte{0x48, 0x65, 0x6C, 0x6C, 0x6F}

// UplinkAttempt is one scheduled send.
type UplinkAttempt struct {
	ID      uuid.UUID   `json:"id"`
	Payload []byte      `json:"payload"`
	At      time.Time   `json:"at"`
	Code    driver.Code `json:"code"`
	Sent    bool        `json:"sent"`
}

// Scheduler sends a fixed payload every interval. It is polled from the
// main loop and never blocks between sends.
type Scheduler struct {
	driver   driver.Driver
	reporter status.Reporter
	clock    Clock
	interval uint32
	payload  []byte
	last     uint32

	// Ready reports whether a session exists. A nil Ready means always.
	Ready func() bool
	// OnAttempt is called after every attempt has been reported.
	OnAttempt func(UplinkAttempt)
}

// NewScheduler returns a scheduler whose first send is due one interval
// from now.
func NewScheduler(d driver.Driver, r status.Reporter, clock Clock, interval time.Duration, payload []byte) *Scheduler {
	if len(payload) == 0 {
		payload = DefaultPayload
	}
	return &Scheduler{
		driver:   d,
		reporter: r,
		clock:    clock,
		interval: millis(interval),
		payload:  append([]byte(nil), payload...),
		last:     clock.Millis(),
	}
}

// Poll sends the payload if the interval has elapsed. It reports whether
// SendReceive was called.
func (s *Scheduler) Poll(ctx context.Context) bool {
	now := s.clock.Millis()
	if !Elapsed(now, s.last, s.interval) {
		return false
	}
	s.last = now

	attempt := UplinkAttempt{
		ID:      uuid.New(),
		Payload: append([]byte(nil), s.payload...),
		At:      time.Now(),
	}
	details := map[string]interface{}{
		"attempt": attempt.ID.String(),
		"payload": hex.EncodeToString(attempt.Payload),
	}

	if s.Ready != nil && !s.Ready() {
		attempt.Code = driver.CodeNetworkNotJoined
		s.reporter.Report(status.Event{
			Stage:    status.StageUplink,
			Outcome:  status.OutcomeSkipped,
			Code:     int(attempt.Code),
			CodeName: attempt.Code.String(),
			Message:  "no session",
			Details:  details,
		})
		s.notify(attempt)
		return false
	}

	attempt.Code = s.driver.SendReceive(ctx, attempt.Payload)
	attempt.Sent = true

	ev := status.Event{
		Stage:    status.StageUplink,
		Outcome:  status.OutcomeOK,
		Code:     int(attempt.Code),
		CodeName: attempt.Code.String(),
		Details:  details,
	}
	if !attempt.Code.Success() {
		ev.Outcome = status.OutcomeFailed
		ev.Message = "send failed, retrying next interval"
		log.Warn().Int("code", int(attempt.Code)).Str("codeName", attempt.Code.String()).Msg("uplink failed")
	} else {
		log.Info().Str("payload", details["payload"].(string)).Msg("uplink sent")
	}
	s.reporter.Report(ev)
	s.notify(attempt)
	return true
}

func (s *Scheduler) notify(a UplinkAttempt) {
	if s.OnAttempt != nil {
		s.OnAttempt(a)
	}
}
