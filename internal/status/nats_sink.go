package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

type natsConn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

// NATSSink publishes events as JSON on device.<devEUI>.status.<stage>.
type NATSSink struct {
	nc natsConn
}

// NewNATSSink returns a sink publishing on nc. The sink owns nc and drains
// it on Close.
func NewNATSSink(nc *nats.Conn) *NATSSink {
	return &NATSSink{nc: nc}
}

func (s *NATSSink) Write(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("device.%s.status.%s", ev.DevEUI, ev.Stage)
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending publishes and drains the connection.
func (s *NATSSink) Close() error {
	err := s.nc.FlushTimeout(2 * time.Second)
	return errors.Join(err, s.nc.Drain())
}
