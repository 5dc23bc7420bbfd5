package status

import (
	"context"
	"time"

	"github.com/lorawan-server/lorawan-node/internal/models"
	"github.com/lorawan-server/lorawan-node/internal/storage"
)

// StoreSink persists events as event logs.
type StoreSink struct {
	store   storage.EventStore
	timeout time.Duration
}

// NewStoreSink returns a sink writing to store.
func NewStoreSink(store storage.EventStore) *StoreSink {
	return &StoreSink{store: store, timeout: 2 * time.Second}
}

func (s *StoreSink) Write(ev Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	return s.store.CreateEventLog(ctx, &models.EventLog{
		ID:          ev.ID,
		CreatedAt:   ev.Time,
		DevEUI:      ev.DevEUI,
		Stage:       string(ev.Stage),
		Level:       Level(ev.Outcome),
		Code:        ev.Code,
		CodeName:    ev.CodeName,
		Description: ev.Message,
		Details:     models.EventDetails(ev.Details),
	})
}

// Level maps an outcome to an event log level.
func Level(o Outcome) models.EventLevel {
	switch o {
	case OutcomeOK:
		return models.EventLevelInfo
	case OutcomeWarning:
		return models.EventLevelWarning
	case OutcomeFailed:
		return models.EventLevelError
	case OutcomeFatal:
		return models.EventLevelFatal
	}
	return models.EventLevelDebug
}
