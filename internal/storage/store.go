package storage

import (
	"context"
	"errors"
	"time"

	"github.com/lorawan-server/lorawan-node/internal/models"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Common errors
var (
	ErrNotFound = errors.New("not found")
)

// SessionStore persists device sessions across restarts.
type SessionStore interface {
	GetDeviceSession(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceSession, error)
	SaveDeviceSession(ctx context.Context, session *models.DeviceSession) error
	DeleteDeviceSession(ctx context.Context, devEUI lorawan.EUI64) error
}

// NonceStore persists the next LoRaWAN 1.1 DevNonce of a device. It is
// kept apart from the session so discarding a session never rewinds it.
type NonceStore interface {
	GetDevNonce(ctx context.Context, devEUI lorawan.EUI64) (uint16, error)
	SaveDevNonce(ctx context.Context, devEUI lorawan.EUI64, next uint16) error
}

// EventStore persists stage outcomes.
type EventStore interface {
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)
}

// Store defines the storage interface
type Store interface {
	SessionStore
	NonceStore
	EventStore

	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	Migrate(ctx context.Context) error
	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	DevEUI    *lorawan.EUI64
	Stage     *string
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}
