package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// EventLog represents a persisted stage outcome
type EventLog struct {
	ID        uuid.UUID     `json:"id" db:"id"`
	CreatedAt time.Time     `json:"createdAt" db:"created_at"`
	DevEUI    lorawan.EUI64 `json:"devEUI" db:"dev_eui"`

	Stage       string     `json:"stage" db:"stage"`
	Level       EventLevel `json:"level" db:"level"`
	Code        int        `json:"code" db:"code"`
	CodeName    string     `json:"codeName" db:"code_name"`
	Description string     `json:"description" db:"description"`

	Details EventDetails `json:"details,omitempty" db:"details"`
}

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
	EventLevelFatal   EventLevel = "FATAL"
)

// EventDetails is stored as a JSONB column. An empty map is stored as NULL.
type EventDetails map[string]interface{}

// Value implements driver.Valuer
func (d EventDetails) Value() (driver.Value, error) {
	if len(d) == 0 {
		return nil, nil
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner
func (d *EventDetails) Scan(value interface{}) error {
	switch data := value.(type) {
	case nil:
		*d = nil
		return nil
	case []byte:
		return json.Unmarshal(data, d)
	case string:
		return json.Unmarshal([]byte(data), d)
	}
	return fmt.Errorf("unsupported type for event details: %T", value)
}
