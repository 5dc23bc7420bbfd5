package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lorawan-server/lorawan-node/internal/models"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// GetDeviceSession gets a device session
func (s *PostgresStore) GetDeviceSession(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceSession, error) {
	query := `
        SELECT dev_eui, dev_addr, mac_version, f_cnt_up, data, created_at, updated_at
        FROM device_sessions
        WHERE dev_eui = $1`

	session := &models.DeviceSession{}
	var devEUIBytes, devAddrBytes []byte

	err := s.getDB().QueryRowContext(ctx, query, devEUI[:]).Scan(
		&devEUIBytes, &devAddrBytes, &session.MACVersion, &session.FCntUp,
		&session.Data, &session.CreatedAt, &session.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	copy(session.DevEUI[:], devEUIBytes)
	copy(session.DevAddr[:], devAddrBytes)

	return session, nil
}

// SaveDeviceSession saves a device session
func (s *PostgresStore) SaveDeviceSession(ctx context.Context, session *models.DeviceSession) error {
	session.UpdatedAt = time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = session.UpdatedAt
	}

	query := `
        INSERT INTO device_sessions (
            dev_eui, dev_addr, mac_version, f_cnt_up, data, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (dev_eui) DO UPDATE SET
            dev_addr = EXCLUDED.dev_addr,
            mac_version = EXCLUDED.mac_version,
            f_cnt_up = EXCLUDED.f_cnt_up,
            data = EXCLUDED.data,
            updated_at = EXCLUDED.updated_at`

	_, err := s.getDB().ExecContext(ctx, query,
		session.DevEUI[:], session.DevAddr[:], session.MACVersion,
		session.FCntUp, session.Data, session.CreatedAt, session.UpdatedAt,
	)

	return err
}

// DeleteDeviceSession deletes a device session
func (s *PostgresStore) DeleteDeviceSession(ctx context.Context, devEUI lorawan.EUI64) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM device_sessions WHERE dev_eui = $1", devEUI[:])
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
