package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// GetDevNonce gets the next DevNonce of a device
func (s *PostgresStore) GetDevNonce(ctx context.Context, devEUI lorawan.EUI64) (uint16, error) {
	var next int
	err := s.getDB().QueryRowContext(ctx,
		"SELECT next_dev_nonce FROM dev_nonces WHERE dev_eui = $1", devEUI[:],
	).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return uint16(next), nil
}

// SaveDevNonce saves the next DevNonce of a device. The stored value never
// moves backwards.
func (s *PostgresStore) SaveDevNonce(ctx context.Context, devEUI lorawan.EUI64, next uint16) error {
	query := `
        INSERT INTO dev_nonces (dev_eui, next_dev_nonce, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (dev_eui) DO UPDATE SET
            next_dev_nonce = GREATEST(dev_nonces.next_dev_nonce, EXCLUDED.next_dev_nonce),
            updated_at = EXCLUDED.updated_at`

	_, err := s.getDB().ExecContext(ctx, query, devEUI[:], int(next), time.Now())
	return err
}
