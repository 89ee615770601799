package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DeviceStore reads the push-token device registry.
type DeviceStore struct {
	pool *pgxpool.Pool
}

// NewDeviceStore creates a DeviceStore over the given pool.
func NewDeviceStore(pool *pgxpool.Pool) *DeviceStore {
	return &DeviceStore{pool: pool}
}

// HasPushToken reports whether the user has at least one registered device
// token. The planner resolves push addresses only as this boolean; token
// values are deferred to the worker.
func (s *DeviceStore) HasPushToken(ctx context.Context, username string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM crm_devices WHERE username = $1 AND COALESCE(push_token, '') <> '' LIMIT 1`,
		username).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("push token probe for %s: %w", username, err)
	}
	return true, nil
}

// ListPushTokens returns up to limit of the user's most recently registered
// device tokens.
func (s *DeviceStore) ListPushTokens(ctx context.Context, username string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT push_token FROM crm_devices
		  WHERE username = $1 AND COALESCE(push_token, '') <> ''
		  ORDER BY created_at DESC
		  LIMIT $2`,
		username, limit)
	if err != nil {
		return nil, fmt.Errorf("list push tokens for %s: %w", username, err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan push token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
