package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OptOutStore reads the per-user, per-channel suppression registry.
type OptOutStore struct {
	pool *pgxpool.Pool
}

// NewOptOutStore creates an OptOutStore over the given pool.
func NewOptOutStore(pool *pgxpool.Pool) *OptOutStore {
	return &OptOutStore{pool: pool}
}

// OptedOut returns the subset of users that opted out of the channel.
func (s *OptOutStore) OptedOut(ctx context.Context, channel string, users []string) (map[string]struct{}, error) {
	if len(users) == 0 {
		return map[string]struct{}{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT username FROM crm_optout WHERE channel = $1 AND username = ANY($2)`,
		channel, users)
	if err != nil {
		return nil, fmt.Errorf("opt-out set for channel %s: %w", channel, err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan opt-out row: %w", err)
		}
		out[u] = struct{}{}
	}
	return out, rows.Err()
}

// IsOptedOut reports whether one user opted out of the channel. The worker
// rechecks this at dispatch time since state may change after enqueue.
func (s *OptOutStore) IsOptedOut(ctx context.Context, username, channel string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM crm_optout WHERE username = $1 AND channel = $2 LIMIT 1`,
		username, channel).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("opt-out probe for %s/%s: %w", username, channel, err)
	}
	return true, nil
}
