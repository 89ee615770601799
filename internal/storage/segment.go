package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// defaultCountryCode is prepended to bare 9-digit local numbers.
const defaultCountryCode = "351"

// Contact carries the channel addresses known for one user in a segment
// snapshot. SMS is a normalized digits-only MSISDN.
type Contact struct {
	Email string
	SMS   string
}

// SegmentStore reads the materialized segment-membership snapshot.
type SegmentStore struct {
	pool *pgxpool.Pool
}

// NewSegmentStore creates a SegmentStore over the given pool.
func NewSegmentStore(pool *pgxpool.Pool) *SegmentStore {
	return &SegmentStore{pool: pool}
}

// Members returns the distinct user identifiers in a segment.
func (s *SegmentStore) Members(ctx context.Context, segmentID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT username FROM crm_segment_members WHERE segment_id = $1 ORDER BY username`,
		segmentID)
	if err != nil {
		return nil, fmt.Errorf("segment %d members: %w", segmentID, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan segment member: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Contacts returns the most recent snapshot contact data for the given
// users of a segment. Users absent from the snapshot are absent from the
// result map.
func (s *SegmentStore) Contacts(ctx context.Context, segmentID int64, users []string) (map[string]Contact, error) {
	if len(users) == 0 {
		return map[string]Contact{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (username)
		        username,
		        COALESCE(email, ''),
		        COALESCE(phone_cc, ''),
		        COALESCE(phone, '')
		   FROM crm_segment_members
		  WHERE segment_id = $1
		    AND username = ANY($2)
		  ORDER BY username, snapshot_at DESC`,
		segmentID, users)
	if err != nil {
		return nil, fmt.Errorf("segment %d contacts: %w", segmentID, err)
	}
	defer rows.Close()

	out := make(map[string]Contact, len(users))
	for rows.Next() {
		var username, email, cc, phone string
		if err := rows.Scan(&username, &email, &cc, &phone); err != nil {
			return nil, fmt.Errorf("scan segment contact: %w", err)
		}
		out[username] = Contact{
			Email: email,
			SMS:   NormalizeMSISDN(cc, phone),
		}
	}
	return out, rows.Err()
}

// NormalizeMSISDN builds a digits-only MSISDN from a country code and a
// phone number. The country code is prepended unless the number already
// starts with it. Bare 9-digit local numbers starting with 9 or 2 get the
// default country code. An empty phone yields an empty address.
func NormalizeMSISDN(cc, phone string) string {
	cc = digitsOnly(cc)
	ph := digitsOnly(phone)
	if ph == "" {
		return ""
	}
	if cc != "" {
		if strings.HasPrefix(ph, cc) {
			return ph
		}
		return cc + ph
	}
	if len(ph) == 9 && (ph[0] == '9' || ph[0] == '2') {
		return defaultCountryCode + ph
	}
	return ph
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
