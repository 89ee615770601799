package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Outbox entry statuses. An entry is created queued and transitions exactly
// once to one of the three terminal states.
const (
	EntryQueued  = "queued"
	EntrySent    = "sent"
	EntryFailed  = "failed"
	EntrySkipped = "skipped"
)

// maxErrorLen bounds the persisted last_error text.
const maxErrorLen = 800

// Entry is one per-user message job in the durable queue.
type Entry struct {
	ID         int64
	CampaignID int64
	Username   string
	Channel    string
	Address    string // empty for channels resolved at send time (push)
	Payload    Payload
	Status     string
	Attempts   int
	CreatedAt  time.Time
	SentAt     *time.Time
	LastError  string
}

// Payload is the serialized rendering payload carried on an entry. The
// worker substitutes template variables into these fields at send time.
type Payload struct {
	To        string  `json:"to,omitempty"`
	Subject   string  `json:"subject,omitempty"`
	BodyHTML  string  `json:"body_html,omitempty"`
	BodyText  string  `json:"body_text,omitempty"`
	Title     string  `json:"title,omitempty"`
	Body      string  `json:"body,omitempty"`
	PromoCode *string `json:"promo_code,omitempty"`
	RefURL    string  `json:"ref_url,omitempty"`
}

// Normalize fills the subject/title and body variants from one another so
// downstream rendering can rely on every field it reads being populated
// when any variant was.
func (p *Payload) Normalize() {
	if p.Subject == "" {
		p.Subject = p.Title
	}
	if p.Title == "" {
		p.Title = p.Subject
	}
	if p.BodyText == "" {
		p.BodyText = p.Body
	}
	if p.Body == "" {
		if p.BodyHTML != "" {
			p.Body = p.BodyHTML
		} else {
			p.Body = p.BodyText
		}
	}
}

// OutboxStore persists and claims outbox entries.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore creates an OutboxStore over the given pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

// HasUniqueIndex reports whether the (campaign_id, username) unique index
// exists on the outbox. When absent the planner degrades to
// probe-before-insert deduplication.
func (s *OutboxStore) HasUniqueIndex(ctx context.Context) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		    SELECT 1 FROM pg_indexes
		     WHERE schemaname = 'public'
		       AND tablename = 'crm_outbox'
		       AND indexdef ILIKE '%unique%'
		       AND indexdef LIKE '%campaign_id%'
		       AND indexdef LIKE '%username%'
		 )`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("detect outbox unique index: %w", err)
	}
	return exists, nil
}

// InsertIgnore inserts a queued entry, relying on the unique index to
// reject duplicates. Returns false when a (campaign, user) entry already
// existed.
func (s *OutboxStore) InsertIgnore(ctx context.Context, e *Entry) (bool, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}

	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO crm_outbox (campaign_id, username, channel, address, payload, status)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		 ON CONFLICT (campaign_id, username) DO NOTHING
		 RETURNING id`,
		e.CampaignID, e.Username, e.Channel, e.Address, payload, EntryQueued).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil // duplicate rejected by the index
		}
		return false, fmt.Errorf("insert outbox entry: %w", err)
	}
	e.ID = id
	return true, nil
}

// Insert inserts a queued entry without conflict handling. Used together
// with Exists when the unique index is missing; the probe-then-insert gap
// is a known, bounded race.
func (s *OutboxStore) Insert(ctx context.Context, e *Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO crm_outbox (campaign_id, username, channel, address, payload, status)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		 RETURNING id`,
		e.CampaignID, e.Username, e.Channel, e.Address, payload, EntryQueued).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// Exists reports whether any entry exists for the (campaign, user) pair.
func (s *OutboxStore) Exists(ctx context.Context, campaignID int64, username string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM crm_outbox WHERE campaign_id = $1 AND username = $2 LIMIT 1`,
		campaignID, username).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("probe outbox entry: %w", err)
	}
	return true, nil
}

// ClaimNext claims the oldest queued entry for exclusive processing. The
// row lock is held only inside this transaction; rows locked by concurrent
// claimants are skipped, so parallel workers never double-claim. The
// attempt counter increments as part of the claim. Returns nil when the
// queue yields nothing.
func (s *OutboxStore) ClaimNext(ctx context.Context) (*Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	var e Entry
	var address *string
	var payload []byte
	err = tx.QueryRow(ctx,
		`SELECT id, campaign_id, username, channel, address, payload, attempts
		   FROM crm_outbox
		  WHERE status = $1
		  ORDER BY id ASC
		  LIMIT 1
		  FOR UPDATE SKIP LOCKED`, EntryQueued).
		Scan(&e.ID, &e.CampaignID, &e.Username, &e.Channel, &address, &payload, &e.Attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tx.Commit(ctx)
		}
		return nil, fmt.Errorf("select claim: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE crm_outbox SET attempts = attempts + 1 WHERE id = $1`, e.ID); err != nil {
		return nil, fmt.Errorf("increment attempts for entry %d: %w", e.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	e.Attempts++
	e.Status = EntryQueued
	if address != nil {
		e.Address = *address
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			// A malformed payload must still reach a terminal state;
			// surface it to the caller with the entry identity intact.
			return &e, fmt.Errorf("decode payload for entry %d: %w", e.ID, err)
		}
	}
	return &e, nil
}

// MarkSent records a successful delivery.
func (s *OutboxStore) MarkSent(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE crm_outbox SET status = $2, sent_at = NOW(), last_error = NULL WHERE id = $1`,
		id, EntrySent)
	if err != nil {
		return fmt.Errorf("mark entry %d sent: %w", id, err)
	}
	return nil
}

// MarkFailed records a delivery failure with a truncated error description.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, errText string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE crm_outbox SET status = $2, last_error = $3 WHERE id = $1`,
		id, EntryFailed, truncate(errText, maxErrorLen))
	if err != nil {
		return fmt.Errorf("mark entry %d failed: %w", id, err)
	}
	return nil
}

// MarkSkipped records an eligibility skip with its reason.
func (s *OutboxStore) MarkSkipped(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE crm_outbox SET status = $2, last_error = $3 WHERE id = $1`,
		id, EntrySkipped, truncate(reason, maxErrorLen))
	if err != nil {
		return fmt.Errorf("mark entry %d skipped: %w", id, err)
	}
	return nil
}

// Counts returns the total and still-queued entry counts for a campaign.
func (s *OutboxStore) Counts(ctx context.Context, campaignID int64) (total, queued int64, err error) {
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE status = $2)
		   FROM crm_outbox WHERE campaign_id = $1`,
		campaignID, EntryQueued).Scan(&total, &queued)
	if err != nil {
		return 0, 0, fmt.Errorf("count outbox for campaign %d: %w", campaignID, err)
	}
	return total, queued, nil
}

// FrequencyCounts returns each user's entry count for a campaign inside the
// trailing window. Users with no entries are absent from the map.
func (s *OutboxStore) FrequencyCounts(ctx context.Context, campaignID int64, users []string, windowDays int) (map[string]int, error) {
	if len(users) == 0 {
		return map[string]int{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT username, COUNT(*)
		   FROM crm_outbox
		  WHERE campaign_id = $1
		    AND username = ANY($2)
		    AND created_at >= NOW() - make_interval(days => $3)
		  GROUP BY username`,
		campaignID, users, windowDays)
	if err != nil {
		return nil, fmt.Errorf("frequency counts for campaign %d: %w", campaignID, err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var u string
		var n int
		if err := rows.Scan(&u, &n); err != nil {
			return nil, fmt.Errorf("scan frequency count: %w", err)
		}
		out[u] = n
	}
	return out, rows.Err()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary so truncated UTF-8 error text stays valid.
	cut := s[:n]
	for len(cut) > 0 {
		r, size := utf8.DecodeLastRuneInString(cut)
		if r != utf8.RuneError || size != 1 {
			break
		}
		cut = cut[:len(cut)-1]
	}
	return cut
}
