package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Campaign lifecycle statuses. Transitions are driven externally except
// scheduled->running (start time elapsed) and running->done (audience
// exhausted), which the planner owns.
const (
	CampaignScheduled = "scheduled"
	CampaignRunning   = "running"
	CampaignDone      = "done"
)

// Message channels.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelPush  = "push"
)

// ErrCampaignNotFound is returned when a campaign id does not exist.
var ErrCampaignNotFound = errors.New("campaign not found")

// Campaign is one marketing campaign definition.
type Campaign struct {
	ID             int64
	Name           string
	Channel        string
	SegmentID      int64
	TemplateID     int64
	Status         string
	StartAt        *time.Time
	EndAt          *time.Time
	FrequencyCap   int // max sends per user in a rolling 7-day window; 0 = unlimited
	SendRatePerMin int
	Settings       CampaignSettings
}

// CampaignSettings is the opaque settings blob carried on a campaign.
// Only promotion assignment settings are recognized here.
type CampaignSettings struct {
	PromotionID int64        `json:"promotion_id,omitempty"`
	AssignPromo bool         `json:"assign_promo,omitempty"`
	PromoGen    PromoGenSpec `json:"promo_gen,omitempty"`
}

// PromoGenSpec configures promotion-code generation for a campaign.
type PromoGenSpec struct {
	Length     int        `json:"length,omitempty"`
	Prefix     string     `json:"prefix,omitempty"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	Note       string     `json:"note,omitempty"`
}

// CampaignStore reads and transitions campaigns.
type CampaignStore struct {
	pool *pgxpool.Pool
}

// NewCampaignStore creates a CampaignStore over the given pool.
func NewCampaignStore(pool *pgxpool.Pool) *CampaignStore {
	return &CampaignStore{pool: pool}
}

const campaignColumns = `id, name, channel, segment_id, template_id, status,
       start_at, end_at, frequency_cap, send_rate_per_min, settings`

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	var settings []byte
	err := row.Scan(
		&c.ID, &c.Name, &c.Channel, &c.SegmentID, &c.TemplateID, &c.Status,
		&c.StartAt, &c.EndAt, &c.FrequencyCap, &c.SendRatePerMin, &settings,
	)
	if err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &c.Settings); err != nil {
			return nil, fmt.Errorf("decode campaign %d settings: %w", c.ID, err)
		}
	}
	return &c, nil
}

// GetByID loads a single campaign.
func (s *CampaignStore) GetByID(ctx context.Context, id int64) (*Campaign, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM crm_campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("get campaign %d: %w", id, err)
	}
	return c, nil
}

// ListPlannable returns all campaigns in scheduled or running state, in
// ascending id order.
func (s *CampaignStore) ListPlannable(ctx context.Context) ([]*Campaign, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+campaignColumns+`
		   FROM crm_campaigns
		  WHERE status IN ($1, $2)
		  ORDER BY id ASC`, CampaignRunning, CampaignScheduled)
	if err != nil {
		return nil, fmt.Errorf("list plannable campaigns: %w", err)
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkRunning transitions a scheduled campaign to running. A no-op when the
// campaign already moved on; returns whether the transition happened.
func (s *CampaignStore) MarkRunning(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE crm_campaigns SET status = $2 WHERE id = $1 AND status = $3`,
		id, CampaignRunning, CampaignScheduled)
	if err != nil {
		return false, fmt.Errorf("mark campaign %d running: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkDone transitions a running campaign to done. Guarded on the current
// status so a stale planner cannot regress a campaign.
func (s *CampaignStore) MarkDone(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE crm_campaigns SET status = $2 WHERE id = $1 AND status = $3`,
		id, CampaignDone, CampaignRunning)
	if err != nil {
		return false, fmt.Errorf("mark campaign %d done: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// RatePerMin returns the campaign's send-rate limit in messages per minute,
// or 0 when the campaign does not exist.
func (s *CampaignStore) RatePerMin(ctx context.Context, id int64) (int, error) {
	var rate int
	err := s.pool.QueryRow(ctx,
		`SELECT send_rate_per_min FROM crm_campaigns WHERE id = $1`, id).Scan(&rate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("campaign %d rate: %w", id, err)
	}
	return rate, nil
}
