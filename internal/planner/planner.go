// Package planner expands campaigns into outbox entries: it computes the
// eligible audience, applies suppression and frequency capping, resolves
// channel addresses, attaches promotion codes when content needs them, and
// inserts entries idempotently.
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/crm-dispatch/internal/metrics"
	"github.com/sungwon/crm-dispatch/internal/promo"
	"github.com/sungwon/crm-dispatch/internal/storage"
	"github.com/sungwon/crm-dispatch/internal/template"
)

// frequencyWindowDays is the rolling window for per-user frequency caps.
const frequencyWindowDays = 7

// Campaigns is the campaign surface the planner consumes.
type Campaigns interface {
	GetByID(ctx context.Context, id int64) (*storage.Campaign, error)
	ListPlannable(ctx context.Context) ([]*storage.Campaign, error)
	MarkRunning(ctx context.Context, id int64) (bool, error)
	MarkDone(ctx context.Context, id int64) (bool, error)
}

// Templates loads message templates.
type Templates interface {
	GetByID(ctx context.Context, id int64) (*storage.Template, error)
}

// Segments reads the audience snapshot.
type Segments interface {
	Members(ctx context.Context, segmentID int64) ([]string, error)
	Contacts(ctx context.Context, segmentID int64, users []string) (map[string]storage.Contact, error)
}

// OptOuts resolves the suppressed subset of a user batch.
type OptOuts interface {
	OptedOut(ctx context.Context, channel string, users []string) (map[string]struct{}, error)
}

// Devices answers push-token existence at enqueue time.
type Devices interface {
	HasPushToken(ctx context.Context, username string) (bool, error)
}

// Outbox is the durable-queue surface the planner writes.
type Outbox interface {
	HasUniqueIndex(ctx context.Context) (bool, error)
	InsertIgnore(ctx context.Context, e *storage.Entry) (bool, error)
	Insert(ctx context.Context, e *storage.Entry) error
	Exists(ctx context.Context, campaignID int64, username string) (bool, error)
	Counts(ctx context.Context, campaignID int64) (total, queued int64, err error)
	FrequencyCounts(ctx context.Context, campaignID int64, users []string, windowDays int) (map[string]int, error)
}

// Allocator issues promotion codes during fan-out.
type Allocator interface {
	Allocate(ctx context.Context, promotionID int64, username string, gen promo.GenConfig, audienceSize int) (*promo.Result, error)
}

// Summary carries the per-run fan-out counters. Promotion outcomes are
// counted individually: a redeemed user is a different condition from a
// failed allocation, and reusing an existing code is not issuing one.
type Summary struct {
	Campaigns    int
	Enqueued     int
	Duplicates   int
	SkipOptOut   int
	SkipCap      int
	SkipNoAddr   int
	SkipRedeemed int // user already consumed a code for the promotion
	PromoFail    int // allocation failed (inactive promotion, create_failed)
	PromoNew     int // codes issued this run
	PromoHave    int // existing codes reused
	PromoNone    int // content wants a code but assignment is unconfigured
	PromoDry     int // allocations suppressed by dry-run
	AddrFound    int
	AddrMissing  int
	Completed    int // campaigns auto-transitioned to done
}

func (s *Summary) add(o Summary) {
	s.Campaigns += o.Campaigns
	s.Enqueued += o.Enqueued
	s.Duplicates += o.Duplicates
	s.SkipOptOut += o.SkipOptOut
	s.SkipCap += o.SkipCap
	s.SkipNoAddr += o.SkipNoAddr
	s.SkipRedeemed += o.SkipRedeemed
	s.PromoFail += o.PromoFail
	s.PromoNew += o.PromoNew
	s.PromoHave += o.PromoHave
	s.PromoNone += o.PromoNone
	s.PromoDry += o.PromoDry
	s.AddrFound += o.AddrFound
	s.AddrMissing += o.AddrMissing
	s.Completed += o.Completed
}

// Planner runs campaign fan-out.
type Planner struct {
	campaigns Campaigns
	templates Templates
	segments  Segments
	optouts   OptOuts
	devices   Devices
	outbox    Outbox
	allocator Allocator

	batchSize int
	dryRun    bool
	log       zerolog.Logger

	now func() time.Time
}

// Config wires a Planner. DryRun computes full eligibility but suppresses
// every write, including allocator invocations and status transitions.
type Config struct {
	Campaigns Campaigns
	Templates Templates
	Segments  Segments
	OptOuts   OptOuts
	Devices   Devices
	Outbox    Outbox
	Allocator Allocator
	BatchSize int
	DryRun    bool
	Logger    zerolog.Logger
}

// New creates a Planner.
func New(cfg Config) *Planner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Planner{
		campaigns: cfg.Campaigns,
		templates: cfg.Templates,
		segments:  cfg.Segments,
		optouts:   cfg.OptOuts,
		devices:   cfg.Devices,
		outbox:    cfg.Outbox,
		allocator: cfg.Allocator,
		batchSize: cfg.BatchSize,
		dryRun:    cfg.DryRun,
		log:       cfg.Logger,
	}
}

// Run plans either the single forced campaign or every scheduled/running
// campaign in ascending id order. A per-campaign fault skips that campaign
// and continues; only listing faults abort the run.
func (p *Planner) Run(ctx context.Context, forcedCampaignID int64) (*Summary, error) {
	var campaigns []*storage.Campaign
	if forcedCampaignID > 0 {
		c, err := p.campaigns.GetByID(ctx, forcedCampaignID)
		if err != nil {
			return nil, fmt.Errorf("load forced campaign %d: %w", forcedCampaignID, err)
		}
		campaigns = []*storage.Campaign{c}
	} else {
		var err error
		campaigns, err = p.campaigns.ListPlannable(ctx)
		if err != nil {
			return nil, fmt.Errorf("list campaigns: %w", err)
		}
	}

	total := &Summary{}
	for _, c := range campaigns {
		s, err := p.PlanCampaign(ctx, c)
		if err != nil {
			metrics.PlannerRuns.WithLabelValues("error").Inc()
			p.log.Error().Err(err).Int64("campaign_id", c.ID).Msg("Campaign planning failed")
			continue
		}
		metrics.PlannerRuns.WithLabelValues("ok").Inc()
		total.add(*s)
	}
	return total, nil
}

// PlanCampaign fans out one campaign.
func (p *Planner) PlanCampaign(ctx context.Context, c *storage.Campaign) (*Summary, error) {
	s := &Summary{}
	now := p.timeNow()

	switch c.Status {
	case storage.CampaignScheduled:
		if c.StartAt != nil && c.StartAt.After(now) {
			p.log.Debug().Int64("campaign_id", c.ID).Time("start_at", *c.StartAt).
				Msg("Campaign not started yet")
			return s, nil
		}
		if !p.dryRun {
			if _, err := p.campaigns.MarkRunning(ctx, c.ID); err != nil {
				return nil, err
			}
		}
	case storage.CampaignRunning:
		// proceed
	default:
		p.log.Debug().Int64("campaign_id", c.ID).Str("status", c.Status).
			Msg("Campaign not plannable")
		return s, nil
	}
	s.Campaigns = 1

	if c.SegmentID <= 0 {
		p.log.Warn().Int64("campaign_id", c.ID).Msg("Campaign has no segment, skipping")
		return s, nil
	}
	tmpl, err := p.templates.GetByID(ctx, c.TemplateID)
	if err != nil {
		p.log.Warn().Err(err).Int64("campaign_id", c.ID).Int64("template_id", c.TemplateID).
			Msg("Campaign template unresolvable, skipping")
		return s, nil
	}
	if unknown := template.UnknownPlaceholders(tmpl.Subject, tmpl.BodyHTML, tmpl.BodyText); len(unknown) > 0 {
		p.log.Warn().Int64("campaign_id", c.ID).Strs("placeholders", unknown).
			Msg("Template contains unrecognized placeholders, they will pass through unsubstituted")
	}

	needsPromo := template.References(template.VarPromoCode, tmpl.Subject, tmpl.BodyHTML, tmpl.BodyText)

	audience, err := p.segments.Members(ctx, c.SegmentID)
	if err != nil {
		return nil, err
	}
	if len(audience) == 0 {
		return s, p.handleEmptyAudience(ctx, c, s)
	}

	hasUnique, err := p.outbox.HasUniqueIndex(ctx)
	if err != nil {
		return nil, err
	}
	if !hasUnique {
		p.log.Warn().Msg("Outbox unique index missing, degrading to probe-before-insert deduplication")
	}

	for start := 0; start < len(audience); start += p.batchSize {
		end := start + p.batchSize
		if end > len(audience) {
			end = len(audience)
		}
		if err := p.planBatch(ctx, c, tmpl, audience[start:end], len(audience), needsPromo, hasUnique, s); err != nil {
			return nil, err
		}
	}

	if err := p.checkCompletion(ctx, c, now, s); err != nil {
		return nil, err
	}

	p.log.Info().
		Int64("campaign_id", c.ID).
		Str("channel", c.Channel).
		Int("users_total", len(audience)).
		Int("enqueued", s.Enqueued).
		Int("skip_dup", s.Duplicates).
		Int("skip_optout", s.SkipOptOut).
		Int("skip_cap", s.SkipCap).
		Int("skip_noaddr", s.SkipNoAddr).
		Int("skip_redeemed", s.SkipRedeemed).
		Int("addr_found", s.AddrFound).
		Int("addr_missing", s.AddrMissing).
		Int("promo_new", s.PromoNew).
		Int("promo_have", s.PromoHave).
		Int("promo_fail", s.PromoFail).
		Int("promo_none", s.PromoNone).
		Int("promo_dry", s.PromoDry).
		Bool("dry_run", p.dryRun).
		Msg("Campaign fan-out complete")
	return s, nil
}

// planBatch applies eligibility filters and inserts entries for one slice
// of the audience.
func (p *Planner) planBatch(ctx context.Context, c *storage.Campaign, tmpl *storage.Template, batch []string, audienceSize int, needsPromo, hasUnique bool, s *Summary) error {
	optedOut, err := p.optouts.OptedOut(ctx, c.Channel, batch)
	if err != nil {
		return err
	}

	var freq map[string]int
	if c.FrequencyCap > 0 {
		freq, err = p.outbox.FrequencyCounts(ctx, c.ID, batch, frequencyWindowDays)
		if err != nil {
			return err
		}
	}

	contacts, err := p.segments.Contacts(ctx, c.SegmentID, batch)
	if err != nil {
		return err
	}

	for _, user := range batch {
		if _, out := optedOut[user]; out {
			s.SkipOptOut++
			metrics.PlannerSkips.WithLabelValues("optout").Inc()
			continue
		}
		if c.FrequencyCap > 0 && freq[user] >= c.FrequencyCap {
			s.SkipCap++
			metrics.PlannerSkips.WithLabelValues("cap").Inc()
			continue
		}

		address, ok, err := p.resolveAddress(ctx, c.Channel, user, contacts)
		if err != nil {
			return err
		}
		if !ok {
			s.AddrMissing++
			s.SkipNoAddr++
			metrics.PlannerSkips.WithLabelValues("noaddr").Inc()
			continue
		}
		s.AddrFound++

		var code *string
		if needsPromo {
			if !c.Settings.AssignPromo || c.Settings.PromotionID <= 0 {
				// The placeholder renders blank; never blocks the send.
				s.PromoNone++
			} else if p.dryRun {
				s.PromoDry++
			} else {
				allocated, skip, err := p.allocateCode(ctx, c, user, audienceSize, s)
				if err != nil {
					return err
				}
				if skip {
					continue
				}
				code = &allocated
			}
		}

		entry := &storage.Entry{
			CampaignID: c.ID,
			Username:   user,
			Channel:    c.Channel,
			Address:    address,
			Payload: storage.Payload{
				To:        address,
				Subject:   tmpl.Subject,
				BodyHTML:  tmpl.BodyHTML,
				BodyText:  tmpl.BodyText,
				PromoCode: code,
			},
		}

		if p.dryRun {
			s.Enqueued++
			p.log.Debug().Int64("campaign_id", c.ID).Str("user", user).
				Msg("Dry run, entry not written")
			continue
		}

		inserted, err := p.insertEntry(ctx, entry, hasUnique)
		if err != nil {
			return err
		}
		if inserted {
			s.Enqueued++
			metrics.EntriesEnqueued.Inc()
		} else {
			s.Duplicates++
		}
	}
	return nil
}

// resolveAddress returns the persisted address for the channel, or
// ok=false when the user is unreachable. Push resolves only to a token
// existence flag; token values are looked up at send time.
func (p *Planner) resolveAddress(ctx context.Context, channel, user string, contacts map[string]storage.Contact) (string, bool, error) {
	switch channel {
	case storage.ChannelEmail:
		addr := contacts[user].Email
		return addr, addr != "", nil
	case storage.ChannelSMS:
		addr := contacts[user].SMS
		return addr, addr != "", nil
	case storage.ChannelPush:
		has, err := p.devices.HasPushToken(ctx, user)
		if err != nil {
			return "", false, err
		}
		return "", has, nil
	default:
		return "", false, nil
	}
}

// allocateCode invokes the promotion allocator for one user and records
// the outcome on the summary. Allocation failures are eligibility skips,
// not planning faults; skip=true means no entry is created for the user
// this run. A redeemed user and a failed allocation are counted apart.
func (p *Planner) allocateCode(ctx context.Context, c *storage.Campaign, user string, audienceSize int, s *Summary) (code string, skip bool, err error) {
	gen := promo.GenConfig{
		Length:     c.Settings.PromoGen.Length,
		Prefix:     c.Settings.PromoGen.Prefix,
		ValidFrom:  c.Settings.PromoGen.ValidFrom,
		ValidUntil: c.Settings.PromoGen.ValidUntil,
		Note:       c.Settings.PromoGen.Note,
	}
	res, allocErr := p.allocator.Allocate(ctx, c.Settings.PromotionID, user, gen, audienceSize)
	if allocErr != nil {
		reason := promo.FailureReason(allocErr)
		if reason == "" {
			return "", false, allocErr
		}
		if reason == promo.ReasonRedeemed {
			s.SkipRedeemed++
		} else {
			s.PromoFail++
		}
		metrics.PromoAllocations.WithLabelValues(reason).Inc()
		p.log.Info().
			Int64("campaign_id", c.ID).
			Int64("promotion_id", c.Settings.PromotionID).
			Str("user", user).
			Str("reason", reason).
			Msg("Promotion allocation skipped user")
		return "", true, nil
	}

	if res.IsNew {
		s.PromoNew++
		metrics.PromoAllocations.WithLabelValues("issued").Inc()
	} else {
		s.PromoHave++
		metrics.PromoAllocations.WithLabelValues("reused").Inc()
	}
	return res.Code, false, nil
}

func (p *Planner) insertEntry(ctx context.Context, e *storage.Entry, hasUnique bool) (bool, error) {
	if hasUnique {
		return p.outbox.InsertIgnore(ctx, e)
	}
	exists, err := p.outbox.Exists(ctx, e.CampaignID, e.Username)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := p.outbox.Insert(ctx, e); err != nil {
		return false, err
	}
	return true, nil
}

// handleEmptyAudience applies the auto-completion rule: an empty audience
// on a campaign whose queue is populated and fully drained marks it done.
// A never-populated campaign is left alone.
func (p *Planner) handleEmptyAudience(ctx context.Context, c *storage.Campaign, s *Summary) error {
	total, queued, err := p.outbox.Counts(ctx, c.ID)
	if err != nil {
		return err
	}
	if total > 0 && queued == 0 {
		return p.markDone(ctx, c, s, "audience empty, queue drained")
	}
	p.log.Info().Int64("campaign_id", c.ID).Int64("total", total).Int64("queued", queued).
		Msg("Campaign audience empty, no completion")
	return nil
}

// checkCompletion re-derives exhaustion after fan-out.
func (p *Planner) checkCompletion(ctx context.Context, c *storage.Campaign, now time.Time, s *Summary) error {
	total, queued, err := p.outbox.Counts(ctx, c.ID)
	if err != nil {
		return err
	}
	if queued > 0 {
		return nil
	}
	drained := total > 0
	expired := c.EndAt != nil && c.EndAt.Before(now)
	if drained || expired {
		return p.markDone(ctx, c, s, "campaign exhausted")
	}
	return nil
}

func (p *Planner) markDone(ctx context.Context, c *storage.Campaign, s *Summary, why string) error {
	if p.dryRun {
		p.log.Info().Int64("campaign_id", c.ID).Str("why", why).Msg("Dry run, done transition suppressed")
		return nil
	}
	moved, err := p.campaigns.MarkDone(ctx, c.ID)
	if err != nil {
		return err
	}
	if moved {
		s.Completed++
		p.log.Info().Int64("campaign_id", c.ID).Str("why", why).Msg("Campaign marked done")
	}
	return nil
}

func (p *Planner) timeNow() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}
