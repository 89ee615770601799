// Package worker implements the dispatch side of the outbox: a sequential
// claim/process/commit loop that is safe to run in parallel across
// processes because exclusivity comes from the row-level claim, not from
// anything in this package.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/crm-dispatch/internal/metrics"
	"github.com/sungwon/crm-dispatch/internal/sender"
	"github.com/sungwon/crm-dispatch/internal/storage"
	"github.com/sungwon/crm-dispatch/internal/template"
)

// Skip reasons recorded on outbox entries.
const (
	SkipOptOut    = "optout"
	SkipWhitelist = "whitelist"
	SkipNoAddr    = "noaddr"
)

// maxPushTokens bounds the device fan-out for one push entry.
const maxPushTokens = 10

// Queue is the outbox surface the dispatcher consumes.
type Queue interface {
	ClaimNext(ctx context.Context) (*storage.Entry, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errText string) error
	MarkSkipped(ctx context.Context, id int64, reason string) error
}

// OptOuts re-checks suppression at send time.
type OptOuts interface {
	IsOptedOut(ctx context.Context, username, channel string) (bool, error)
}

// Devices resolves push tokens at send time.
type Devices interface {
	ListPushTokens(ctx context.Context, username string, limit int) ([]string, error)
}

// Rates looks up a campaign's send-rate limit.
type Rates interface {
	RatePerMin(ctx context.Context, id int64) (int, error)
}

// Dispatcher drains the outbox one entry at a time.
type Dispatcher struct {
	queue   Queue
	optouts OptOuts
	devices Devices
	rates   Rates

	email     sender.EmailSender
	sms       sender.SMSSender
	push      sender.PushSender
	allowlist sender.Allowlist
	links     sender.LinkBuilder
	profile   sender.ProfileLookup

	gate        *RateGate
	emailFrom   string
	defaultRate int
	log         zerolog.Logger

	// rate limits rarely change mid-run; cache per campaign for the
	// lifetime of one Run invocation.
	rateCache map[int64]int
}

// Config wires a Dispatcher.
type Config struct {
	Queue     Queue
	OptOuts   OptOuts
	Devices   Devices
	Rates     Rates
	Email     sender.EmailSender
	SMS       sender.SMSSender
	Push      sender.PushSender
	Allowlist sender.Allowlist
	Links     sender.LinkBuilder
	Profile   sender.ProfileLookup
	EmailFrom string
	// DefaultRatePerMin applies to campaigns without a send-rate limit.
	// Zero means such campaigns dispatch unthrottled.
	DefaultRatePerMin int
	Logger            zerolog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	return &Dispatcher{
		queue:       cfg.Queue,
		optouts:     cfg.OptOuts,
		devices:     cfg.Devices,
		rates:       cfg.Rates,
		email:       cfg.Email,
		sms:         cfg.SMS,
		push:        cfg.Push,
		allowlist:   cfg.Allowlist,
		links:       cfg.Links,
		profile:     cfg.Profile,
		gate:        NewRateGate(),
		emailFrom:   cfg.EmailFrom,
		defaultRate: cfg.DefaultRatePerMin,
		log:         cfg.Logger,
		rateCache:   make(map[int64]int),
	}
}

// Run drains the queue until it yields nothing, returning how many entries
// reached a terminal state. Entry-level faults are recorded on the entry
// and never stop the loop; only claim or terminal-write failures abort.
func (d *Dispatcher) Run(ctx context.Context) (int, error) {
	processed := 0
	for {
		e, err := d.queue.ClaimNext(ctx)
		if e == nil {
			if err != nil {
				return processed, fmt.Errorf("claim next entry: %w", err)
			}
			return processed, nil
		}
		if err != nil {
			// Claimed but unusable (for example a malformed payload); it
			// must still reach a terminal state.
			if mErr := d.queue.MarkFailed(ctx, e.ID, err.Error()); mErr != nil {
				return processed, fmt.Errorf("mark entry %d failed: %w", e.ID, mErr)
			}
			metrics.DispatchOutcomes.WithLabelValues(e.Channel, storage.EntryFailed).Inc()
			processed++
			continue
		}

		start := time.Now()
		status, detail := d.process(ctx, e)
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())

		var wErr error
		switch status {
		case storage.EntrySent:
			wErr = d.queue.MarkSent(ctx, e.ID)
		case storage.EntrySkipped:
			wErr = d.queue.MarkSkipped(ctx, e.ID, detail)
		default:
			wErr = d.queue.MarkFailed(ctx, e.ID, detail)
		}
		if wErr != nil {
			return processed, fmt.Errorf("record outcome for entry %d: %w", e.ID, wErr)
		}

		metrics.DispatchOutcomes.WithLabelValues(e.Channel, status).Inc()
		evt := d.log.Info()
		if status == storage.EntryFailed {
			evt = d.log.Warn()
		}
		evt.Int64("entry_id", e.ID).
			Int64("campaign_id", e.CampaignID).
			Str("user", e.Username).
			Str("channel", e.Channel).
			Str("status", status).
			Str("detail", detail).
			Msg("Outbox entry dispatched")
		processed++
	}
}

// process takes one claimed entry to a terminal decision. It never returns
// the queued status; any fault, including a panic from a collaborator,
// resolves to failed.
func (d *Dispatcher) process(ctx context.Context, e *storage.Entry) (status, detail string) {
	defer func() {
		if r := recover(); r != nil {
			status = storage.EntryFailed
			detail = fmt.Sprintf("panic: %v", r)
			d.log.Error().Int64("entry_id", e.ID).Str("detail", detail).Msg("Recovered entry-processing panic")
		}
	}()

	if err := d.gate.Wait(ctx, e.CampaignID, d.ratePerMin(ctx, e.CampaignID)); err != nil {
		return storage.EntryFailed, fmt.Sprintf("throttle interrupted: %v", err)
	}

	// Suppression may have changed since enqueue.
	opted, err := d.optouts.IsOptedOut(ctx, e.Username, e.Channel)
	if err != nil {
		return storage.EntryFailed, fmt.Sprintf("opt-out recheck: %v", err)
	}
	if opted {
		return storage.EntrySkipped, SkipOptOut
	}

	e.Payload.Normalize()
	vars := d.resolveVars(ctx, e)

	switch e.Channel {
	case storage.ChannelEmail:
		return d.sendEmail(ctx, e, vars)
	case storage.ChannelSMS:
		return d.sendSMS(ctx, e, vars)
	case storage.ChannelPush:
		return d.sendPush(ctx, e, vars)
	default:
		return storage.EntryFailed, fmt.Sprintf("unknown channel %q", e.Channel)
	}
}

// resolveVars binds template variables for one recipient. External lookups
// run only when the payload content actually references their placeholder.
func (d *Dispatcher) resolveVars(ctx context.Context, e *storage.Entry) template.Vars {
	p := &e.Payload
	texts := []string{p.Subject, p.BodyHTML, p.BodyText, p.Title, p.Body}

	vars := template.Vars{
		Username:       e.Username,
		UnsubscribeURL: d.links.UnsubscribeURL(e.Username, e.Channel),
	}
	if p.PromoCode != nil {
		vars.PromoCode = *p.PromoCode
	}

	if template.References(template.VarDisplayName, texts...) {
		vars.DisplayName = d.profile.DisplayName(ctx, e.Username)
		if vars.DisplayName == "" {
			vars.DisplayName = e.Username
		}
	}

	if template.References(template.VarRefURL, texts...) {
		vars.RefURL = p.RefURL
		if vars.RefURL == "" {
			url, err := d.links.ReferralURL(ctx, e.Username, e.Channel)
			if err != nil {
				d.log.Warn().Err(err).Int64("entry_id", e.ID).Str("user", e.Username).
					Msg("Referral link unavailable, sending without it")
			}
			vars.RefURL = url
		}
	}

	return vars
}

func (d *Dispatcher) sendEmail(ctx context.Context, e *storage.Entry, vars template.Vars) (string, string) {
	to := e.Address
	if to == "" {
		to = e.Payload.To
	}
	if to == "" {
		return storage.EntrySkipped, SkipNoAddr
	}
	if !d.allowlist.IsAllowlisted(to) {
		return storage.EntrySkipped, SkipWhitelist
	}

	addrSource := "entry"
	if e.Address == "" {
		addrSource = "payload"
	}

	subject := template.CleanSubject(template.Render(e.Payload.Subject, vars))
	html := template.Render(e.Payload.BodyHTML, vars)
	text := template.Render(e.Payload.BodyText, vars)

	res, err := d.email.SendEmail(ctx, to, subject, html, text, d.emailFrom)
	status, detail := d.classify(storage.ChannelEmail, res, err)

	// Delivery audit line with the resolved recipient; the generic
	// per-entry log carries no address.
	d.log.Info().
		Int64("entry_id", e.ID).
		Int64("campaign_id", e.CampaignID).
		Str("user", e.Username).
		Str("to", to).
		Str("addr_source", addrSource).
		Str("subject", subject).
		Str("status", status).
		Msg("Email delivery attempted")

	return status, detail
}

func (d *Dispatcher) sendSMS(ctx context.Context, e *storage.Entry, vars template.Vars) (string, string) {
	to := e.Address
	if to == "" {
		to = e.Payload.To
	}
	if to == "" {
		return storage.EntrySkipped, SkipNoAddr
	}

	text := template.Render(e.Payload.BodyText, vars)

	res, err := d.sms.SendSMS(ctx, to, text)
	return d.classify(storage.ChannelSMS, res, err)
}

func (d *Dispatcher) sendPush(ctx context.Context, e *storage.Entry, vars template.Vars) (string, string) {
	tokens, err := d.devices.ListPushTokens(ctx, e.Username, maxPushTokens)
	if err != nil {
		return storage.EntryFailed, fmt.Sprintf("list push tokens: %v", err)
	}
	if len(tokens) == 0 {
		// Tokens were present at enqueue time; their disappearance is a
		// delivery failure, not an eligibility skip.
		return storage.EntryFailed, "no registered push tokens"
	}

	title := template.Render(e.Payload.Title, vars)
	body := template.Render(e.Payload.Body, vars)
	metadata := map[string]string{
		"campaign_id": fmt.Sprintf("%d", e.CampaignID),
	}

	res, err := d.push.SendPush(ctx, tokens, title, body, metadata)
	return d.classify(storage.ChannelPush, res, err)
}

// classify folds a provider response into a terminal status.
func (d *Dispatcher) classify(channel string, res *sender.SendResult, err error) (string, string) {
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(channel, "error").Inc()
		return storage.EntryFailed, err.Error()
	}
	if !res.OK {
		metrics.ProviderRequests.WithLabelValues(channel, "rejected").Inc()
		detail := res.ErrorText
		if detail == "" {
			detail = fmt.Sprintf("provider returned HTTP %d", res.HTTPStatus)
		}
		return storage.EntryFailed, detail
	}
	metrics.ProviderRequests.WithLabelValues(channel, "ok").Inc()
	return storage.EntrySent, ""
}

func (d *Dispatcher) ratePerMin(ctx context.Context, campaignID int64) int {
	if rate, ok := d.rateCache[campaignID]; ok {
		return rate
	}
	rate, err := d.rates.RatePerMin(ctx, campaignID)
	if err != nil {
		d.log.Warn().Err(err).Int64("campaign_id", campaignID).Msg("Rate lookup failed, sending unthrottled")
		rate = 0
	} else if rate == 0 {
		rate = d.defaultRate
	}
	d.rateCache[campaignID] = rate
	return rate
}
