package worker

import (
	"context"
	"time"
)

// RateGate enforces a per-campaign minimum interval between sends. State is
// process-local: running several workers multiplies the effective rate, so
// the configured rate should account for the fleet size.
type RateGate struct {
	lastSend map[int64]time.Time

	// Overridable in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateGate creates an empty gate.
func NewRateGate() *RateGate {
	return &RateGate{
		lastSend: make(map[int64]time.Time),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Wait blocks until the campaign's next send slot. ratePerMin <= 0 means
// unthrottled. Returns early with the context error when ctx is done.
func (g *RateGate) Wait(ctx context.Context, campaignID int64, ratePerMin int) error {
	if ratePerMin <= 0 {
		return nil
	}
	interval := time.Minute / time.Duration(ratePerMin)

	last, ok := g.lastSend[campaignID]
	if ok {
		if wait := interval - g.now().Sub(last); wait > 0 {
			if err := g.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	g.lastSend[campaignID] = g.now()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
