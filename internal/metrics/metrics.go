// Package metrics exposes Prometheus instrumentation for the planner and
// dispatch worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntriesEnqueued counts outbox entries created by the planner.
	EntriesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crm_dispatch_entries_enqueued_total",
		Help: "Outbox entries created by the fan-out planner",
	})

	// PlannerSkips counts audience members skipped during fan-out, by reason.
	PlannerSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_dispatch_planner_skips_total",
		Help: "Audience members skipped during fan-out",
	}, []string{"reason"})

	// PlannerRuns counts planner executions by outcome.
	PlannerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_dispatch_planner_runs_total",
		Help: "Planner executions",
	}, []string{"outcome"})

	// PromoAllocations counts promotion-code allocation attempts by outcome.
	PromoAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_dispatch_promo_allocations_total",
		Help: "Promotion code allocation attempts",
	}, []string{"outcome"})

	// DispatchOutcomes counts processed outbox entries by channel and
	// terminal status.
	DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_dispatch_worker_entries_total",
		Help: "Outbox entries processed by the dispatch worker",
	}, []string{"channel", "status"})

	// DispatchDuration observes per-entry processing time.
	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crm_dispatch_worker_entry_seconds",
		Help:    "Time spent processing one outbox entry",
		Buckets: prometheus.DefBuckets,
	})

	// ProviderRequests counts outbound provider calls by channel and result.
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_dispatch_provider_requests_total",
		Help: "Delivery provider API calls",
	}, []string{"channel", "result"})

	// RedemptionsSynced counts promotion redemptions copied into the usage
	// ledger by the sync job.
	RedemptionsSynced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crm_dispatch_redemptions_synced_total",
		Help: "Promotion redemptions copied into the usage ledger",
	})
)
