package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sungwon/crm-dispatch/internal/config"
	"github.com/sungwon/crm-dispatch/internal/logger"
	"github.com/sungwon/crm-dispatch/internal/metrics"
	"github.com/sungwon/crm-dispatch/internal/promo"
	"github.com/sungwon/crm-dispatch/internal/storage"
)

// redeem-sync back-fills the promotion-usage ledger from redeemed codes so
// the planner never reissues a code to a user who already consumed one.
// Intended to run from cron shortly before each planner invocation.
func main() {
	configPath := flag.String("config", "config", "config directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level).With().
		Str("component", "redeem-sync").
		Str("run_id", logger.NewRunID()).
		Logger()

	ctx := context.Background()
	db, err := storage.NewDB(ctx, storage.PoolConfig{
		URL:               cfg.Database.URL,
		MinConns:          cfg.Database.PoolMin,
		MaxConns:          cfg.Database.PoolMax,
		ConnectTimeout:    cfg.Database.ConnectTimeout,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:   cfg.Database.MaxConnIdleTime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	synced, err := promo.SyncRedemptions(ctx, db.Pool)
	if err != nil {
		log.Fatal().Err(err).Msg("redemption sync failed")
	}
	metrics.RedemptionsSynced.Add(float64(synced))

	log.Info().Int64("synced", synced).Msg("redemption sync finished")
}
