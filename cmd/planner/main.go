package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sungwon/crm-dispatch/internal/config"
	"github.com/sungwon/crm-dispatch/internal/logger"
	"github.com/sungwon/crm-dispatch/internal/ops"
	"github.com/sungwon/crm-dispatch/internal/planner"
	"github.com/sungwon/crm-dispatch/internal/promo"
	"github.com/sungwon/crm-dispatch/internal/storage"
)

func main() {
	var (
		configPath = flag.String("config", "config", "config directory")
		campaignID = flag.Int64("campaign-id", 0, "plan only this campaign")
		dryRun     = flag.Bool("dry-run", false, "compute eligibility without writing")
		debug      = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.LoggingConfig{
		Level:     cfg.Logging.Level,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
	}
	if *debug {
		logCfg.Level = "debug"
	}
	log := logger.NewFromConfig(logCfg).With().
		Str("component", "planner").
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

	if cfg.Ops.Addr != "" {
		opsSrv := ops.NewServer(cfg.Ops.Addr, log)
		opsSrv.Start()
		defer opsSrv.Shutdown(context.Background())
	}

	// One planner instance per deployment; a second invocation exits
	// cleanly and the next scheduled run tries again.
	lock := storage.NewAdvisoryLock(db.Pool, cfg.Planner.LockKey)
	got, err := lock.TryAcquire(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to probe planner lock")
	}
	if !got {
		log.Info().Msg("another planner instance is running, nothing to do")
		return
	}
	defer lock.Release(ctx)

	p := planner.New(planner.Config{
		Campaigns: storage.NewCampaignStore(db.Pool),
		Templates: storage.NewTemplateStore(db.Pool),
		Segments:  storage.NewSegmentStore(db.Pool),
		OptOuts:   storage.NewOptOutStore(db.Pool),
		Devices:   storage.NewDeviceStore(db.Pool),
		Outbox:    storage.NewOutboxStore(db.Pool),
		Allocator: promo.NewAllocator(db.Pool, log),
		BatchSize: cfg.Planner.BatchSize,
		DryRun:    *dryRun,
		Logger:    log,
	})

	start := time.Now()
	summary, err := p.Run(ctx, *campaignID)
	if err != nil {
		log.Fatal().Err(err).Msg("planner run failed")
	}

	log.Info().
		Int("campaigns", summary.Campaigns).
		Int("enqueued", summary.Enqueued).
		Int("duplicates", summary.Duplicates).
		Int("skip_optout", summary.SkipOptOut).
		Int("skip_cap", summary.SkipCap).
		Int("skip_noaddr", summary.SkipNoAddr).
		Int("skip_redeemed", summary.SkipRedeemed).
		Int("promo_new", summary.PromoNew).
		Int("promo_have", summary.PromoHave).
		Int("promo_fail", summary.PromoFail).
		Int("promo_none", summary.PromoNone).
		Int("promo_dry", summary.PromoDry).
		Int("completed", summary.Completed).
		Dur("elapsed", time.Since(start)).
		Bool("dry_run", *dryRun).
		Msg("planner run finished")
}
