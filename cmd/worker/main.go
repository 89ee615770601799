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
	"github.com/sungwon/crm-dispatch/internal/sender"
	"github.com/sungwon/crm-dispatch/internal/storage"
	"github.com/sungwon/crm-dispatch/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "config", "config directory")
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
		Str("component", "worker").
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

	// One worker loop per deployment. Row-level claims would keep parallel
	// loops safe, but the per-campaign throttle is process-local, so a
	// second instance would multiply the effective send rate.
	lock := storage.NewAdvisoryLock(db.Pool, cfg.Worker.LockKey)
	got, err := lock.TryAcquire(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to probe worker lock")
	}
	if !got {
		log.Info().Msg("another worker instance is running, nothing to do")
		return
	}
	defer lock.Release(ctx)

	httpClient := sender.NewHTTPClient(30 * time.Second)
	profileClient := sender.NewHTTPClient(cfg.Profile.Timeout)

	d := worker.NewDispatcher(worker.Config{
		Queue:   storage.NewOutboxStore(db.Pool),
		OptOuts: storage.NewOptOutStore(db.Pool),
		Devices: storage.NewDeviceStore(db.Pool),
		Rates:   storage.NewCampaignStore(db.Pool),
		Email:   sender.NewRelayEmailSender(cfg.Senders.Email.Endpoint, cfg.Senders.Email.APIKey, httpClient),
		SMS:     sender.NewGatewaySMSSender(cfg.Senders.SMS.Endpoint, cfg.Senders.SMS.APIKey, cfg.Senders.SMS.SenderID, httpClient),
		Push:    sender.NewHTTPPushSender(cfg.Senders.Push.Endpoint, cfg.Senders.Push.APIKey, httpClient),
		Allowlist: sender.NewConfigAllowlist(cfg.Senders.Email.Allowlist),
		Links: sender.NewHTTPLinkBuilder(
			cfg.Links.UnsubscribeBaseURL,
			cfg.Links.UnsubscribeSecret,
			cfg.Links.ReferralEndpoint,
			httpClient,
			log,
		),
		Profile:           sender.NewHTTPProfileLookup(cfg.Profile.Endpoint, profileClient, log),
		EmailFrom:         cfg.Senders.Email.From,
		DefaultRatePerMin: cfg.Worker.DefaultRatePerMin,
		Logger:            log,
	})

	start := time.Now()
	processed, err := d.Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Int("processed", processed).Msg("worker run failed")
	}

	log.Info().
		Int("processed", processed).
		Dur("elapsed", time.Since(start)).
		Msg("worker drained the queue")
}
