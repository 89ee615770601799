package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig carries the pool sizing and recycling knobs. Both CLIs share
// one database, so the tuning lives in config rather than per binary;
// zero values fall back to defaults suited to short-lived cron processes.
type PoolConfig struct {
	URL               string
	MinConns          int32
	MaxConns          int32
	ConnectTimeout    time.Duration
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// DB holds the shared pgx connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB builds the pool from cfg and verifies connectivity before
// returning. The connect timeout bounds both pool creation and the
// initial ping.
func NewDB(ctx context.Context, cfg PoolConfig) (*DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	pc.MinConns = cfg.MinConns
	pc.MaxConns = cfg.MaxConns
	pc.MaxConnLifetime = orDefault(cfg.MaxConnLifetime, 30*time.Minute)
	pc.MaxConnIdleTime = orDefault(cfg.MaxConnIdleTime, 5*time.Minute)
	pc.HealthCheckPeriod = orDefault(cfg.HealthCheckPeriod, 30*time.Second)

	connectTimeout := orDefault(cfg.ConnectTimeout, 10*time.Second)
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{Pool: pool}, nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Close releases every connection in the pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Ping checks database reachability.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
