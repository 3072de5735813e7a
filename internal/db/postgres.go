package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type PoolOptions struct {
	MaxConns int32
	MinConns int32
	// Migrate applies pending embedded migrations after connecting.
	Migrate bool
}

func DefaultPoolOptions() PoolOptions {
	return PoolOptions{MaxConns: 10, MinConns: 1, Migrate: true}
}

// ConnectPostgres opens a pool, checks it answers and optionally migrates.
func ConnectPostgres(ctx context.Context, dsn string, opts PoolOptions, log zerolog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = opts.MinConns
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if opts.Migrate {
		n, err := NewMigrator(pool).Up(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if n > 0 {
			log.Info().Int("applied", n).Msg("database migrations applied")
		}
	}

	return pool, nil
}
