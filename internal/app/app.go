// Package app assembles the booking core from configuration. Every binary
// builds the same graph so the HTTP server, the worker and the CLI agree on
// storage and locking.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/anouar4070/MediTime-2/internal/appointment"
	"github.com/anouar4070/MediTime-2/internal/availability"
	"github.com/anouar4070/MediTime-2/internal/config"
	"github.com/anouar4070/MediTime-2/internal/db"
	"github.com/anouar4070/MediTime-2/internal/integrity"
	"github.com/anouar4070/MediTime-2/internal/lock"
	"github.com/anouar4070/MediTime-2/internal/metrics"
	"github.com/anouar4070/MediTime-2/internal/payment"
	"github.com/anouar4070/MediTime-2/internal/payment/stripegw"
	"github.com/anouar4070/MediTime-2/internal/provider"
	redisclient "github.com/anouar4070/MediTime-2/internal/redis"
)

type App struct {
	Pool  *pgxpool.Pool
	Redis *redis.Client

	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Records      appointment.Store
	Index        availability.Index
	Locker       lock.Locker
	Availability *availability.CachedView
	Providers    *provider.Service
	Appointments *appointment.Service
	Payments     *payment.Engine
	Stripe       *stripegw.Gateway
	Integrity    *integrity.Checker
}

type BuildOptions struct {
	// Migrate applies pending migrations on connect.
	Migrate bool
}

// Build connects to the configured backends and wires the services. The
// caller owns the returned App and must Close it.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger, opts BuildOptions) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{
		Registry: reg,
		Metrics:  metrics.New(reg),
	}

	var providerRepo provider.Repository
	var sessions payment.SessionStore

	switch cfg.Storage {
	case config.StoragePostgres:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		poolOpts := db.DefaultPoolOptions()
		poolOpts.Migrate = opts.Migrate
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, poolOpts, log)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.Pool = pool

		a.Records = appointment.NewPgRepository(pool)
		a.Index = availability.NewPgIndex(pool)
		providerRepo = provider.NewPgRepository(pool)
		sessions = payment.NewPgSessionStore(pool)
		log.Info().Msg("using postgres storage")
	default:
		a.Records = appointment.NewMemoryStore()
		a.Index = availability.NewMemoryIndex()
		providerRepo = provider.NewMemoryRepository()
		sessions = payment.NewMemorySessionStore()
		log.Warn().Msg("using in-memory storage, state is lost on exit")
	}

	if cfg.RedisAddr != "" {
		rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.Redis = rdb
		a.Locker = redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL, cfg.LockWait)
		log.Info().Str("addr", cfg.RedisAddr).Msg("using redis slot locks")
	} else {
		a.Locker = lock.NewLocal()
		log.Warn().Msg("REDIS_ADDR not set, slot locks are process local")
	}

	a.Availability = availability.NewCachedView(a.Index,
		availability.Hours{Open: cfg.OpeningHour, Close: cfg.ClosingHour},
		cfg.SlotGrid, cfg.AvailabilityCacheTTL)
	a.Providers = provider.NewService(providerRepo, log)
	a.Appointments = appointment.NewService(a.Records, a.Index, a.Providers, a.Locker, log, a.Metrics, appointment.Options{
		SlotGrid:    cfg.SlotGrid,
		Invalidator: a.Availability,
	})

	if cfg.StripeSecretKey == "" {
		log.Warn().Msg("STRIPE_SECRET_KEY not set, payment sessions will be rejected by the gateway")
	}
	a.Stripe = stripegw.New(stripegw.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
	})
	a.Payments = payment.NewEngine(a.Records, sessions, a.Stripe, payment.Config{
		Currency:       cfg.Currency,
		SuccessURL:     cfg.PaymentSuccessURL,
		CancelURL:      cfg.PaymentCancelURL,
		GatewayTimeout: cfg.GatewayTimeout,
	}, log, a.Metrics)

	a.Integrity = integrity.NewChecker(a.Records, a.Index, a.Locker, log, a.Metrics)

	return a, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
