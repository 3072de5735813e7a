package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anouar4070/MediTime-2/internal/api"
	"github.com/anouar4070/MediTime-2/internal/app"
	"github.com/anouar4070/MediTime-2/internal/auth"
	"github.com/anouar4070/MediTime-2/internal/config"
	"github.com/anouar4070/MediTime-2/internal/logging"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("dev", "info", "api-server").Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.Env, cfg.LogLevel, "api-server")
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("storage", cfg.Storage).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(rootCtx, cfg, log, app.BuildOptions{Migrate: true})
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	var deps []api.Dependency
	if a.Pool != nil {
		deps = append(deps, api.Dependency{Name: "postgres", Pinger: a.Pool, Critical: true})
	}
	if a.Redis != nil {
		rdb := a.Redis
		deps = append(deps, api.Dependency{
			Name:     "redis",
			Critical: true,
			Pinger:   api.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		})
	}

	var webhooks api.WebhookParser
	if cfg.StripeWebhookSecret != "" {
		webhooks = a.Stripe
	} else {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, payment webhook disabled")
	}

	handler := api.NewRouter(api.RouterConfig{
		Appointments: a.Appointments,
		Providers:    a.Providers,
		Payments:     a.Payments,
		Availability: a.Availability,
		Webhooks:     webhooks,
		Auth:         auth.NewAuthenticator(cfg.JWTSecret, ""),
		Dependencies: deps,
		Metrics:      a.Metrics,
		Gatherer:     a.Registry,
		RateLimit:    api.RateLimitConfig{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst},
		Log:          log,
		Env:          cfg.Env,
		Version:      version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		a.Close()
		os.Exit(1)
	}
	log.Info().Msg("api-server stopped")
}
