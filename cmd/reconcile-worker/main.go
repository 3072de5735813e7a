package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/anouar4070/MediTime-2/internal/app"
	"github.com/anouar4070/MediTime-2/internal/config"
	"github.com/anouar4070/MediTime-2/internal/logging"
)

const (
	// sessions younger than this are left to the patient's own confirm call
	sessionGrace = 10 * time.Minute
	sweepBatch   = 100
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("dev", "info", "reconcile-worker").Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.Env, cfg.LogLevel, "reconcile-worker")
	log.Info().Str("env", cfg.Env).Dur("interval", cfg.WorkerInterval).Msg("reconcile-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(rootCtx, cfg, log, app.BuildOptions{})
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	if a.Redis == nil {
		log.Warn().Msg("without redis the integrity pass cannot exclude bookings made by other processes")
	}

	// Run once at startup
	runOnce(rootCtx, a, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping reconcile worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, a, log)
		}
	}
}

func runOnce(ctx context.Context, a *app.App, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
	defer cancel()

	start := time.Now()

	report, err := a.Integrity.Repair(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("integrity pass failed")
	} else {
		log.Info().
			Int("days_checked", report.DaysChecked).
			Int("discrepancies", len(report.Discrepancies)).
			Int("repaired", report.Repaired()).
			Msg("integrity pass complete")
	}

	confirmed, err := a.Payments.ReconcileOpenSessions(runCtx, sessionGrace, sweepBatch)
	if err != nil {
		log.Error().Err(err).Msg("payment sweep failed")
	} else {
		log.Info().Int("confirmed", confirmed).Msg("payment sweep complete")
	}

	log.Debug().Dur("took", time.Since(start)).Msg("reconcile run complete")
}
