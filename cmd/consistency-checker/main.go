package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ecare/booking/internal/booking"
	"github.com/ecare/booking/internal/config"
	"github.com/ecare/booking/internal/db"
	"github.com/ecare/booking/internal/logging"
)

// The slot booked flag is a derived cache of live appointments. This worker
// periodically re-derives it and repairs any divergence.
func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, "consistency-checker")
	logger.Info().Str("env", cfg.Env).Dur("interval", cfg.CheckInterval).Msg("consistency checker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	engine := booking.NewEngine(booking.NewPgStore(pgPool), nil, logger)

	// Run once at startup
	runOnce(rootCtx, engine, logger)

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping consistency checker")
			return
		case <-ticker.C:
			runOnce(rootCtx, engine, logger)
		}
	}
}

func runOnce(ctx context.Context, engine *booking.Engine, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	repaired, err := engine.CheckSlotConsistency(runCtx)
	if err != nil {
		logger.Error().Err(err).Msg("consistency run error")
		return
	}
	logger.Info().Int("repaired", repaired).Dur("took", time.Since(start)).Msg("consistency run complete")
}
