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
	"github.com/ecare/booking/internal/notify"
	redisclient "github.com/ecare/booking/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, "notifier")
	logger.Info().Str("env", cfg.Env).Str("stream", cfg.EventStream).Msg("notifier starting up")

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

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "notifier"
	}

	consumer := redisclient.NewStreamConsumer(rdb, cfg.EventStream, cfg.NotifierGroup, hostname)
	if err := consumer.EnsureGroup(rootCtx); err != nil {
		logger.Fatal().Err(err).Msg("consumer group setup error")
	}

	dispatcher := notify.NewDispatcher(
		notify.NewPgStore(pgPool),
		booking.NewPgStore(pgPool),
		logger,
	)

	for {
		if rootCtx.Err() != nil {
			logger.Info().Msg("shutdown signal received, stopping notifier")
			return
		}

		events, err := consumer.Next(rootCtx, 32)
		if err != nil {
			if rootCtx.Err() != nil {
				logger.Info().Msg("shutdown signal received, stopping notifier")
				return
			}
			logger.Error().Err(err).Msg("read lifecycle events")
			time.Sleep(time.Second)
			continue
		}

		for _, ev := range events {
			handleCtx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
			err := dispatcher.Handle(handleCtx, ev.Event)
			cancel()
			if err != nil {
				// Left unacked: the pending entry is retried on restart.
				logger.Error().Err(err).Str("entry_id", ev.ID).Msg("dispatch failed")
				continue
			}
			if err := consumer.Ack(rootCtx, ev.ID); err != nil {
				logger.Error().Err(err).Str("entry_id", ev.ID).Msg("ack failed")
			}
		}
	}
}
