package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tenant-orchestrator/internal/config"
	"tenant-orchestrator/internal/logging"
	"tenant-orchestrator/internal/queue"
	"tenant-orchestrator/internal/ratelimit"
	"tenant-orchestrator/internal/store"
	"tenant-orchestrator/internal/telemetry"
	"tenant-orchestrator/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	log := logging.New(os.Stdout, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	redisClient := queue.NewRedisClient(cfg)
	defer redisClient.Close()
	retries := queue.NewRetryQueue(redisClient, 0)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.TenantRateCapacity, cfg.TenantRateRefill, time.Hour)

	var archiver webhook.Archiver
	if cfg.ArchiveS3Bucket != "" {
		a, err := webhook.NewS3Archiver(ctx, cfg)
		if err != nil {
			log.Fatal("s3 archiver", zap.Error(err))
		}
		archiver = a
	}
	dispatcher := webhook.NewDispatcher(st, retries, webhook.OptionsFromConfig(cfg), log.Named("webhook")).
		WithAbandonment(retries, archiver)
	resender := webhook.NewResender(retries, dispatcher, st, limiter, cfg.ResendPollInterval, cfg.ResendBatchSize, log.Named("resender"))

	if _, err := resender.Recover(ctx); err != nil {
		log.Error("recover pending webhooks", zap.Error(err))
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("resender started",
		zap.Duration("poll", cfg.ResendPollInterval),
		zap.Int("max_attempts", cfg.WebhookMaxAttempts),
		zap.Duration("backoff_initial", cfg.BackoffInitial),
		zap.Duration("backoff_max", cfg.BackoffMax))
	if err := resender.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("resender stopped", zap.Error(err))
	}
}
