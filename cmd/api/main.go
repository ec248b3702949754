package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tenant-orchestrator/internal/agent"
	api "tenant-orchestrator/internal/api"
	"tenant-orchestrator/internal/config"
	"tenant-orchestrator/internal/events"
	"tenant-orchestrator/internal/jobs"
	"tenant-orchestrator/internal/logging"
	"tenant-orchestrator/internal/profile"
	"tenant-orchestrator/internal/protocols"
	"tenant-orchestrator/internal/queue"
	"tenant-orchestrator/internal/ratelimit"
	"tenant-orchestrator/internal/store"
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

	repo, inProcessResend, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	bus := events.NewBus(log.Named("bus"))
	profiles := profile.Factory{Store: repo, Bus: bus, Log: log}

	client, err := agent.New(cfg.AgentMode, agent.Options{URL: cfg.AgentURL, APIKey: cfg.AgentAPIKey, Timeout: cfg.AgentTimeout})
	if err != nil {
		log.Fatal("agent client", zap.Error(err))
	}
	reg, err := jobs.NewRegistry(jobs.Definitions(client, jobs.EndorserOptions{
		Alias:      cfg.EndorserAlias,
		Invitation: json.RawMessage(cfg.EndorserInvitation),
	}), jobs.DefaultEdges)
	if err != nil {
		log.Fatal("job registry", zap.Error(err))
	}
	runner := jobs.NewRunner(reg, profiles, log.Named("jobs"))
	runner.Wire(bus)
	protocols.Register(bus, profiles, protocols.All(cfg.EndorserAlias)...)

	redisClient := queue.NewRedisClient(cfg)
	defer redisClient.Close()
	retries := queue.NewRetryQueue(redisClient, 0)

	var archiver webhook.Archiver
	if cfg.ArchiveS3Bucket != "" {
		a, err := webhook.NewS3Archiver(ctx, cfg)
		if err != nil {
			log.Fatal("s3 archiver", zap.Error(err))
		}
		archiver = a
	}
	dispatcher := webhook.NewDispatcher(repo, retries, webhook.OptionsFromConfig(cfg), log.Named("webhook")).
		WithAbandonment(retries, archiver)
	webhook.NewForwarder(dispatcher, cfg.ForwardTopics, log.Named("forwarder")).Subscribe(bus)

	if inProcessResend {
		limiter := ratelimit.NewTokenBucket(redisClient, cfg.TenantRateCapacity, cfg.TenantRateRefill, time.Hour)
		resender := webhook.NewResender(retries, dispatcher, repo, limiter, cfg.ResendPollInterval, cfg.ResendBatchSize, log.Named("resender"))
		if _, err := resender.Recover(ctx); err != nil {
			log.Warn("recover pending webhook messages", zap.Error(err))
		}
		go func() {
			if err := resender.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("resender stopped", zap.Error(err))
			}
		}()
	}

	server := api.New(cfg, repo, bus, runner, retries, log.Named("api"))
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", zap.String("port", cfg.HTTPPort), zap.String("agent_mode", cfg.AgentMode))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// openStore connects to Postgres. In dev an unreachable database falls back to the
// in-memory store, and retries are then resent in this process since no worker can see
// its rows.
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Repository, bool, func()) {
	pg, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		if cfg.Env != "dev" {
			log.Fatal("connect postgres", zap.Error(err))
		}
		log.Warn("postgres unavailable, using in-memory store", zap.Error(err))
		return store.NewMemory(), true, func() {}
	}
	if err := pg.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}
	return pg, false, pg.Close
}
