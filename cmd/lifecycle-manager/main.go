// cmd/lifecycle-manager/main.go
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

	"application-lifecycle/internal/api"
	"application-lifecycle/internal/bootstrap"
	"application-lifecycle/internal/common/camunda"
	"application-lifecycle/internal/common/config"
	"application-lifecycle/internal/common/database"
	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/common/observability"
	"application-lifecycle/pkg/registry"

	nsc "application-lifecycle/internal/workers/application/notify-status-change"
	rpo "application-lifecycle/internal/workers/payment/record-payment-outcome"
	rr "application-lifecycle/internal/workers/refund/reconcile-refunds"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "console").Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.NewFromConfig(cfg.Logging)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting lifecycle manager...", zap.String("version", cfg.App.Version))

	obs := observability.New(cfg.App.Name, log)
	defer obs.Shutdown()
	if err := obs.EnableTracing(cfg.Tracing); err != nil {
		zapLog.Fatal("tracing setup failed", zap.Error(err))
	}

	ctx := context.Background()

	deps, err := bootstrap.Connect(ctx, cfg, log, bootstrap.Options{Zeebe: true, Attempts: 15})
	if err != nil {
		zapLog.Fatal("backing services unavailable", zap.Error(err))
	}
	defer deps.Close()

	if err := database.Migrate(deps.Postgres.DB); err != nil {
		zapLog.Fatal("schema migration failed", zap.Error(err))
	}
	if version, _, err := database.MigrationVersion(deps.Postgres.DB); err == nil {
		zapLog.Info("schema up to date", zap.Uint("version", version))
	}

	components, err := deps.Build(ctx, log, obs)
	if err != nil {
		zapLog.Fatal("engine assembly failed", zap.Error(err))
	}
	engine := components.Engine

	// --- Workers ---
	activities, err := registry.Default()
	if err != nil {
		zapLog.Fatal("activity registry invalid", zap.Error(err))
	}
	jobTimeout := func(taskType string) time.Duration {
		if _, set := cfg.Workers[taskType]; !set {
			if a, ok := activities.Find(taskType); ok {
				if d, err := a.JobTimeout(); err == nil && d > 0 {
					return d
				}
			}
		}
		return config.GetDuration(config.GetWorkerConfig(cfg, taskType).Timeout)
	}

	var workers []*camunda.CamundaWorker
	startWorker := func(taskType string, handler camunda.JobHandler) {
		if !config.IsWorkerEnabled(cfg, taskType) {
			zapLog.Info("worker disabled", zap.String("taskType", taskType))
			return
		}
		wcfg := config.GetWorkerConfig(cfg, taskType)
		w := camunda.NewWorker(deps.Zeebe.GetClient(), taskType, wcfg.MaxJobsActive, jobTimeout(taskType), handler, log, obs)
		w.Start()
		workers = append(workers, w)
	}

	startWorker(rpo.TaskType, rpo.NewHandler(
		&rpo.Config{Timeout: jobTimeout(rpo.TaskType)},
		engine, log,
	))

	startWorker(rr.TaskType, rr.NewHandler(
		&rr.Config{Timeout: jobTimeout(rr.TaskType)},
		engine, log,
	))

	topic, err := deps.StatusPublisher(ctx, log)
	if err != nil {
		zapLog.Fatal("status publisher setup failed", zap.Error(err))
	}
	var statusPublisher nsc.StatusPublisher
	if topic != nil {
		statusPublisher = topic
	}
	startWorker(nsc.TaskType, nsc.NewHandler(&nsc.Config{
		Enabled: statusPublisher != nil,
		Timeout: jobTimeout(nsc.TaskType),
	}, statusPublisher, log))

	zapLog.Info("workers registered", zap.Int("count", len(workers)))

	// --- HTTP API ---
	opts := []api.Option{
		api.WithCatalog(components.Catalog),
		api.WithWebhookSecret(cfg.Payments.WebhookSecret),
		api.WithReadinessCheck("postgres", deps.Postgres.Ping),
		api.WithReadinessCheck("redis", deps.Redis.Ping),
		api.WithReadinessCheck("zeebe", deps.Zeebe.HealthCheck),
	}
	if components.Indexer != nil {
		opts = append(opts,
			api.WithSearch(components.Indexer),
			api.WithReadinessCheck("elasticsearch", deps.Elasticsearch.Ping),
		)
	}
	if cfg.Payments.WebhookSecret == "" {
		zapLog.Warn("payments.webhook_secret is empty; payment webhooks are accepted unsigned")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.NewServer(engine, log, opts...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.Server.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, draining...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("HTTP server shutdown failed", zap.Error(err))
	}
	for _, w := range workers {
		w.Stop()
	}

	zapLog.Info("Lifecycle manager stopped gracefully")
}
