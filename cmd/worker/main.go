package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/lyceum-lms/lyceum-authz/internal/app"
	"github.com/lyceum-lms/lyceum-authz/internal/audit"
	jobmetrics "github.com/lyceum-lms/lyceum-authz/internal/jobs"
	"github.com/lyceum-lms/lyceum-authz/internal/observability"
	"github.com/lyceum-lms/lyceum-authz/internal/platform/cache"
	"github.com/lyceum-lms/lyceum-authz/internal/platform/db"
	"github.com/lyceum-lms/lyceum-authz/internal/rbac"
	"github.com/lyceum-lms/lyceum-authz/internal/tempaccess"
	"github.com/lyceum-lms/lyceum-authz/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	auditStore := audit.NewPGStore(pool)
	auditRecorder := audit.NewRecorder(auditStore, logger, nil)
	defer auditRecorder.Close()

	permissionCache := rbac.NewCache(redisClient, cfg.PermissionCacheTTL)

	tempRepo := tempaccess.NewPGRepository(pool)
	tempService := tempaccess.NewService(tempRepo, jobsClient, auditRecorder, permissionCache, logger)

	// Re-arm one-shot expiry timers for grants that were still active when
	// the previous process stopped.
	if count, err := tempService.RescheduleExpirations(ctx); err != nil {
		logger.Error("reschedule expirations", slog.Any("error", err))
	} else if count > 0 {
		logger.Info("rescheduled grant expirations", slog.Int("count", count))
	}

	// Job metrics register on the worker's own registry, scraped from a
	// sidecar listener since the worker serves no API.
	appMetrics := observability.NewMetrics()
	metrics := jobmetrics.NewMetrics(appMetrics.Registerer())
	expiryHandlers := jobs.NewAccessExpiryHandlers(tempService, logger, metrics)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", appMetrics.Handler())
	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metricsMux}
	go func() {
		logger.Info("metrics listener started", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics listener shutdown", slog.Any("error", err))
		}
	}()

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Expiry:    expiryHandlers,
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SweepCronSpec, Task: jobs.NewAccessSweepTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
