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
	"github.com/lyceum-lms/lyceum-authz/internal/auth"
	"github.com/lyceum-lms/lyceum-authz/internal/hierarchy"
	"github.com/lyceum-lms/lyceum-authz/internal/observability"
	"github.com/lyceum-lms/lyceum-authz/internal/platform/cache"
	"github.com/lyceum-lms/lyceum-authz/internal/platform/db"
	"github.com/lyceum-lms/lyceum-authz/internal/rbac"
	"github.com/lyceum-lms/lyceum-authz/internal/roles"
	"github.com/lyceum-lms/lyceum-authz/internal/shared"
	"github.com/lyceum-lms/lyceum-authz/internal/tempaccess"
	"github.com/lyceum-lms/lyceum-authz/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	sessionManager := shared.NewSessionManager(redisClient, "lyceum_authz_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())

	metrics := observability.NewMetrics()

	auditStore := audit.NewPGStore(dbpool)
	auditRecorder := audit.NewRecorder(auditStore, logger, metrics.AuditDropCounter())
	defer auditRecorder.Close()
	auditService := audit.NewService(auditStore)
	auditHandler := audit.NewHandler(logger, auditService)

	authRepo := auth.NewRepository(dbpool)
	authService := auth.NewService(authRepo)
	authHandler := auth.NewHandler(logger, authService, sessionManager)

	rolesRepo := roles.NewRepository(dbpool)
	hierarchyService := hierarchy.NewService(rolesRepo, cfg.HierarchyCacheTTL, logger)

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

	permissionCache := rbac.NewCache(redisClient, cfg.PermissionCacheTTL)

	tempRepo := tempaccess.NewPGRepository(dbpool)
	tempService := tempaccess.NewService(tempRepo, jobsClient, auditRecorder, permissionCache, logger)
	rbacService := rbac.NewService(rbac.Config{
		Roles:     rolesRepo,
		Hierarchy: hierarchyService,
		Grants:    tempService,
		Cache:     permissionCache,
		Auditor:   auditRecorder,
		Metrics:   metrics,
		Logger:    logger,
	})
	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}
	rbacHandler := rbac.NewHandler(logger, rbacService)

	rolesService := roles.NewService(rolesRepo, hierarchyService, rbacService, logger)
	rolesHandler := roles.NewHandler(logger, rolesService, hierarchyService)

	tempHandler := tempaccess.NewHandler(logger, tempService, rbacMiddleware.RequireAny)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		SessionManager:    sessionManager,
		AuthHandler:       authHandler,
		RBACHandler:       rbacHandler,
		RBACMiddleware:    rbacMiddleware,
		RolesHandler:      rolesHandler,
		TempAccessHandler: tempHandler,
		AuditHandler:      auditHandler,
		JobHandler:        jobHandler,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
