package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feedlane/feedlane/internal/app"
	"github.com/feedlane/feedlane/internal/feedback"
	jobmetrics "github.com/feedlane/feedlane/internal/jobs"
	"github.com/feedlane/feedlane/internal/observability"
	"github.com/feedlane/feedlane/internal/platform/cache"
	"github.com/feedlane/feedlane/internal/platform/db"
	"github.com/feedlane/feedlane/internal/rbac"
	"github.com/feedlane/feedlane/internal/roles"
	"github.com/feedlane/feedlane/internal/shared"
	"github.com/feedlane/feedlane/internal/sweep"
	"github.com/feedlane/feedlane/jobs"
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
	slog.SetDefault(logger)

	tracing, err := observability.InitTracing(ctx, cfg.Tracing("feedlane", app.Version), logger)
	if err != nil {
		logger.Error("init tracing", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, ConnectTimeout: 5 * time.Second})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisOpts := cache.Options{Addr: cfg.RedisAddr, DialTimeout: cfg.RedisDialTimeout, OpTimeout: cfg.RedisOpTimeout}
	redisClient, err := cache.New(ctx, redisOpts)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	directory := rbac.NewPostgresDirectory(dbpool)
	security, err := app.NewSecurity(cfg, app.SecurityDeps{
		Redis:     redisClient,
		Directory: directory,
		Resources: rbac.NewPostgresResources(dbpool),
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		logger.Error("init security", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.SweepInProcess {
		sweeper := sweep.New(cfg.SweepInterval, logger, jobmetrics.NewMetrics(metrics.Registerer()), security.SweepTasks...)
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	jobClient, err := jobs.NewClient(cache.AsynqOpt(redisOpts))
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(cache.AsynqOpt(redisOpts))
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	audit := shared.NewAuditLogger(dbpool)
	router := app.NewRouter(app.RouterParams{
		Logger:   logger,
		Config:   cfg,
		Security: security,
		FeedbackHandler: feedback.NewHandler(
			feedback.NewPostgresRepository(dbpool),
			security.Authorizer,
			shared.NewIdempotencyStore(redisClient, shared.DefaultIdempotencyTTL),
			logger,
		),
		RolesHandler: roles.NewHandler(logger,
			roles.NewService(security.Engine, directory, audit, jobClient, logger),
			security.Authorizer,
		),
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    metrics,
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: cfg.AppReadTimeout,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("env", cfg.AppEnv))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
