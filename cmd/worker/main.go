package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feedlane/feedlane/internal/app"
	jobmetrics "github.com/feedlane/feedlane/internal/jobs"
	"github.com/feedlane/feedlane/internal/observability"
	"github.com/feedlane/feedlane/internal/platform/cache"
	"github.com/feedlane/feedlane/internal/platform/db"
	"github.com/feedlane/feedlane/internal/rbac"
	"github.com/feedlane/feedlane/internal/sweep"
	"github.com/feedlane/feedlane/jobs"
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
	slog.SetDefault(logger)

	tracing, err := observability.InitTracing(ctx, cfg.Tracing("feedlane-worker", app.Version), logger)
	if err != nil {
		logger.Error("init tracing", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, ConnectTimeout: 5 * time.Second})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	security, err := app.NewSecurity(cfg, app.SecurityDeps{
		Redis:     redisClient,
		Directory: rbac.NewPostgresDirectory(pool),
		Resources: rbac.NewPostgresResources(pool),
		Logger:    logger,
	})
	if err != nil {
		logger.Error("init security", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := jobmetrics.NewMetrics(nil)
	sweeper := sweep.New(cfg.SweepInterval, logger, metrics, security.SweepTasks...)
	invalidateJob := jobs.NewInvalidatePermissionsJob(security.Engine, logger, metrics)
	sweepJob := jobs.NewSecuritySweepJob(sweeper, logger, metrics)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cache.AsynqOpt(redisOpts),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskInvalidatePermissions, Handler: invalidateJob.Handle},
			{Type: jobs.TaskSecuritySweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SweepCron, Task: jobs.NewSecuritySweepTask(), Options: []asynq.Option{asynq.Unique(time.Minute)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.String("sweep_cron", cfg.SweepCron), slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
