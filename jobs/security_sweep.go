package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/feedlane/feedlane/internal/jobs"
)

// Sweeper is satisfied by *sweep.Sweeper.
type Sweeper interface {
	RunOnce(ctx context.Context) (int, error)
}

// SecuritySweepJob runs the expiry sweepers from the shared scheduler so
// that a single worker sweeps on behalf of every server instance.
type SecuritySweepJob struct {
	Sweeper Sweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSecuritySweepJob initialises the handler.
func NewSecuritySweepJob(sweeper Sweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *SecuritySweepJob {
	return &SecuritySweepJob{Sweeper: sweeper, Logger: logger, Metrics: metrics}
}

// Handle executes one sweep pass.
func (j *SecuritySweepJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Sweeper == nil {
		return errors.New("security sweep: handler not configured")
	}
	tracker := j.Metrics.Track(TaskSecuritySweep)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	removed, err := j.Sweeper.RunOnce(ctx)
	if err != nil {
		logger.Error("security sweep failed", slog.Int("removed", removed), slog.Any("error", err))
		return err
	}
	logger.Info("security sweep completed", slog.Int("removed", removed))
	return nil
}
