package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/feedlane/feedlane/internal/jobs"
)

// PermissionInvalidator is satisfied by *rbac.Engine.
type PermissionInvalidator interface {
	InvalidateUserPermissions(ctx context.Context, userID, orgID string)
}

// InvalidatePermissionsJob processes TaskInvalidatePermissions.
type InvalidatePermissionsJob struct {
	Invalidator PermissionInvalidator
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// NewInvalidatePermissionsJob initialises the handler.
func NewInvalidatePermissionsJob(invalidator PermissionInvalidator, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvalidatePermissionsJob {
	return &InvalidatePermissionsJob{Invalidator: invalidator, Logger: logger, Metrics: metrics}
}

// Handle drops the cached permissions named in the payload.
func (j *InvalidatePermissionsJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Invalidator == nil {
		return errors.New("invalidate permissions: handler not configured")
	}
	var payload InvalidatePermissionsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.UserID == "" {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskInvalidatePermissions)
	defer func() {
		err = tracker.End(err)
	}()

	j.Invalidator.InvalidateUserPermissions(ctx, payload.UserID, payload.OrganizationID)
	j.logger().Debug("permissions invalidated",
		slog.String("user_id", payload.UserID),
		slog.String("org_id", payload.OrganizationID))
	return nil
}

func (j *InvalidatePermissionsJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
