package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskInvalidatePermissions drops cached permissions after a role change.
	TaskInvalidatePermissions = "rbac:invalidate"
	// TaskSecuritySweep removes expired permission-cache entries and CSRF records.
	TaskSecuritySweep = "security:sweep"
)

// InvalidatePermissionsPayload identifies the cache entries to drop. An
// empty OrganizationID drops every organization of the user.
type InvalidatePermissionsPayload struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId,omitempty"`
}

// NewInvalidatePermissionsTask constructs an Asynq task.
func NewInvalidatePermissionsTask(payload InvalidatePermissionsPayload) (*asynq.Task, error) {
	if payload.UserID == "" {
		return nil, errors.New("jobs: invalidate task requires a user")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInvalidatePermissions, data, asynq.MaxRetry(5), asynq.Timeout(30*time.Second)), nil
}

// NewSecuritySweepTask constructs the periodic sweep task.
func NewSecuritySweepTask() *asynq.Task {
	return asynq.NewTask(TaskSecuritySweep, nil, asynq.MaxRetry(1), asynq.Timeout(5*time.Minute))
}
