package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/feedlane/feedlane/internal/jobs"
	_ "github.com/feedlane/feedlane/testing"
)

type recordingInvalidator struct {
	calls [][2]string
}

func (r *recordingInvalidator) InvalidateUserPermissions(_ context.Context, userID, orgID string) {
	r.calls = append(r.calls, [2]string{userID, orgID})
}

type stubSweeper struct {
	removed int
	err     error
	runs    int
}

func (s *stubSweeper) RunOnce(context.Context) (int, error) {
	s.runs++
	return s.removed, s.err
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{Type: task.Type(), Queue: QueueDefault}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestNewInvalidatePermissionsTask(t *testing.T) {
	task, err := NewInvalidatePermissionsTask(InvalidatePermissionsPayload{UserID: "u-1", OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Equal(t, TaskInvalidatePermissions, task.Type())

	var payload InvalidatePermissionsPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "u-1", payload.UserID)
	assert.Equal(t, "org-1", payload.OrganizationID)

	_, err = NewInvalidatePermissionsTask(InvalidatePermissionsPayload{})
	assert.Error(t, err)
}

func TestInvalidatePermissionsJob(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	inv := &recordingInvalidator{}
	job := NewInvalidatePermissionsJob(inv, nil, metrics)

	task, err := NewInvalidatePermissionsTask(InvalidatePermissionsPayload{UserID: "u-1", OrganizationID: "org-1"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, [][2]string{{"u-1", "org-1"}}, inv.calls)
	runs, err := testutil.GatherAndCount(reg, "feedlane_jobs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, runs)
}

func TestInvalidatePermissionsJobRejectsBadPayload(t *testing.T) {
	inv := &recordingInvalidator{}
	job := NewInvalidatePermissionsJob(inv, nil, nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskInvalidatePermissions, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskInvalidatePermissions, []byte(`{"organizationId":"org-1"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, inv.calls)

	var nilJob *InvalidatePermissionsJob
	assert.Error(t, nilJob.Handle(context.Background(), asynq.NewTask(TaskInvalidatePermissions, nil)))
}

func TestSecuritySweepJob(t *testing.T) {
	sw := &stubSweeper{removed: 3}
	job := NewSecuritySweepJob(sw, nil, nil)
	require.NoError(t, job.Handle(context.Background(), NewSecuritySweepTask()))
	assert.Equal(t, 1, sw.runs)

	sw.err = errors.New("redis down")
	assert.EqualError(t, job.Handle(context.Background(), NewSecuritySweepTask()), "redis down")
}

func TestClientEnqueueInvalidate(t *testing.T) {
	fake := &fakeEnqueuer{}
	client := &Client{client: fake}

	info, err := client.EnqueueInvalidate(context.Background(), "u-1", "")
	require.NoError(t, err)
	assert.Equal(t, TaskInvalidatePermissions, info.Type)
	require.Len(t, fake.tasks, 1)

	var payload InvalidatePermissionsPayload
	require.NoError(t, json.Unmarshal(fake.tasks[0].Payload(), &payload))
	assert.Equal(t, InvalidatePermissionsPayload{UserID: "u-1"}, payload)

	_, err = client.EnqueueInvalidate(context.Background(), "", "org-1")
	assert.Error(t, err)
	assert.Len(t, fake.tasks, 1)

	fake.err = errors.New("queue unavailable")
	_, err = client.EnqueueInvalidate(context.Background(), "u-1", "org-1")
	assert.EqualError(t, err, "queue unavailable")
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name      string
		inspector QueueInspector
		status    int
		pending   int
	}{
		{name: "no inspector", status: http.StatusOK},
		{name: "queue info", inspector: stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 4}}, status: http.StatusOK, pending: 4},
		{name: "inspector error", inspector: stubInspector{err: errors.New("boom")}, status: http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHandler(tc.inspector, nil).MountRoutes(r)
			res := httptest.NewRecorder()
			r.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/health", nil))
			require.Equal(t, tc.status, res.Code)
			if tc.status != http.StatusOK {
				return
			}
			var body queueHealth
			require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
			assert.Equal(t, QueueDefault, body.Queue)
			assert.Equal(t, tc.pending, body.Pending)
		})
	}
}

func TestAsynqLoggerRoutesThroughSlog(t *testing.T) {
	var buf bytes.Buffer
	var logger asynq.Logger = asynqLogger{logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))}

	logger.Debug("heartbeat")
	logger.Info("starting processing")
	logger.Warn("retry ", 3)
	logger.Error("lost connection")

	out := buf.String()
	assert.NotContains(t, out, "heartbeat")
	assert.Contains(t, out, `level=INFO msg="asynq: starting processing"`)
	assert.Contains(t, out, `level=WARN msg="asynq: retry 3"`)
	assert.Contains(t, out, `level=ERROR msg="asynq: lost connection"`)
}
