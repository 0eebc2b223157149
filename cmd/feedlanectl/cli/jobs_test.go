package cli

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedlane/feedlane/jobs"
)

type fakeClient struct {
	tasks  []*asynq.Task
	err    error
	closed bool
}

func (f *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

type fakeInspector struct {
	info      *asynq.QueueInfo
	err       error
	scheduled []*asynq.TaskInfo
	queue     string
	closeErr  error
}

func (f *fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	f.queue = queue
	return f.info, f.err
}

func (f *fakeInspector) ListScheduledTasks(queue string, _ ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	f.queue = queue
	return f.scheduled, f.err
}

func (f *fakeInspector) Close() error { return f.closeErr }

func TestTriggerSweep(t *testing.T) {
	client := &fakeClient{}
	c := &JobsCLI{client: client}

	info, err := c.TriggerSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobs.TaskSecuritySweep, info.Type)
	require.Len(t, client.tasks, 1)
	assert.Equal(t, jobs.TaskSecuritySweep, client.tasks[0].Type())
}

func TestInvalidate(t *testing.T) {
	client := &fakeClient{}
	c := &JobsCLI{client: client}

	_, err := c.Invalidate(context.Background(), "user-1", "org-1")
	require.NoError(t, err)
	require.Len(t, client.tasks, 1)

	var payload jobs.InvalidatePermissionsPayload
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &payload))
	assert.Equal(t, "user-1", payload.UserID)
	assert.Equal(t, "org-1", payload.OrganizationID)

	_, err = c.Invalidate(context.Background(), "", "org-1")
	assert.Error(t, err)
	assert.Len(t, client.tasks, 1)
}

func TestTriggerPropagatesEnqueueError(t *testing.T) {
	c := &JobsCLI{client: &fakeClient{err: errors.New("redis down")}}
	_, err := c.TriggerSweep(context.Background())
	assert.EqualError(t, err, "redis down")
}

func TestUnconfiguredCLI(t *testing.T) {
	var c *JobsCLI
	_, err := c.TriggerSweep(context.Background())
	assert.Error(t, err)
	_, err = c.InspectQueue(context.Background())
	assert.Error(t, err)
}

func TestInspectQueue(t *testing.T) {
	inspector := &fakeInspector{info: &asynq.QueueInfo{Pending: 3, Active: 1, Scheduled: 2, Retry: 4, Archived: 5}}
	c := &JobsCLI{inspector: inspector}

	stats, err := c.InspectQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobs.QueueDefault, inspector.queue)
	assert.Equal(t, QueueStats{Queue: jobs.QueueDefault, Pending: 3, Active: 1, Scheduled: 2, Retry: 4, Archived: 5}, stats)
	assert.Contains(t, stats.String(), "pending=3")
}

func TestListScheduled(t *testing.T) {
	inspector := &fakeInspector{scheduled: []*asynq.TaskInfo{{ID: "a"}, {ID: "b"}}}
	c := &JobsCLI{inspector: inspector}

	tasks, err := c.ListScheduled(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestCloseJoinsErrors(t *testing.T) {
	client := &fakeClient{}
	c := &JobsCLI{client: client, inspector: &fakeInspector{closeErr: errors.New("boom")}}
	assert.EqualError(t, c.Close(), "boom")
	assert.True(t, client.closed)
}
