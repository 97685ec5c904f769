package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/jobs"
)

type stubEnqueuer struct {
	tasks []*asynq.Task
}

func (s *stubEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{ID: "t1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return s.info, s.err }

func TestTriggerReconcileForProduct(t *testing.T) {
	enq := &stubEnqueuer{}
	c := &JobsCLI{client: enq}

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := c.Run(context.Background(), []string{"trigger", jobs.TaskStockReconcile, "rice"}, stdout, stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "enqueued stock:reconcile")

	require.Len(t, enq.tasks, 1)
	var payload jobs.StockReconcilePayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, "rice", payload.Product)
}

func TestTriggerRejectsUnknownJob(t *testing.T) {
	c := &JobsCLI{client: &stubEnqueuer{}}
	_, err := c.Trigger(context.Background(), "mail:send", "")
	require.Error(t, err)

	stderr := new(bytes.Buffer)
	require.Equal(t, 2, c.Run(context.Background(), nil, new(bytes.Buffer), stderr))
	require.Equal(t, 2, c.Run(context.Background(), []string{"explode"}, new(bytes.Buffer), stderr))

	var unconfigured *JobsCLI
	_, err = unconfigured.Trigger(context.Background(), jobs.TaskStockAlerts, "")
	require.Error(t, err)
}

func TestStats(t *testing.T) {
	c := &JobsCLI{inspector: stubInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 3, Retry: 1}}}
	stdout := new(bytes.Buffer)
	require.Equal(t, 0, c.Run(context.Background(), []string{"stats"}, stdout, new(bytes.Buffer)))
	require.Contains(t, stdout.String(), "pending=3")

	c = &JobsCLI{inspector: stubInspector{err: errors.New("redis down")}}
	require.Equal(t, 1, c.Run(context.Background(), []string{"stats"}, new(bytes.Buffer), new(bytes.Buffer)))
}
