package gatekeeper

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smallbiznis-gatekeeper/pkg/task"
	"smallbiznis-gatekeeper/services/apikey"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, t)
	return nil, nil
}

func TestAuditorPrefersQueue(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	enq := &fakeEnqueuer{}
	logs := &capturingLogStore{}
	auditor := NewAuditor(AuditorParams{Enqueuer: enq, Logs: logs, Node: node, Logger: zap.NewNop()})

	auditor.Emit(&apikey.UsageLog{APIKeyID: "key-1", Endpoint: "/api/coupons", StatusCode: 200})

	require.Len(t, enq.tasks, 1)
	require.Equal(t, task.AppendUsageLogTask, enq.tasks[0].Type())
	require.Zero(t, logs.count())

	var entry apikey.UsageLog
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &entry))
	require.Equal(t, "key-1", entry.APIKeyID)
	require.NotEmpty(t, entry.ID)
	require.False(t, entry.Timestamp.IsZero())
}

func TestAuditorFallsBackToDirectWrite(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	enq := &fakeEnqueuer{err: asynq.ErrServerClosed}
	logs := &capturingLogStore{}
	auditor := NewAuditor(AuditorParams{Enqueuer: enq, Logs: logs, Node: node, Logger: zap.NewNop()})

	auditor.Emit(&apikey.UsageLog{APIKeyID: "key-1", Endpoint: "/api/coupons", StatusCode: 429})

	require.Eventually(t, func() bool { return logs.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestAuditHandlerAppendsEntry(t *testing.T) {
	logs := &capturingLogStore{}
	mux := asynq.NewServeMux()
	RegisterAuditHandlers(mux, logs)

	payload, err := json.Marshal(&apikey.UsageLog{ID: "1", APIKeyID: "key-1", StatusCode: 200, Timestamp: time.Now()})
	require.NoError(t, err)

	err = mux.ProcessTask(context.Background(), asynq.NewTask(task.AppendUsageLogTask, payload))
	require.NoError(t, err)
	require.Equal(t, 1, logs.count())
}

func TestAuditHandlerDiscardsMalformedPayload(t *testing.T) {
	logs := &capturingLogStore{}
	mux := asynq.NewServeMux()
	RegisterAuditHandlers(mux, logs)

	// Malformed payloads are dropped without a retryable error.
	err := mux.ProcessTask(context.Background(), asynq.NewTask(task.AppendUsageLogTask, []byte("{not json")))
	require.NoError(t, err)
	require.Zero(t, logs.count())
}
