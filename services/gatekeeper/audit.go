package gatekeeper

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"smallbiznis-gatekeeper/pkg/task"
	"smallbiznis-gatekeeper/services/apikey"
)

const auditAppendTimeout = 5 * time.Second

// Auditor emits exactly one usage-log entry per admission decision. Delivery
// is best-effort: it prefers the asynq queue, falls back to a detached direct
// write, and never gates the admit/reject outcome.
type Auditor struct {
	enq  task.Enqueuer
	logs apikey.UsageLogStore
	node *snowflake.Node
	log  *zap.Logger
}

type AuditorParams struct {
	fx.In
	Enqueuer task.Enqueuer `optional:"true"`
	Logs     apikey.UsageLogStore
	Node     *snowflake.Node
	Logger   *zap.Logger
}

func NewAuditor(p AuditorParams) *Auditor {
	return &Auditor{
		enq:  p.Enqueuer,
		logs: p.Logs,
		node: p.Node,
		log:  p.Logger,
	}
}

// Emit stamps and dispatches the entry. Errors are metriced and logged only.
func (a *Auditor) Emit(entry *apikey.UsageLog) {
	entry.ID = a.node.Generate().String()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if a.enq != nil {
		payload, err := json.Marshal(entry)
		if err == nil {
			if _, err := a.enq.Enqueue(asynq.NewTask(task.AppendUsageLogTask, payload)); err == nil {
				return
			}
			a.log.Warn("usage log enqueue failed, writing directly", zap.Error(err))
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditAppendTimeout)
		defer cancel()
		if err := a.logs.Append(ctx, entry); err != nil {
			usageLogFailures.Inc()
			a.log.Error("usage log write failed",
				zap.String("api_key_id", entry.APIKeyID),
				zap.Error(err),
			)
		}
	}()
}

// RegisterAuditHandlers wires the queue consumer side; the audit worker
// binary invokes this against its mux.
func RegisterAuditHandlers(mux *asynq.ServeMux, logs apikey.UsageLogStore) {
	mux.HandleFunc(task.AppendUsageLogTask, func(ctx context.Context, t *asynq.Task) error {
		var entry apikey.UsageLog
		if err := json.Unmarshal(t.Payload(), &entry); err != nil {
			// Malformed payloads cannot succeed on retry.
			zap.L().Error("discarding malformed usage log task", zap.Error(err))
			return nil
		}
		if err := logs.Append(ctx, &entry); err != nil {
			usageLogFailures.Inc()
			return err
		}
		return nil
	})
}
