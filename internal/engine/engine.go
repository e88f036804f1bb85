// Package engine drives automation jobs and workflow executions through their
// lifecycles. Every entry point invoked by a queue worker re-checks persisted
// status before acting, so duplicate deliveries collapse into no-ops.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/pkg/schema"
)

// Enqueuer hands work to the durable queue. Satisfied by *queue.DurableQueue.
type Enqueuer interface {
	Enqueue(ctx context.Context, family string, payload any, delay time.Duration) (string, error)
}

// Metrics receives lifecycle observations. Satisfied by *metrics.Recorder.
type Metrics interface {
	JobFinished(status schema.RunStatus)
	ExecutionFinished(status schema.RunStatus)
	StepObserved(stepType schema.StepType, outcome string, d time.Duration)
}

// Step outcomes reported to Metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomeSuspended = "suspended"
)

type nopMetrics struct{}

func (nopMetrics) JobFinished(schema.RunStatus)                        {}
func (nopMetrics) ExecutionFinished(schema.RunStatus)                  {}
func (nopMetrics) StepObserved(schema.StepType, string, time.Duration) {}

var nullJSON = json.RawMessage("null")

// publish forwards ev to the hub. Streaming is best effort.
func publish(ctx context.Context, hub streaming.EventHub, logger *slog.Logger, ev streaming.StreamEvent) {
	if hub == nil {
		return
	}
	if err := hub.Publish(ctx, ev); err != nil {
		logger.DebugContext(ctx, "stream publish failed", "event_type", ev.EventType, "error", err)
	}
}

// logData marshals structured log data, dropping it if it cannot be encoded.
func logData(v map[string]any) json.RawMessage {
	if len(v) == 0 {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func elapsedMs(start *time.Time, end time.Time) int64 {
	if start == nil {
		return 0
	}
	ms := end.Sub(*start).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// jobLog builds an entry for the job log.
func jobLog(job *store.Job, step string, status schema.LogStatus, msg string, data map[string]any) *store.LogEntry {
	return &store.LogEntry{
		JobID:   job.ID,
		Step:    step,
		Status:  status,
		Message: schema.Redact(msg),
		Data:    logData(data),
	}
}
