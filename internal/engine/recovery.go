package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// recoveryPageSize is how many rows a recovery sweep reads per store query.
const recoveryPageSize = 200

// collectPages reads every page returned by fetch and keeps the items
// accepted by keep. Candidates are gathered before any is acted on, so
// offsets are not disturbed by the sweep's own writes. A row moved by a
// concurrent writer may be missed and is picked up by the next sweep.
func collectPages[T any](fetch func(offset int) ([]*T, error), keep func(*T) bool) ([]*T, error) {
	var out []*T
	for offset := 0; ; offset += recoveryPageSize {
		page, err := fetch(offset)
		if err != nil {
			return nil, err
		}
		for _, item := range page {
			if keep(item) {
				out = append(out, item)
			}
		}
		if len(page) < recoveryPageSize {
			return out, nil
		}
	}
}

// stepBudget is the longest step i of exec may legitimately run: every
// attempt at its timeout plus the backoff between attempts.
func (e *ExecutionEngine) stepBudget(exec *store.Execution) time.Duration {
	i := exec.CurrentStepIndex
	if i < 0 || i >= len(exec.Steps) {
		return e.stepTimeout
	}
	spec := exec.Steps[i]
	budget := e.timeoutFor(spec)
	if spec.Retry != nil {
		for attempt := range spec.Retry.Max {
			budget += e.timeoutFor(spec) + ComputeBackoff(spec.Retry, attempt)
		}
	}
	return budget
}

func (e *ExecutionEngine) timeoutFor(spec schema.StepSpec) time.Duration {
	if spec.Timeout != "" {
		if d, err := time.ParseDuration(spec.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return e.stepTimeout
}

// abandoned reports whether a RUNNING execution with no wait state has gone
// quiet for longer than its current step could take. Its worker is gone.
func (e *ExecutionEngine) abandoned(exec *store.Execution, cutoff time.Time) bool {
	if exec.Status != schema.StatusRunning || exec.WaitState != schema.WaitNone {
		return false
	}
	return exec.UpdatedAt.Add(e.stepBudget(exec)).Before(cutoff)
}

// failAbandoned records FAILED on an execution whose worker stopped mid-step.
// The guard pins the step index, so a worker that is in fact still alive and
// advances first wins.
func (e *ExecutionEngine) failAbandoned(ctx context.Context, exec *store.Execution) (bool, error) {
	ctx = execContext(ctx, exec)
	idx := exec.CurrentStepIndex
	label := fmt.Sprintf("%d", idx+1)
	if idx < len(exec.Steps) {
		label = exec.Steps[idx].Label(idx)
	}
	cause := schema.NewError(schema.ErrCodeTimeout, "worker stopped while the step was running").WithStep(label)
	guard := store.ExecutionGuard{
		Status:     schema.StatusRunning,
		WaitStates: []schema.WaitState{schema.WaitNone},
		StepIndex:  &idx,
	}
	return e.finishFailed(ctx, exec, guard, exec.StepResults, cause)
}
