package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/queue"
	"github.com/rendis/opflow/internal/steps"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/pkg/schema"
)

// DefaultStepTimeout bounds a step invocation that declares no timeout.
const DefaultStepTimeout = 60 * time.Second

// ExecutionConfig tunes the execution engine.
type ExecutionConfig struct {
	StepTimeout    time.Duration
	CircuitBreaker CircuitBreakerConfig
}

// ExecutionDeps are the collaborators of the execution engine.
// Store, Steps and Queue are required.
type ExecutionDeps struct {
	Store   store.Store
	Steps   *steps.Registry
	CEL     *expressions.CELEngine
	Queue   Enqueuer
	Hub     streaming.EventHub
	Metrics Metrics
	Logger  *slog.Logger
}

// ExecutionParams describes a run to create.
type ExecutionParams struct {
	WorkflowID        string
	OrganizationID    string
	TriggeringEventID string
	JobID             string
	InputData         map[string]any
}

// FinishHook is called after an execution reaches a terminal state.
type FinishHook func(ctx context.Context, exec *store.Execution)

// workflowTask is the payload of a task in the workflow family.
type workflowTask struct {
	ExecutionID string `json:"executionId"`
	Resume      bool   `json:"resume,omitempty"`
}

// ExecutionEngine owns the state machine of workflow executions. It drives
// steps strictly in order, persisting progress after each one with a
// compare-and-set on (status, currentStepIndex) so that a concurrent or
// duplicate run of the same execution stops at the first lost race.
type ExecutionEngine struct {
	store       store.Store
	steps       *steps.Registry
	cel         *expressions.CELEngine
	queue       Enqueuer
	hub         streaming.EventHub
	metrics     Metrics
	logger      *slog.Logger
	breakers    *CircuitBreakerRegistry
	stepTimeout time.Duration
	now         func() time.Time

	hooksMu sync.RWMutex
	hooks   []FinishHook
}

// NewExecutionEngine creates an ExecutionEngine.
func NewExecutionEngine(deps ExecutionDeps, cfg ExecutionConfig) (*ExecutionEngine, error) {
	if deps.Store == nil || deps.Steps == nil || deps.Queue == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution engine requires store, step registry and queue")
	}
	celEngine := deps.CEL
	if celEngine == nil {
		var err error
		if celEngine, err = expressions.NewCELEngine(); err != nil {
			return nil, err
		}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	return &ExecutionEngine{
		store:       deps.Store,
		steps:       deps.Steps,
		cel:         celEngine,
		queue:       deps.Queue,
		hub:         deps.Hub,
		metrics:     metrics,
		logger:      logging.OrDefault(deps.Logger),
		breakers:    NewCircuitBreakerRegistry(cfg.CircuitBreaker),
		stepTimeout: cfg.StepTimeout,
		now:         time.Now,
	}, nil
}

// OnFinished registers a hook run after every terminal transition.
func (e *ExecutionEngine) OnFinished(hook FinishHook) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.hooks = append(e.hooks, hook)
}

// Breakers exposes the per-step-type circuit breakers for diagnostics.
func (e *ExecutionEngine) Breakers() *CircuitBreakerRegistry {
	return e.breakers
}

// CreateExecution persists a PENDING execution and enqueues it. A second
// request for the same (workflow, triggering event) pair returns the
// execution created by the first.
func (e *ExecutionEngine) CreateExecution(ctx context.Context, p ExecutionParams) (*store.Execution, error) {
	wf, err := e.store.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		return nil, err
	}
	if wf.OrganizationID != p.OrganizationID {
		return nil, schema.NotFound("workflow", p.WorkflowID)
	}

	input := p.InputData
	if input == nil {
		input = map[string]any{}
	}
	now := e.now().UTC()
	exec := &store.Execution{
		ID:                uuid.New().String(),
		WorkflowID:        wf.ID,
		OrganizationID:    wf.OrganizationID,
		TriggeringEventID: p.TriggeringEventID,
		JobID:             p.JobID,
		InputData:         input,
		Steps:             slices.Clone(wf.Steps),
		Status:            schema.StatusPending,
		StepResults:       []store.StepResult{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) && p.TriggeringEventID != "" {
			existing, lerr := e.store.ListExecutions(ctx, store.ExecutionFilter{
				WorkflowID:        wf.ID,
				TriggeringEventID: p.TriggeringEventID,
				Limit:             1,
			})
			if lerr == nil && len(existing) > 0 {
				return existing[0], nil
			}
		}
		return nil, err
	}

	ctx = execContext(ctx, exec)
	msg := fmt.Sprintf("Execution of workflow %q created", wf.Name)
	if err := e.store.AppendLog(ctx, e.execLog(exec, schema.LogStepExecutionCreated, schema.LogInfo, msg, nil)); err != nil {
		e.logger.WarnContext(ctx, "append creation log failed", "error", err)
	}

	if _, err := e.queue.Enqueue(ctx, queue.FamilyWorkflow, workflowTask{ExecutionID: exec.ID}, 0); err != nil {
		// The execution stays PENDING; RecoverStalled re-enqueues it.
		e.logger.ErrorContext(ctx, "enqueue execution failed", "error", err)
	}
	e.publishStatus(ctx, exec)
	e.logger.InfoContext(ctx, "execution created", "workflow_id", wf.ID)
	return exec, nil
}

// GetExecution returns an execution scoped to an organization.
func (e *ExecutionEngine) GetExecution(ctx context.Context, id, orgID string) (*store.Execution, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if orgID != "" && exec.OrganizationID != orgID {
		return nil, schema.NotFound("execution", id)
	}
	return exec, nil
}

// ExecutionLogs returns the audit trail of an execution.
func (e *ExecutionEngine) ExecutionLogs(ctx context.Context, id string) ([]*store.LogEntry, error) {
	return e.store.ListLogs(ctx, store.LogFilter{ExecutionID: id})
}

// ListExecutions lists an organization's executions, optionally for one workflow.
func (e *ExecutionEngine) ListExecutions(ctx context.Context, orgID, workflowID string, limit int) ([]*store.Execution, error) {
	return e.store.ListExecutions(ctx, store.ExecutionFilter{
		OrganizationID: orgID,
		WorkflowID:     workflowID,
		Limit:          limit,
	})
}

// HandleTask is the queue handler for the workflow family.
func (e *ExecutionEngine) HandleTask(ctx context.Context, task *store.Task) error {
	var p workflowTask
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.ExecutionID == "" {
		return queue.Permanent(schema.NewErrorf(schema.ErrCodeValidation, "malformed workflow task %s", task.ID))
	}
	if p.Resume {
		return e.Resume(ctx, p.ExecutionID)
	}
	return e.ExecuteWorkflow(ctx, p.ExecutionID)
}

// ExecuteWorkflow starts a PENDING execution and drives it until it
// completes, fails or suspends. Any other status is a duplicate delivery and
// is ignored.
func (e *ExecutionEngine) ExecuteWorkflow(ctx context.Context, id string) error {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return queue.Permanent(err)
		}
		return err
	}
	ctx = execContext(ctx, exec)
	if exec.Status != schema.StatusPending {
		e.logger.DebugContext(ctx, "duplicate delivery ignored", "status", exec.Status)
		return nil
	}

	wf, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return err
		}
		return e.fail(ctx, exec, store.ExecutionGuard{Status: schema.StatusPending}, nil, err)
	}

	if err := checkTransition("execution", exec.ID, exec.Status, schema.StatusRunning); err != nil {
		return queue.Permanent(err)
	}
	now := e.now().UTC()
	msg := fmt.Sprintf("Running workflow %q (%d steps)", wf.Name, len(planOf(exec, wf)))
	ok, err := e.store.TransitionExecution(ctx, exec.ID,
		store.ExecutionGuard{Status: schema.StatusPending},
		store.ExecutionUpdate{
			Status:    store.Ptr(schema.StatusRunning),
			StartedAt: &now,
			Log:       e.execLog(exec, schema.LogStepExecutionStarted, schema.LogInfo, msg, nil),
		})
	if err != nil {
		return err
	}
	if !ok {
		e.logger.DebugContext(ctx, "execution claimed elsewhere")
		return nil
	}
	exec.Status = schema.StatusRunning
	exec.StartedAt = &now
	e.publishStatus(ctx, exec)

	return e.run(ctx, exec, wf)
}

// Resume continues an execution parked in the sleeping or resumable wait
// state from its current step index.
func (e *ExecutionEngine) Resume(ctx context.Context, id string) error {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return queue.Permanent(err)
		}
		return err
	}
	ctx = execContext(ctx, exec)
	if exec.Status != schema.StatusRunning ||
		(exec.WaitState != schema.WaitSleeping && exec.WaitState != schema.WaitResumable) {
		e.logger.DebugContext(ctx, "resume ignored", "status", exec.Status, "wait_state", exec.WaitState)
		return nil
	}

	now := e.now().UTC()
	if exec.WaitState == schema.WaitSleeping && exec.ResumeAt != nil && now.Before(*exec.ResumeAt) {
		_, err := e.queue.Enqueue(ctx, queue.FamilyWorkflow,
			workflowTask{ExecutionID: exec.ID, Resume: true}, exec.ResumeAt.Sub(now))
		return err
	}
	if err := checkWait(exec.ID, exec.WaitState, schema.WaitNone); err != nil {
		return queue.Permanent(err)
	}

	wf, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return err
		}
		return e.fail(ctx, exec, store.ExecutionGuard{Status: schema.StatusRunning}, exec.StepResults, err)
	}

	idx := exec.CurrentStepIndex
	msg := fmt.Sprintf("Resuming at step %d of %d", idx+1, len(planOf(exec, wf)))
	ok, err := e.store.TransitionExecution(ctx, exec.ID,
		store.ExecutionGuard{
			Status:     schema.StatusRunning,
			WaitStates: []schema.WaitState{schema.WaitSleeping, schema.WaitResumable},
			StepIndex:  &idx,
		},
		store.ExecutionUpdate{
			WaitState:     store.Ptr(schema.WaitNone),
			ClearResumeAt: true,
			Log:           e.execLog(exec, schema.LogStepExecutionResumed, schema.LogInfo, msg, nil),
		})
	if err != nil {
		return err
	}
	if !ok {
		e.logger.DebugContext(ctx, "resume claimed elsewhere")
		return nil
	}
	exec.WaitState = schema.WaitNone
	exec.ResumeAt = nil
	e.publishStatus(ctx, exec)

	return e.run(ctx, exec, wf)
}

// ResolveApproval delivers an approve or reject decision to an execution
// waiting on an approval step.
func (e *ExecutionEngine) ResolveApproval(ctx context.Context, id, orgID string, signal schema.ApprovalSignal) (*store.Execution, error) {
	if err := signal.Validate(); err != nil {
		return nil, err
	}
	exec, err := e.GetExecution(ctx, id, orgID)
	if err != nil {
		return nil, err
	}
	ctx = execContext(ctx, exec)
	if exec.Status != schema.StatusRunning || exec.WaitState != schema.WaitAwaitingApproval {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"execution %q is not awaiting approval (status %s)", id, exec.Status)
	}
	n := len(exec.StepResults)
	if n == 0 || exec.StepResults[n-1].Status != schema.StepStatusAwaitingApproval {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "execution %q has no pending approval step", id)
	}

	wf, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return nil, err
	}
	idx := exec.CurrentStepIndex
	label := fmt.Sprintf("%d", idx+1)
	if plan := planOf(exec, wf); idx < len(plan) {
		label = plan[idx].Label(idx)
	}
	actor := signal.Actor
	if actor == "" {
		actor = "unknown"
	}
	guard := store.ExecutionGuard{
		Status:     schema.StatusRunning,
		WaitStates: []schema.WaitState{schema.WaitAwaitingApproval},
		StepIndex:  &idx,
	}

	if signal.Decision == schema.ApprovalReject {
		msg := fmt.Sprintf("rejected by %s", actor)
		if signal.Comment != "" {
			msg += ": " + signal.Comment
		}
		rejectErr := schema.NewError(schema.ErrCodeStepFailed, msg).WithStep(label)
		ok, err := e.finishFailed(ctx, exec, guard, exec.StepResults[:n-1], rejectErr)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "approval for execution %q already resolved", id)
		}
		return exec, nil
	}

	if err := checkWait(exec.ID, exec.WaitState, schema.WaitResumable); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	decision, err := json.Marshal(map[string]any{
		"decision":  signal.Decision,
		"actor":     signal.Actor,
		"comment":   signal.Comment,
		"decidedAt": now,
	})
	if err != nil {
		return nil, err
	}
	results := slices.Clone(exec.StepResults)
	last := &results[n-1]
	last.Status = schema.StepStatusCompleted
	last.Output = decision
	last.CompletedAt = now
	last.DurationMs = now.Sub(last.StartedAt).Milliseconds()

	next := idx + 1
	ok, err := e.store.TransitionExecution(ctx, exec.ID, guard, store.ExecutionUpdate{
		CurrentStepIndex: &next,
		StepResults:      results,
		WaitState:        store.Ptr(schema.WaitResumable),
		Log: e.execLog(exec, schema.LogStepExecutionResumed, schema.LogInfo,
			fmt.Sprintf("Step %s approved by %s", label, actor), map[string]any{"comment": signal.Comment}),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "approval for execution %q already resolved", id)
	}
	exec.CurrentStepIndex = next
	exec.StepResults = results
	exec.WaitState = schema.WaitResumable
	e.publishStatus(ctx, exec)

	if _, err := e.queue.Enqueue(ctx, queue.FamilyWorkflow, workflowTask{ExecutionID: exec.ID, Resume: true}, 0); err != nil {
		e.logger.ErrorContext(ctx, "enqueue resume failed", "error", err)
	}
	return exec, nil
}

// RecoverStalled re-enqueues executions whose queue task was lost: PENDING
// runs never picked up, sleepers past their resume time and approved runs
// never resumed. Only executions untouched for olderThan are considered.
// Executions left RUNNING mid-step by a worker that died are failed once
// they have been quiet past olderThan plus the step's own time budget.
func (e *ExecutionEngine) RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := e.now().Add(-olderThan)
	recovered := 0
	for _, filter := range []store.ExecutionFilter{
		{Status: schema.StatusPending},
		{Status: schema.StatusRunning, WaitStates: []schema.WaitState{schema.WaitSleeping, schema.WaitResumable}},
	} {
		stalled, err := e.scan(ctx, filter, func(exec *store.Execution) bool {
			_, ok := stalledTask(exec, cutoff)
			return ok
		})
		if err != nil {
			return recovered, err
		}
		for _, exec := range stalled {
			task, _ := stalledTask(exec, cutoff)
			if _, err := e.queue.Enqueue(ctx, queue.FamilyWorkflow, task, 0); err != nil {
				return recovered, err
			}
			recovered++
		}
	}

	orphans, err := e.scan(ctx,
		store.ExecutionFilter{Status: schema.StatusRunning, WaitStates: []schema.WaitState{schema.WaitNone}},
		func(exec *store.Execution) bool { return e.abandoned(exec, cutoff) })
	if err != nil {
		return recovered, err
	}
	for _, exec := range orphans {
		ok, err := e.failAbandoned(ctx, exec)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}

	if recovered > 0 {
		e.logger.InfoContext(ctx, "recovered stalled executions", "count", recovered)
	}
	return recovered, nil
}

func (e *ExecutionEngine) scan(ctx context.Context, filter store.ExecutionFilter, keep func(*store.Execution) bool) ([]*store.Execution, error) {
	return collectPages(func(offset int) ([]*store.Execution, error) {
		filter.Limit, filter.Offset = recoveryPageSize, offset
		return e.store.ListExecutions(ctx, filter)
	}, keep)
}

func stalledTask(exec *store.Execution, cutoff time.Time) (workflowTask, bool) {
	if exec.UpdatedAt.After(cutoff) {
		return workflowTask{}, false
	}
	switch {
	case exec.Status == schema.StatusPending:
		return workflowTask{ExecutionID: exec.ID}, true
	case exec.WaitState == schema.WaitResumable:
		return workflowTask{ExecutionID: exec.ID, Resume: true}, true
	case exec.WaitState == schema.WaitSleeping && exec.ResumeAt != nil && exec.ResumeAt.Before(cutoff):
		return workflowTask{ExecutionID: exec.ID, Resume: true}, true
	}
	return workflowTask{}, false
}

// planOf returns the steps exec was started with. Executions created before
// steps were recorded on them follow the current definition.
func planOf(exec *store.Execution, wf *store.Workflow) []schema.StepSpec {
	if exec.Steps != nil {
		return exec.Steps
	}
	return wf.Steps
}

// run drives steps from exec.CurrentStepIndex. exec must be RUNNING with no
// wait state.
func (e *ExecutionEngine) run(ctx context.Context, exec *store.Execution, wf *store.Workflow) error {
	plan := planOf(exec, wf)
	scope := expressions.NewScope(exec.InputData, executionMeta(exec, wf))
	for _, r := range exec.StepResults {
		if r.Status == schema.StepStatusAwaitingApproval {
			continue
		}
		if err := scope.AddStepOutput(r.Key, r.Output); err != nil {
			return e.fail(ctx, exec, store.ExecutionGuard{Status: schema.StatusRunning}, exec.StepResults, err)
		}
	}
	results := slices.Clone(exec.StepResults)

	for i := exec.CurrentStepIndex; i < len(plan); i++ {
		spec := plan[i]
		key := spec.Key(i)
		stepCtx := logging.WithStep(ctx, spec.Label(i))
		if cause := context.Cause(ctx); cause != nil {
			return e.failStep(stepCtx, exec, results, i, spec, interrupted(cause))
		}
		started := e.now().UTC()
		data := scope.Data()

		if spec.Condition != "" {
			pass, err := e.cel.EvaluateBool(stepCtx, spec.Condition, data)
			if err != nil {
				e.metrics.StepObserved(spec.StepType, OutcomeFailed, 0)
				return e.failStep(stepCtx, exec, results, i, spec, err)
			}
			if !pass {
				if err := scope.AddStepOutput(key, nullJSON); err != nil {
					e.metrics.StepObserved(spec.StepType, OutcomeFailed, 0)
					return e.failStep(stepCtx, exec, results, i, spec, err)
				}
				e.metrics.StepObserved(spec.StepType, OutcomeSkipped, 0)
				results = append(results, store.StepResult{
					Index: i, Key: key, StepType: spec.StepType, Status: schema.StepStatusSkipped,
					Output: nullJSON, StartedAt: started, CompletedAt: started,
				})
				if ok, err := e.advance(stepCtx, exec, i, results); err != nil || !ok {
					return err
				}
				e.logger.InfoContext(stepCtx, "step skipped", "condition", spec.Condition)
				continue
			}
		}

		res, err := e.runStep(stepCtx, exec, i, key, spec, data)
		finished := e.now().UTC()
		duration := finished.Sub(started)
		if err != nil {
			e.metrics.StepObserved(spec.StepType, OutcomeFailed, duration)
			return e.failStep(stepCtx, exec, results, i, spec, err)
		}

		output := res.Output
		if len(output) == 0 {
			output = nullJSON
		}
		result := store.StepResult{
			Index: i, Key: key, StepType: spec.StepType, Status: schema.StepStatusCompleted,
			Output: output, StartedAt: started, CompletedAt: finished, DurationMs: duration.Milliseconds(),
		}

		if res.Suspend != nil {
			e.metrics.StepObserved(spec.StepType, OutcomeSuspended, duration)
			return e.suspend(stepCtx, exec, i, spec, results, result, res.Suspend)
		}
		e.metrics.StepObserved(spec.StepType, OutcomeCompleted, duration)

		results = append(results, result)
		if ok, err := e.advance(stepCtx, exec, i, results); err != nil || !ok {
			return err
		}
		if err := scope.AddStepOutput(key, output); err != nil {
			return e.failStep(stepCtx, exec, results, i, spec, err)
		}
		e.publishStep(stepCtx, exec, result)
		e.logger.InfoContext(stepCtx, "step completed", "duration_ms", result.DurationMs)
	}

	return e.complete(ctx, exec, results, scope)
}

// runStep invokes the handler for one step, applying the step's retry policy
// to retryable failures.
func (e *ExecutionEngine) runStep(ctx context.Context, exec *store.Execution, i int, key string, spec schema.StepSpec, data map[string]any) (*steps.Result, error) {
	h, err := e.steps.Get(spec.StepType)
	if err != nil {
		return nil, err
	}
	timeout := e.timeoutFor(spec)
	req := &steps.Request{
		ExecutionID:    exec.ID,
		OrganizationID: exec.OrganizationID,
		Index:          i,
		Key:            key,
		Step:           spec,
		Data:           data,
	}

	attempts := 1
	if spec.Retry != nil && !singleAttempt(h) {
		attempts += spec.Retry.Max
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(spec.Retry, attempt-1)
			e.logger.InfoContext(ctx, "retrying step", "attempt", attempt+1, "delay", delay, "error", lastErr)
			if err := WaitForBackoff(ctx, delay); err != nil {
				return nil, interrupted(context.Cause(ctx))
			}
		}
		res, err := e.attempt(ctx, h, req, timeout)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !IsRetryableError(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

type stepOutcome struct {
	res *steps.Result
	err error
}

// attempt runs the handler once under the step timeout. A handler that
// ignores its context still cannot hold the execution past the deadline.
func (e *ExecutionEngine) attempt(ctx context.Context, h steps.Handler, req *steps.Request, timeout time.Duration) (*steps.Result, error) {
	breakerKey := string(h.Type())
	if err := e.breakers.AllowRequest(breakerKey); err != nil {
		return nil, err
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan stepOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stepOutcome{err: schema.NewErrorf(schema.ErrCodeStepFailed, "step handler panicked: %v", r)}
			}
		}()
		res, err := h.Execute(stepCtx, req)
		done <- stepOutcome{res: res, err: err}
	}()

	var out stepOutcome
	select {
	case out = <-done:
	case <-stepCtx.Done():
		out = stepOutcome{err: stepCtx.Err()}
	}

	if out.err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		out.err = schema.NewErrorf(schema.ErrCodeTimeout, "step timed out after %s", timeout).WithCause(out.err)
	}
	if out.err != nil && ctx.Err() != nil {
		return nil, interrupted(context.Cause(ctx))
	}
	if out.err != nil {
		if countsAgainstBreaker(out.err) {
			e.breakers.RecordFailure(breakerKey)
		}
		return nil, out.err
	}
	e.breakers.RecordSuccess(breakerKey)
	if out.res == nil {
		out.res = &steps.Result{Output: nullJSON}
	}
	return out.res, nil
}

func singleAttempt(h steps.Handler) bool {
	sa, ok := h.(steps.SingleAttempt)
	return ok && sa.SingleAttempt()
}

// interrupted reports a step cut short because its run was cancelled, most
// often by a worker shutting down.
func interrupted(cause error) error {
	return schema.NewErrorf(schema.ErrCodeStepFailed, "step interrupted: %v", cause).WithCause(cause)
}

// advance persists results and moves the index past step i. Progress and
// terminal writes run on a context detached from cancellation so a run that
// has started is always left in a recorded state.
func (e *ExecutionEngine) advance(ctx context.Context, exec *store.Execution, i int, results []store.StepResult) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	next := i + 1
	ok, err := e.store.TransitionExecution(ctx, exec.ID,
		store.ExecutionGuard{Status: schema.StatusRunning, StepIndex: &i},
		store.ExecutionUpdate{CurrentStepIndex: &next, StepResults: results})
	if err != nil {
		return false, err
	}
	if !ok {
		e.logger.WarnContext(ctx, "execution advanced elsewhere, stopping", "step_index", i)
		return false, nil
	}
	exec.CurrentStepIndex = next
	exec.StepResults = results
	return true, nil
}

// suspend parks the execution after step i asked to hand control back.
func (e *ExecutionEngine) suspend(ctx context.Context, exec *store.Execution, i int, spec schema.StepSpec, results []store.StepResult, result store.StepResult, s *steps.Suspension) error {
	ctx = context.WithoutCancel(ctx)
	label := spec.Label(i)

	switch s.Kind {
	case steps.SuspendApproval:
		if err := checkWait(exec.ID, exec.WaitState, schema.WaitAwaitingApproval); err != nil {
			return e.failStep(ctx, exec, results, i, spec, err)
		}
		result.Status = schema.StepStatusAwaitingApproval
		result.Output = nullJSON
		results = append(results, result)
		msg := fmt.Sprintf("Waiting for approval at step %s: %s", label, s.Message)
		ok, err := e.store.TransitionExecution(ctx, exec.ID,
			store.ExecutionGuard{Status: schema.StatusRunning, StepIndex: &i},
			store.ExecutionUpdate{
				WaitState:   store.Ptr(schema.WaitAwaitingApproval),
				StepResults: results,
				Log: e.execLog(exec, schema.LogStepExecutionSuspended, schema.LogInfo, msg,
					map[string]any{"approvers": s.Approvers}),
			})
		if err != nil || !ok {
			return err
		}
		exec.WaitState = schema.WaitAwaitingApproval
		exec.StepResults = results
		e.publishStatus(ctx, exec)
		e.logger.InfoContext(ctx, "execution awaiting approval")
		return nil

	case steps.SuspendSleep:
		if err := checkWait(exec.ID, exec.WaitState, schema.WaitSleeping); err != nil {
			return e.failStep(ctx, exec, results, i, spec, err)
		}
		results = append(results, result)
		next := i + 1
		resumeAt := s.ResumeAt.UTC()
		msg := fmt.Sprintf("Sleeping after step %s until %s", label, resumeAt.Format(time.RFC3339))
		ok, err := e.store.TransitionExecution(ctx, exec.ID,
			store.ExecutionGuard{Status: schema.StatusRunning, StepIndex: &i},
			store.ExecutionUpdate{
				CurrentStepIndex: &next,
				StepResults:      results,
				WaitState:        store.Ptr(schema.WaitSleeping),
				ResumeAt:         &resumeAt,
				Log:              e.execLog(exec, schema.LogStepExecutionSuspended, schema.LogInfo, msg, nil),
			})
		if err != nil || !ok {
			return err
		}
		exec.CurrentStepIndex = next
		exec.StepResults = results
		exec.WaitState = schema.WaitSleeping
		exec.ResumeAt = &resumeAt
		e.publishStep(ctx, exec, result)
		e.publishStatus(ctx, exec)

		delay := max(resumeAt.Sub(e.now()), 0)
		if _, err := e.queue.Enqueue(ctx, queue.FamilyWorkflow, workflowTask{ExecutionID: exec.ID, Resume: true}, delay); err != nil {
			e.logger.ErrorContext(ctx, "enqueue delayed resume failed", "error", err)
		}
		return nil

	default:
		err := schema.NewErrorf(schema.ErrCodeStepFailed, "unknown suspension kind %q", s.Kind)
		return e.failStep(ctx, exec, results, i, spec, err)
	}
}

// complete moves a run whose steps all succeeded to COMPLETED. The result
// maps each step key to its output.
func (e *ExecutionEngine) complete(ctx context.Context, exec *store.Execution, results []store.StepResult, scope *expressions.Scope) error {
	ctx = context.WithoutCancel(ctx)
	if err := checkTransition("execution", exec.ID, exec.Status, schema.StatusCompleted); err != nil {
		return queue.Permanent(err)
	}
	resultJSON, err := json.Marshal(scope.StepOutputs())
	if err != nil {
		return e.fail(ctx, exec, store.ExecutionGuard{Status: schema.StatusRunning}, results, err)
	}
	now := e.now().UTC()
	duration := elapsedMs(exec.StartedAt, now)
	idx := exec.CurrentStepIndex
	msg := fmt.Sprintf("Workflow completed: %d steps", len(results))
	ok, err := e.store.TransitionExecution(ctx, exec.ID,
		store.ExecutionGuard{Status: schema.StatusRunning, StepIndex: &idx},
		store.ExecutionUpdate{
			Status:      store.Ptr(schema.StatusCompleted),
			WaitState:   store.Ptr(schema.WaitNone),
			Result:      resultJSON,
			CompletedAt: &now,
			DurationMs:  &duration,
			Log: e.execLog(exec, schema.LogStepExecutionCompleted, schema.LogSuccess, msg,
				map[string]any{"durationMs": duration}),
		})
	if err != nil || !ok {
		return err
	}
	exec.Status = schema.StatusCompleted
	exec.Result = resultJSON
	exec.CompletedAt = &now
	exec.DurationMs = &duration
	e.logger.InfoContext(ctx, "execution completed", "duration_ms", duration)
	e.finished(ctx, exec)
	return nil
}

// failStep fails the run on step i. results holds only the steps that
// succeeded before it.
func (e *ExecutionEngine) failStep(ctx context.Context, exec *store.Execution, results []store.StepResult, i int, spec schema.StepSpec, err error) error {
	label := spec.Label(i)
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		fe = &schema.FlowError{Code: fe.Code, Message: fe.Message, Details: fe.Details, Step: label, Cause: err}
	} else {
		fe = schema.NewError(schema.ErrCodeStepFailed, err.Error()).WithStep(label).WithCause(err)
	}
	e.logger.WarnContext(ctx, "step failed", "code", fe.Code, "error", fe.Message)
	return e.fail(ctx, exec, store.ExecutionGuard{Status: schema.StatusRunning}, results, fe)
}

// fail records a terminal FAILED state and returns cause wrapped as a
// permanent queue error, so the delivery is observed but never redelivered.
func (e *ExecutionEngine) fail(ctx context.Context, exec *store.Execution, guard store.ExecutionGuard, results []store.StepResult, cause error) error {
	ok, err := e.finishFailed(ctx, exec, guard, results, cause)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return queue.Permanent(cause)
}

func (e *ExecutionEngine) finishFailed(ctx context.Context, exec *store.Execution, guard store.ExecutionGuard, results []store.StepResult, cause error) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	if err := checkTransition("execution", exec.ID, exec.Status, schema.StatusFailed); err != nil {
		return false, err
	}
	if results == nil {
		results = []store.StepResult{}
	}
	msg := schema.PublicMessage(cause)
	now := e.now().UTC()
	duration := elapsedMs(exec.StartedAt, now)
	ok, err := e.store.TransitionExecution(ctx, exec.ID, guard, store.ExecutionUpdate{
		Status:        store.Ptr(schema.StatusFailed),
		WaitState:     store.Ptr(schema.WaitNone),
		ClearResumeAt: true,
		StepResults:   results,
		Error:         &msg,
		CompletedAt:   &now,
		DurationMs:    &duration,
		Log: e.execLog(exec, schema.LogStepExecutionFailed, schema.LogError, msg,
			map[string]any{"code": schema.CodeOf(cause)}),
	})
	if err != nil {
		return false, err
	}
	if !ok {
		e.logger.DebugContext(ctx, "failure not recorded, execution moved on")
		return false, nil
	}
	exec.Status = schema.StatusFailed
	exec.WaitState = schema.WaitNone
	exec.ResumeAt = nil
	exec.StepResults = results
	exec.Error = msg
	exec.CompletedAt = &now
	exec.DurationMs = &duration
	e.logger.WarnContext(ctx, "execution failed", "error", msg)
	e.finished(ctx, exec)
	return true, nil
}

func (e *ExecutionEngine) finished(ctx context.Context, exec *store.Execution) {
	e.metrics.ExecutionFinished(exec.Status)
	e.publishStatus(ctx, exec)

	e.hooksMu.RLock()
	hooks := slices.Clone(e.hooks)
	e.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, exec)
	}
}

func (e *ExecutionEngine) execLog(exec *store.Execution, step string, status schema.LogStatus, msg string, data map[string]any) *store.LogEntry {
	return &store.LogEntry{
		JobID:       exec.JobID,
		ExecutionID: exec.ID,
		Step:        step,
		Status:      status,
		Message:     schema.Redact(msg),
		Data:        logData(data),
	}
}

func (e *ExecutionEngine) publishStatus(ctx context.Context, exec *store.Execution) {
	payload := map[string]any{"currentStepIndex": exec.CurrentStepIndex}
	if exec.WaitState != schema.WaitNone {
		payload["waitState"] = exec.WaitState
	}
	if exec.Error != "" {
		payload["error"] = exec.Error
	}
	publish(ctx, e.hub, e.logger, streaming.StreamEvent{
		OrganizationID: exec.OrganizationID,
		ExecutionID:    exec.ID,
		JobID:          exec.JobID,
		EventType:      schema.StreamExecutionStatus,
		Status:         string(exec.Status),
		Payload:        payload,
		Timestamp:      e.now().UTC(),
	})
}

func (e *ExecutionEngine) publishStep(ctx context.Context, exec *store.Execution, r store.StepResult) {
	publish(ctx, e.hub, e.logger, streaming.StreamEvent{
		OrganizationID: exec.OrganizationID,
		ExecutionID:    exec.ID,
		JobID:          exec.JobID,
		Step:           r.Key,
		EventType:      schema.StreamStepCompleted,
		Status:         string(r.Status),
		Payload:        r,
		Timestamp:      r.CompletedAt,
	})
}

func execContext(ctx context.Context, exec *store.Execution) context.Context {
	ctx = logging.WithOrganizationID(ctx, exec.OrganizationID)
	ctx = logging.WithExecutionID(ctx, exec.ID)
	if exec.JobID != "" {
		ctx = logging.WithJobID(ctx, exec.JobID)
	}
	return ctx
}

// executionMeta is exposed to steps as the "execution" scope variable.
func executionMeta(exec *store.Execution, wf *store.Workflow) map[string]any {
	meta := map[string]any{
		"id":             exec.ID,
		"workflowId":     exec.WorkflowID,
		"workflowName":   wf.Name,
		"organizationId": exec.OrganizationID,
	}
	if exec.TriggeringEventID != "" {
		meta["triggeringEventId"] = exec.TriggeringEventID
	}
	if exec.JobID != "" {
		meta["jobId"] = exec.JobID
	}
	if exec.StartedAt != nil {
		meta["startedAt"] = exec.StartedAt.Format(time.RFC3339Nano)
	}
	return meta
}
