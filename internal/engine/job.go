package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/providers"
	"github.com/rendis/opflow/internal/queue"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

const (
	// DefaultHistoryLimit caps ListJobHistory when no limit is given.
	DefaultHistoryLimit = 50
	// DefaultTaskTimeout bounds one ad hoc task interpretation.
	DefaultTaskTimeout = 2 * time.Minute
)

// JobConfig tunes the job engine.
type JobConfig struct {
	TaskTimeout time.Duration
}

// JobDeps are the collaborators of the job engine. Store, Executions,
// Interpreter and Queue are required.
type JobDeps struct {
	Store       store.Store
	Executions  *ExecutionEngine
	Interpreter providers.TaskInterpreter
	Queue       Enqueuer
	Hub         streaming.EventHub
	Metrics     Metrics
	Logger      *slog.Logger
}

// jobTask is the payload of a task in the automation family.
type jobTask struct {
	JobID string `json:"jobId"`
}

// JobResult is what a client gets back for a COMPLETED job.
type JobResult struct {
	Result        json.RawMessage   `json:"result"`
	ExecutionTime int64             `json:"executionTime"`
	Logs          []*store.LogEntry `json:"logs"`
}

// JobEngine owns the state machine of automation jobs. Ad hoc jobs run the
// task interpreter inline on the worker; workflow-backed jobs hand off to
// the execution engine and are finalized by its finish hook.
type JobEngine struct {
	store       store.Store
	executions  *ExecutionEngine
	interpreter providers.TaskInterpreter
	queue       Enqueuer
	hub         streaming.EventHub
	metrics     Metrics
	logger      *slog.Logger
	taskTimeout time.Duration
	now         func() time.Time
}

// NewJobEngine creates a JobEngine and registers its finish hook on the
// execution engine.
func NewJobEngine(deps JobDeps, cfg JobConfig) (*JobEngine, error) {
	if deps.Store == nil || deps.Executions == nil || deps.Interpreter == nil || deps.Queue == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "job engine requires store, execution engine, interpreter and queue")
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	j := &JobEngine{
		store:       deps.Store,
		executions:  deps.Executions,
		interpreter: deps.Interpreter,
		queue:       deps.Queue,
		hub:         deps.Hub,
		metrics:     metrics,
		logger:      logging.OrDefault(deps.Logger),
		taskTimeout: cfg.TaskTimeout,
		now:         time.Now,
	}
	deps.Executions.OnFinished(j.onExecutionFinished)
	return j, nil
}

// CreateJob persists a PENDING job and enqueues it.
func (j *JobEngine) CreateJob(ctx context.Context, orgID, userID string, in *schema.JobInput) (*store.Job, error) {
	if orgID == "" || userID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "organization and user are required")
	}
	if err := validation.ValidateJob(in); err != nil {
		return nil, err
	}
	if in.WorkflowID != "" {
		wf, err := j.store.GetWorkflow(ctx, in.WorkflowID)
		if err != nil {
			return nil, err
		}
		if wf.OrganizationID != orgID {
			return nil, schema.NotFound("workflow", in.WorkflowID)
		}
	}

	now := j.now().UTC()
	job := &store.Job{
		ID:              uuid.New().String(),
		OrganizationID:  orgID,
		UserID:          userID,
		WorkflowID:      in.WorkflowID,
		TaskDescription: in.TaskDescription,
		InputData:       in.InputData,
		ExpectedOutput:  in.ExpectedOutput,
		Status:          schema.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := j.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	ctx = logging.WithJobID(logging.WithOrganizationID(ctx, orgID), job.ID)
	if _, err := j.queue.Enqueue(ctx, queue.FamilyAutomation, jobTask{JobID: job.ID}, 0); err != nil {
		// The job stays PENDING; RecoverStalled re-enqueues it.
		j.logger.ErrorContext(ctx, "enqueue job failed", "error", err)
	}
	j.publishStatus(ctx, job)
	j.logger.InfoContext(ctx, "job created", "workflow_id", in.WorkflowID)
	return job, nil
}

// GetJobStatus returns a job with its logs. A job owned by another user is
// reported exactly like a missing one.
func (j *JobEngine) GetJobStatus(ctx context.Context, id, userID string) (*store.Job, error) {
	job, err := j.store.GetJob(ctx, id)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NotFound("job", id)
		}
		return nil, err
	}
	if job.UserID != userID {
		return nil, schema.NotFound("job", id)
	}
	return job, nil
}

// GetJobResult returns the result of a COMPLETED job.
func (j *JobEngine) GetJobResult(ctx context.Context, id, userID string) (*JobResult, error) {
	job, err := j.GetJobStatus(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if job.Status != schema.StatusCompleted {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "job %q is %s, not COMPLETED", id, job.Status)
	}
	res := &JobResult{Result: job.Result, Logs: job.Logs}
	if job.ExecutionTimeMs != nil {
		res.ExecutionTime = *job.ExecutionTimeMs
	}
	if res.Logs == nil {
		res.Logs = []*store.LogEntry{}
	}
	return res, nil
}

// ListJobHistory lists a user's jobs in an organization, newest first.
func (j *JobEngine) ListJobHistory(ctx context.Context, orgID, userID string, limit int) ([]*store.Job, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return j.store.ListJobs(ctx, store.JobFilter{OrganizationID: orgID, UserID: userID, Limit: limit})
}

// HandleTask is the queue handler for the automation family.
func (j *JobEngine) HandleTask(ctx context.Context, task *store.Task) error {
	var p jobTask
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.JobID == "" {
		return queue.Permanent(schema.NewErrorf(schema.ErrCodeValidation, "malformed automation task %s", task.ID))
	}
	return j.ProcessJob(ctx, p.JobID)
}

// ProcessJob is the worker entry point. A job that is not PENDING was
// already picked up by an earlier delivery and is left untouched. A failure
// is recorded on the job and also returned, wrapped as permanent, so the
// queue observes it without redelivering.
func (j *JobEngine) ProcessJob(ctx context.Context, id string) error {
	job, err := j.store.GetJob(ctx, id)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return queue.Permanent(err)
		}
		return err
	}
	ctx = logging.WithJobID(logging.WithOrganizationID(ctx, job.OrganizationID), job.ID)
	if job.Status != schema.StatusPending {
		j.logger.DebugContext(ctx, "duplicate delivery ignored", "status", job.Status)
		return nil
	}
	if err := checkTransition("job", job.ID, job.Status, schema.StatusRunning); err != nil {
		return queue.Permanent(err)
	}

	started := j.now().UTC()
	ok, err := j.store.TransitionJob(ctx, job.ID, schema.StatusPending, store.JobUpdate{
		Status:    store.Ptr(schema.StatusRunning),
		StartedAt: &started,
		Log:       jobLog(job, schema.LogStepJobStarted, schema.LogInfo, "Processing: "+job.TaskDescription, nil),
	})
	if err != nil {
		return err
	}
	if !ok {
		j.logger.DebugContext(ctx, "job claimed elsewhere")
		return nil
	}
	job.Status = schema.StatusRunning
	job.StartedAt = &started
	j.publishStatus(ctx, job)

	if job.WorkflowID != "" {
		return j.delegate(ctx, job)
	}

	taskCtx, cancel := context.WithTimeout(ctx, j.taskTimeout)
	defer cancel()
	result, err := j.interpreter.Interpret(taskCtx, providers.Task{
		JobID:          job.ID,
		Description:    job.TaskDescription,
		InputData:      job.InputData,
		ExpectedOutput: job.ExpectedOutput,
	})
	if err != nil && taskCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = schema.NewErrorf(schema.ErrCodeTimeout, "task timed out after %s", j.taskTimeout).WithCause(err)
	}
	if err != nil && ctx.Err() != nil {
		err = schema.NewErrorf(schema.ErrCodeStepFailed, "task interrupted: %v", context.Cause(ctx)).WithCause(err)
	}
	if err != nil {
		return j.fail(ctx, job, err)
	}
	return j.complete(ctx, job, result, nil)
}

// delegate creates the execution backing a workflow job. The job stays
// RUNNING until the execution's finish hook settles it.
func (j *JobEngine) delegate(ctx context.Context, job *store.Job) error {
	ctx = context.WithoutCancel(ctx)
	exec, err := j.executions.CreateExecution(ctx, ExecutionParams{
		WorkflowID:     job.WorkflowID,
		OrganizationID: job.OrganizationID,
		JobID:          job.ID,
		InputData:      job.InputData,
	})
	if err != nil {
		return j.fail(ctx, job, err)
	}
	ok, err := j.store.TransitionJob(ctx, job.ID, schema.StatusRunning, store.JobUpdate{
		ExecutionID: &exec.ID,
		Log: jobLog(job, schema.LogStepExecutionCreated, schema.LogInfo,
			"Delegated to workflow execution "+exec.ID, map[string]any{"executionId": exec.ID}),
	})
	if err != nil {
		return err
	}
	if !ok {
		// The execution already finished and the hook settled the job.
		return nil
	}
	job.ExecutionID = exec.ID
	return nil
}

// onExecutionFinished settles the job behind a workflow execution.
func (j *JobEngine) onExecutionFinished(ctx context.Context, exec *store.Execution) {
	if exec.JobID == "" {
		return
	}
	job, err := j.store.GetJob(ctx, exec.JobID)
	if err != nil {
		j.logger.ErrorContext(ctx, "load job for finished execution", "job_id", exec.JobID, "error", err)
		return
	}
	if job.Status != schema.StatusRunning {
		return
	}
	ctx = logging.WithJobID(ctx, job.ID)
	if _, err := j.settle(ctx, job, exec); err != nil {
		j.logger.ErrorContext(ctx, "settle job failed", "error", err)
	}
}

// settle copies the outcome of a finished execution onto its RUNNING job and
// reports whether this call moved the job.
func (j *JobEngine) settle(ctx context.Context, job *store.Job, exec *store.Execution) (bool, error) {
	var err error
	if exec.Status == schema.StatusCompleted {
		err = j.complete(ctx, job, exec.Result, map[string]any{"executionId": exec.ID})
	} else {
		err = j.fail(ctx, job, schema.NewError(schema.ErrCodeStepFailed, exec.Error), "executionId", exec.ID)
	}
	return settled(job, err)
}

// settled interprets the result of complete or fail: a permanent error is
// the recorded failure, not a problem with recording it.
func settled(job *store.Job, err error) (bool, error) {
	if err != nil && !queue.IsPermanent(err) {
		return false, err
	}
	return job.Status.Terminal(), nil
}

func (j *JobEngine) complete(ctx context.Context, job *store.Job, result json.RawMessage, extra map[string]any) error {
	ctx = context.WithoutCancel(ctx)
	if err := checkTransition("job", job.ID, job.Status, schema.StatusCompleted); err != nil {
		return queue.Permanent(err)
	}
	now := j.now().UTC()
	elapsed := elapsedMs(job.StartedAt, now)
	data := map[string]any{"executionTime": elapsed}
	for k, v := range extra {
		data[k] = v
	}
	update := store.JobUpdate{
		Status:          store.Ptr(schema.StatusCompleted),
		Result:          result,
		CompletedAt:     &now,
		ExecutionTimeMs: &elapsed,
		Log:             jobLog(job, schema.LogStepJobCompleted, schema.LogSuccess, "Automation completed successfully", data),
	}
	if id, ok := extra["executionId"].(string); ok {
		update.ExecutionID = &id
	}
	ok, err := j.store.TransitionJob(ctx, job.ID, schema.StatusRunning, update)
	if err != nil || !ok {
		return err
	}
	job.Status = schema.StatusCompleted
	job.Result = result
	job.CompletedAt = &now
	job.ExecutionTimeMs = &elapsed
	j.metrics.JobFinished(job.Status)
	j.publishStatus(ctx, job)
	j.logger.InfoContext(ctx, "job completed", "execution_ms", elapsed)
	return nil
}

// fail records FAILED and returns cause wrapped as permanent. kv adds
// key/value pairs to the log data.
func (j *JobEngine) fail(ctx context.Context, job *store.Job, cause error, kv ...string) error {
	ctx = context.WithoutCancel(ctx)
	if err := checkTransition("job", job.ID, job.Status, schema.StatusFailed); err != nil {
		return queue.Permanent(err)
	}
	msg := schema.PublicMessage(cause)
	now := j.now().UTC()
	elapsed := elapsedMs(job.StartedAt, now)
	data := map[string]any{"executionTime": elapsed, "code": schema.CodeOf(cause)}
	for i := 0; i+1 < len(kv); i += 2 {
		data[kv[i]] = kv[i+1]
	}
	update := store.JobUpdate{
		Status:          store.Ptr(schema.StatusFailed),
		Error:           &msg,
		CompletedAt:     &now,
		ExecutionTimeMs: &elapsed,
		Log:             jobLog(job, schema.LogStepJobFailed, schema.LogError, msg, data),
	}
	if id, ok := data["executionId"].(string); ok {
		update.ExecutionID = &id
	}
	ok, err := j.store.TransitionJob(ctx, job.ID, schema.StatusRunning, update)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	job.Status = schema.StatusFailed
	job.Error = msg
	job.CompletedAt = &now
	job.ExecutionTimeMs = &elapsed
	j.metrics.JobFinished(job.Status)
	j.publishStatus(ctx, job)
	j.logger.WarnContext(ctx, "job failed", "error", msg)
	return queue.Permanent(fmt.Errorf("job %s: %w", job.ID, cause))
}

// RecoverStalled repairs jobs untouched for olderThan. PENDING jobs are
// re-enqueued. RUNNING workflow jobs whose execution already finished are
// settled from it, and those whose execution was never created are failed.
// RUNNING ad hoc jobs quiet past the task timeout lost their worker and are
// failed.
func (j *JobEngine) RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := j.now().Add(-olderThan)
	stale := func(job *store.Job) bool { return !job.UpdatedAt.After(cutoff) }

	pending, err := j.scan(ctx, schema.StatusPending, stale)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range pending {
		if _, err := j.queue.Enqueue(ctx, queue.FamilyAutomation, jobTask{JobID: job.ID}, 0); err != nil {
			return n, err
		}
		n++
	}

	running, err := j.scan(ctx, schema.StatusRunning, stale)
	if err != nil {
		return n, err
	}
	for _, job := range running {
		ok, err := j.recoverRunning(ctx, job, cutoff)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}

	if n > 0 {
		j.logger.InfoContext(ctx, "recovered stalled jobs", "count", n)
	}
	return n, nil
}

func (j *JobEngine) scan(ctx context.Context, status schema.RunStatus, keep func(*store.Job) bool) ([]*store.Job, error) {
	return collectPages(func(offset int) ([]*store.Job, error) {
		return j.store.ListJobs(ctx, store.JobFilter{
			Status:      status,
			OldestFirst: true,
			Limit:       recoveryPageSize,
			Offset:      offset,
		})
	}, keep)
}

func (j *JobEngine) recoverRunning(ctx context.Context, job *store.Job, cutoff time.Time) (bool, error) {
	ctx = logging.WithJobID(logging.WithOrganizationID(ctx, job.OrganizationID), job.ID)

	if job.WorkflowID == "" {
		if job.UpdatedAt.Add(j.taskTimeout).After(cutoff) {
			return false, nil
		}
		cause := schema.NewError(schema.ErrCodeTimeout, "worker stopped before the task finished")
		return settled(job, j.fail(ctx, job, cause))
	}

	exec, err := j.backingExecution(ctx, job)
	if err != nil {
		return false, err
	}
	if exec == nil {
		cause := schema.NewError(schema.ErrCodeStepFailed, "workflow execution was never created")
		return settled(job, j.fail(ctx, job, cause))
	}
	if !exec.Status.Terminal() {
		return false, nil
	}
	j.logger.InfoContext(ctx, "settling job from finished execution", "execution_id", exec.ID)
	return j.settle(ctx, job, exec)
}

// backingExecution finds the execution delegated to a workflow job, falling
// back to a lookup by job id when the link was never recorded on the job.
func (j *JobEngine) backingExecution(ctx context.Context, job *store.Job) (*store.Execution, error) {
	if job.ExecutionID != "" {
		exec, err := j.store.GetExecution(ctx, job.ExecutionID)
		if err == nil || !schema.IsCode(err, schema.ErrCodeNotFound) {
			return exec, err
		}
	}
	execs, err := j.store.ListExecutions(ctx, store.ExecutionFilter{JobID: job.ID, Limit: 1})
	if err != nil || len(execs) == 0 {
		return nil, err
	}
	return execs[0], nil
}

func (j *JobEngine) publishStatus(ctx context.Context, job *store.Job) {
	payload := map[string]any{}
	if job.ExecutionID != "" {
		payload["executionId"] = job.ExecutionID
	}
	if job.Error != "" {
		payload["error"] = job.Error
	}
	publish(ctx, j.hub, j.logger, streaming.StreamEvent{
		OrganizationID: job.OrganizationID,
		JobID:          job.ID,
		EventType:      schema.StreamJobStatus,
		Status:         string(job.Status),
		Payload:        payload,
		Timestamp:      j.now().UTC(),
	})
}
