package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/providers"
	"github.com/rendis/opflow/internal/queue"
	"github.com/rendis/opflow/internal/steps"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// strictStore refuses reads and writes on a cancelled context, the way the
// SQL store does once BeginTx or QueryContext sees it.
type strictStore struct{ store.Store }

func (s strictStore) GetJob(ctx context.Context, id string) (*store.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.GetJob(ctx, id)
}

func (s strictStore) TransitionExecution(ctx context.Context, id string, guard store.ExecutionGuard, update store.ExecutionUpdate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Store.TransitionExecution(ctx, id, guard, update)
}

func (s strictStore) TransitionJob(ctx context.Context, id string, from schema.RunStatus, update store.JobUpdate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Store.TransitionJob(ctx, id, from, update)
}

func (h *harness) useStrictStore() {
	strict := strictStore{h.store}
	h.exec.store = strict
	h.jobs.store = strict
}

func (h *harness) nextTask(family string) *store.Task {
	h.t.Helper()
	task, ok := h.queue.next()
	require.True(h.t, ok, "no task due")
	require.Equal(h.t, family, task.family)
	return &store.Task{ID: task.id, Family: task.family, Payload: task.payload}
}

func (h *harness) job(id string) *store.Job {
	h.t.Helper()
	job, err := h.jobs.GetJobStatus(context.Background(), id, testUser)
	require.NoError(h.t, err)
	return job
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after cancellation")
		return nil
	}
}

func TestCancelledRunRecordsFailureOnExecutionAndJob(t *testing.T) {
	started := make(chan struct{})
	slow := &funcHandler{typ: "slow_step", fn: func(ctx context.Context, _ int, _ *steps.Request) (*steps.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, slow)
	h.useStrictStore()
	ctx := context.Background()

	wf := h.createWorkflow(&schema.WorkflowInput{
		Name:  "long",
		Steps: []schema.StepSpec{step("slow_step", "crunch", "")},
	})
	job, err := h.jobs.CreateJob(ctx, testOrg, testUser, &schema.JobInput{TaskDescription: "run", InputData: map[string]any{}, WorkflowID: wf.ID})
	require.NoError(t, err)
	require.NoError(t, h.jobs.HandleTask(ctx, h.nextTask(queue.FamilyAutomation)))
	task := h.nextTask(queue.FamilyWorkflow)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.exec.HandleTask(runCtx, task) }()
	<-started
	cancel()
	err = waitDone(t, done)
	assert.True(t, queue.IsPermanent(err))

	got := h.job(job.ID)
	exec := h.execution(got.ExecutionID)
	assert.Equal(t, schema.StatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "interrupted")
	assert.NotNil(t, exec.CompletedAt)
	logs := h.executionLogs(exec.ID)
	assert.Equal(t, schema.LogStepExecutionFailed, logs[len(logs)-1].Step)

	assert.Equal(t, schema.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "interrupted")
	assert.Equal(t, schema.LogStepJobFailed, got.Logs[len(got.Logs)-1].Step)
	assert.Equal(t, 1, h.metrics.executions[schema.StatusFailed])
}

func TestCancelledAdHocJobRecordsFailure(t *testing.T) {
	h := newHarness(t)
	h.useStrictStore()
	started := make(chan struct{})
	h.jobs.interpreter = interpreterFunc(func(ctx context.Context, _ providers.Task) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	job, err := h.jobs.CreateJob(context.Background(), testOrg, testUser, jobInput("long"))
	require.NoError(t, err)
	task := h.nextTask(queue.FamilyAutomation)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.jobs.HandleTask(runCtx, task) }()
	<-started
	cancel()
	assert.True(t, queue.IsPermanent(waitDone(t, done)))

	got := h.job(job.ID)
	assert.Equal(t, schema.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "interrupted")
	assert.NotNil(t, got.CompletedAt)
}

func TestRecoverStalledFailsRunAbandonedMidStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	extract := step(schema.StepAIProcess, "extract", "")
	extract.Timeout = "10m"
	wf := h.createWorkflow(&schema.WorkflowInput{Name: "abandoned", Steps: []schema.StepSpec{extract}})

	h.queue.err = errors.New("queue down")
	exec, err := h.exec.CreateExecution(ctx, ExecutionParams{WorkflowID: wf.ID, OrganizationID: testOrg})
	require.NoError(t, err)
	h.queue.err = nil
	// Claimed by a worker that then died.
	ok, err := h.store.TransitionExecution(ctx, exec.ID,
		store.ExecutionGuard{Status: schema.StatusPending},
		store.ExecutionUpdate{Status: store.Ptr(schema.StatusRunning)})
	require.NoError(t, err)
	require.True(t, ok)

	h.clock.advance(2 * time.Minute)
	n, err := h.exec.RecoverStalled(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "step is still within its timeout")
	assert.Equal(t, schema.StatusRunning, h.execution(exec.ID).Status)

	h.clock.advance(10 * time.Minute)
	n, err = h.exec.RecoverStalled(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.execution(exec.ID)
	assert.Equal(t, schema.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "step 1 (extract, ai_process): worker stopped")
	assert.Equal(t, 1, h.metrics.executions[schema.StatusFailed])
	assert.Empty(t, h.queue.pending())

	n, err = h.exec.RecoverStalled(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJobRecoverySettlesJobOfFinishedExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.createWorkflow(&schema.WorkflowInput{
		Name:  "gated",
		Steps: []schema.StepSpec{step(schema.StepApproval, "gate", `{"message": "ok?", "approvers": ["alice"]}`)},
	})
	job, err := h.jobs.CreateJob(ctx, testOrg, testUser, &schema.JobInput{TaskDescription: "run", InputData: map[string]any{}, WorkflowID: wf.ID})
	require.NoError(t, err)
	require.Empty(t, h.drain())

	running := h.job(job.ID)
	require.Equal(t, schema.StatusRunning, running.Status)
	require.NotEmpty(t, running.ExecutionID)

	h.clock.advance(10 * time.Minute)
	n, err := h.jobs.RecoverStalled(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "execution is still waiting")

	// The execution finished but the job was never told.
	ok, err := h.store.TransitionExecution(ctx, running.ExecutionID,
		store.ExecutionGuard{Status: schema.StatusRunning},
		store.ExecutionUpdate{
			Status:    store.Ptr(schema.StatusCompleted),
			WaitState: store.Ptr(schema.WaitNone),
			Result:    json.RawMessage(`{"gate":{"decision":"approve"}}`),
		})
	require.NoError(t, err)
	require.True(t, ok)

	n, err = h.jobs.RecoverStalled(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.job(job.ID)
	assert.Equal(t, schema.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"gate":{"decision":"approve"}}`, string(got.Result))
	assert.Equal(t, schema.LogStepJobCompleted, got.Logs[len(got.Logs)-1].Step)

	n, err = h.jobs.RecoverStalled(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJobRecoveryFailsJobsThatLostTheirWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.createWorkflow(&schema.WorkflowInput{
		Name:  "backed",
		Steps: []schema.StepSpec{step(schema.StepAIProcess, "extract", "")},
	})

	h.queue.err = errors.New("queue down")
	adHoc, err := h.jobs.CreateJob(ctx, testOrg, testUser, jobInput("interpret"))
	require.NoError(t, err)
	backed, err := h.jobs.CreateJob(ctx, testOrg, testUser, &schema.JobInput{TaskDescription: "run", InputData: map[string]any{}, WorkflowID: wf.ID})
	require.NoError(t, err)
	h.queue.err = nil
	// Both were claimed by a worker that died before doing anything else.
	for _, id := range []string{adHoc.ID, backed.ID} {
		ok, err := h.store.TransitionJob(ctx, id, schema.StatusPending, store.JobUpdate{Status: store.Ptr(schema.StatusRunning)})
		require.NoError(t, err)
		require.True(t, ok)
	}

	h.clock.advance(2 * time.Minute)
	n, err := h.jobs.RecoverStalled(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, schema.StatusFailed, h.job(backed.ID).Status)
	assert.Contains(t, h.job(backed.ID).Error, "never created")
	assert.Equal(t, schema.StatusRunning, h.job(adHoc.ID).Status, "task timeout has not passed")

	h.clock.advance(5 * time.Minute)
	n, err = h.jobs.RecoverStalled(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got := h.job(adHoc.ID)
	assert.Equal(t, schema.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "worker stopped")
	assert.Empty(t, h.queue.pending())
}

func TestJobRecoveryReachesOldJobBehindNewerOnes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.queue.err = errors.New("queue down")
	lost, err := h.jobs.CreateJob(ctx, testOrg, testUser, jobInput("lost"))
	require.NoError(t, err)
	h.queue.err = nil

	base := h.clock.now()
	for i := range 600 {
		at := base.Add(time.Duration(i+1) * time.Millisecond)
		require.NoError(t, h.store.CreateJob(ctx, &store.Job{
			ID: fmt.Sprintf("done-%03d", i), OrganizationID: testOrg, UserID: testUser,
			TaskDescription: "done", InputData: map[string]any{},
			Status: schema.StatusCompleted, CreatedAt: at, UpdatedAt: at,
		}))
	}

	h.clock.advance(10 * time.Minute)
	n, err := h.jobs.RecoverStalled(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pending := h.queue.pending()
	require.Len(t, pending, 1)
	assert.JSONEq(t, fmt.Sprintf(`{"jobId":%q}`, lost.ID), string(pending[0].payload))
}

func TestJobRecoveryPagesThroughEveryStalledJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const stalled = 2*recoveryPageSize + 7
	base := h.clock.now()
	for i := range stalled {
		at := base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, h.store.CreateJob(ctx, &store.Job{
			ID: fmt.Sprintf("lost-%03d", i), OrganizationID: testOrg, UserID: testUser,
			TaskDescription: "lost", InputData: map[string]any{},
			Status: schema.StatusPending, CreatedAt: at, UpdatedAt: at,
		}))
	}

	h.clock.advance(10 * time.Minute)
	n, err := h.jobs.RecoverStalled(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, stalled, n)
	assert.Len(t, h.queue.pending(), stalled)
}

func TestExecutionRecoveryReachesResumableRunBehindWaitingApprovals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := h.createWorkflow(&schema.WorkflowInput{
		Name: "gated",
		Steps: []schema.StepSpec{
			step(schema.StepApproval, "gate", `{"message": "ok?", "approvers": ["alice"]}`),
			step(schema.StepAIProcess, "extract", ""),
		},
	})

	base := h.clock.now()
	for i := range 600 {
		at := base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, h.store.CreateExecution(ctx, &store.Execution{
			ID: fmt.Sprintf("waiting-%03d", i), WorkflowID: wf.ID, OrganizationID: testOrg,
			InputData: map[string]any{}, Steps: wf.Steps,
			Status: schema.StatusRunning, WaitState: schema.WaitAwaitingApproval,
			CreatedAt: at, UpdatedAt: at,
		}))
	}
	at := base.Add(time.Second)
	require.NoError(t, h.store.CreateExecution(ctx, &store.Execution{
		ID: "approved", WorkflowID: wf.ID, OrganizationID: testOrg,
		InputData: map[string]any{}, Steps: wf.Steps,
		Status: schema.StatusRunning, WaitState: schema.WaitResumable, CurrentStepIndex: 1,
		StartedAt: &at, CreatedAt: at, UpdatedAt: at,
	}))

	h.clock.advance(10 * time.Minute)
	n, err := h.exec.RecoverStalled(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pending := h.queue.pending()
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"executionId":"approved","resume":true}`, string(pending[0].payload))

	require.Empty(t, h.drain())
	assert.Equal(t, schema.StatusCompleted, h.execution("approved").Status)
	assert.Equal(t, schema.WaitAwaitingApproval, h.execution("waiting-000").WaitState)
}
