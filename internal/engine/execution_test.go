package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/queue"
	"github.com/rendis/opflow/internal/steps"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/pkg/schema"
)

func TestAppointmentScheduledEventRunsWorkflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wf := h.createWorkflow(&schema.WorkflowInput{
		Name:             "appointment reminder",
		TriggerEventType: eventType(schema.EventAppointmentScheduled),
		TriggerCondition: &schema.Condition{Field: "date", Operator: "==", Value: "2024-01-15"},
		Steps: []schema.StepSpec{
			step(schema.StepAIProcess, "extract", `{"operation":"extract"}`),
			step(schema.StepSendMessage, "notify", `{
				"channel": "SMS",
				"to": "${{ input.patientId }}",
				"content": "Reminder for ${{ input.date }}: ${{ steps.extract.data.extracted.field1 }}"
			}`),
		},
	})

	out, err := h.events.CreateEvent(ctx, testOrg, &schema.EventInput{
		Type:    schema.EventAppointmentScheduled,
		Name:    "appointment booked",
		Payload: map[string]any{"patientId": "p1", "date": "2024-01-15"},
	})
	require.NoError(t, err)
	require.Len(t, out.ExecutionIDs, 1)
	assert.Equal(t, schema.StatusPending, h.execution(out.ExecutionIDs[0]).Status)

	assert.Empty(t, h.drain())

	exec := h.execution(out.ExecutionIDs[0])
	assert.Equal(t, wf.ID, exec.WorkflowID)
	assert.Equal(t, out.Event.ID, exec.TriggeringEventID)
	assert.Equal(t, schema.StatusCompleted, exec.Status)
	require.Len(t, exec.StepResults, 2)
	assert.Equal(t, "extract", exec.StepResults[0].Key)
	assert.Equal(t, "notify", exec.StepResults[1].Key)
	assert.Equal(t, 2, exec.CurrentStepIndex)
	require.NotNil(t, exec.CompletedAt)
	require.NotNil(t, exec.DurationMs)

	var result map[string]any
	require.NoError(t, json.Unmarshal(exec.Result, &result))
	assert.Contains(t, result, "extract")
	assert.Contains(t, result, "notify")

	sent := h.messenger.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "p1", sent[0].To)
	assert.Equal(t, "Reminder for 2024-01-15: value1", sent[0].Content)
	assert.Equal(t, testOrg, sent[0].OrganizationID)

	assert.Equal(t, []string{
		schema.LogStepExecutionCreated,
		schema.LogStepExecutionStarted,
		schema.LogStepExecutionCompleted,
	}, logSteps(h.executionLogs(exec.ID)))
	assert.Equal(t, 1, h.metrics.executions[schema.StatusCompleted])
	assert.Equal(t, 1, h.metrics.steps["send_message/completed"])
}

func TestEventNotMatchingConditionCreatesNoExecution(t *testing.T) {
	h := newHarness(t)
	h.createWorkflow(&schema.WorkflowInput{
		Name:             "appointment reminder",
		TriggerEventType: eventType(schema.EventAppointmentScheduled),
		TriggerCondition: &schema.Condition{Field: "date", Operator: "==", Value: "2024-01-15"},
		Steps:            []schema.StepSpec{step(schema.StepAIProcess, "extract", "")},
	})

	out, err := h.events.CreateEvent(context.Background(), testOrg, &schema.EventInput{
		Type:    schema.EventAppointmentScheduled,
		Name:    "appointment booked",
		Payload: map[string]any{"patientId": "p1", "date": "2024-02-01"},
	})
	require.NoError(t, err)
	assert.Empty(t, out.ExecutionIDs)
	assert.Empty(t, h.queue.pending())
}

func TestInactiveWorkflowIsNeverTriggered(t *testing.T) {
	h := newHarness(t)
	inactive := false
	h.createWorkflow(&schema.WorkflowInput{
		Name:             "disabled",
		TriggerEventType: eventType(schema.EventSaleRecorded),
		Steps:            []schema.StepSpec{step(schema.StepAIProcess, "extract", "")},
		IsActive:         &inactive,
	})
	// no trigger type: manual only
	h.createWorkflow(&schema.WorkflowInput{
		Name:  "manual",
		Steps: []schema.StepSpec{step(schema.StepAIProcess, "extract", "")},
	})

	out, err := h.events.CreateEvent(context.Background(), testOrg, &schema.EventInput{
		Type: schema.EventSaleRecorded, Name: "sale", Payload: map[string]any{"amount": 10},
	})
	require.NoError(t, err)
	assert.Empty(t, out.ExecutionIDs)

	execs, err := h.exec.ListExecutions(context.Background(), testOrg, "", 0)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestEventsAreScopedToOrganization(t *testing.T) {
	h := newHarness(t)
	h.createWorkflow(&schema.WorkflowInput{
		Name:             "sales",
		TriggerEventType: eventType(schema.EventSaleRecorded),
		Steps:            []schema.StepSpec{step(schema.StepAIProcess, "extract", "")},
	})

	out, err := h.events.CreateEvent(context.Background(), "org-2", &schema.EventInput{
		Type: schema.EventSaleRecorded, Name: "sale", Payload: map[string]any{},
	})
	require.NoError(t, err)
	assert.Empty(t, out.ExecutionIDs)

	_, err = h.events.GetEvent(context.Background(), out.Event.ID, testOrg)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestCreateEventRejectsUnknownType(t *testing.T) {
	h := newHarness(t)
	_, err := h.events.CreateEvent(context.Background(), testOrg, &schema.EventInput{
		Type: "BIRTHDAY", Name: "x", Payload: map[string]any{},
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	events, err := h.events.ListEvents(context.Background(), testOrg, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFailFastStopsAtFailingStep(t *testing.T) {
	okStep := &funcHandler{typ: "ok_step"}
	badStep := &funcHandler{typ: "bad_step", fn: func(context.Context, int, *steps.Request) (*steps.Result, error) {
		return nil, schema.NewError(schema.ErrCodeProvider, "provider rejected request: api_key=sk-abcdefghijkl")
	}}
	lastStep := &funcHandler{typ: "last_step"}
	h := newHarness(t, okStep, badStep, lastStep)

	wf := h.createWorkflow(&schema.WorkflowInput{
		Name: "three steps",
		Steps: []schema.StepSpec{
			step("ok_step", "first", ""),
			step("bad_step", "second", ""),
			step("last_step", "third", ""),
		},
	})
	exec, err := h.exec.CreateExecution(context.Background(), ExecutionParams{WorkflowID: wf.ID, OrganizationID: testOrg})
	require.NoError(t, err)

	errs := h.drain()
	require.Len(t, errs, 1)
	assert.True(t, queue.IsPermanent(errs[0]))
	assert.True(t, schema.IsCode(errs[0], schema.ErrCodeProvider))

	got := h.execution(exec.ID)
	assert.Equal(t, schema.StatusFailed, got.Status)
	require.Len(t, got.StepResults, 1)
	assert.Equal(t, "first", got.StepResults[0].Key)
	assert.Contains(t, got.Error, "step 2 (second, bad_step)")
	assert.Contains(t, got.Error, "provider rejected request")
	assert.NotContains(t, got.Error, "sk-abcdefghijkl")
	assert.Equal(t, 0, lastStep.Calls())

	logs := h.executionLogs(exec.ID)
	last := logs[len(logs)-1]
	assert.Equal(t, schema.LogStepExecutionFailed, last.Step)
	assert.Equal(t, schema.LogError, last.Status)
	assert.Equal(t, 1, h.metrics.executions[schema.StatusFailed])
}

func TestExecuteWorkflowIsIdempotent(t *testing.T) {
	counter := &funcHandler{typ: "count_step"}
	h := newHarness(t, counter)
	wf := h.createWorkflow(&schema.WorkflowInput{
		Name:  "once",
		Steps: []schema.StepSpec{step("count_step", "", "")},
	})
	exec, err := h.exec.CreateExecution(context.Background(), ExecutionParams{WorkflowID: wf.ID, OrganizationID: testOrg})
	require.NoError(t, err)
	require.Empty(t, h.drain())
	logsBefore := h.executionLogs(exec.ID)

	// redelivery of the same task
	require.NoError(t, h.exec.ExecuteWorkflow(context.Background(), exec.ID))
	require.NoError(t, h.exec.Resume(context.Background(), exec.ID))

	assert.Equal(t, 1, counter.Calls())
	assert.Equal(t, schema.StatusCompleted, h.execution(exec.ID).Status)
	assert.Len(t, h.executionLogs(exec.ID), len(logsBefore))
}

func TestCreateExecutionDeduplicatesTriggeringEvent(t *testing.T) {
	h := newHarness(t)
	wf := h.createWorkflow(&schema.WorkflowInput{
		Name:  "dedupe",
		Steps: []schema.StepSpec{step(schema.StepAIProcess, "extract", "")},
	})
	params := ExecutionParams{WorkflowID: wf.ID, OrganizationID: testOrg, TriggeringEventID: "evt-1"}

	first, err := h.exec.CreateExecution(context.Background(), params)
	require.NoError(t, err)
	second, err := h.exec.CreateExecution(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, h.queue.pending(), 1)
}

func TestCreateExecutionChecksOrganization(t *testing.T) {
	h := newHarness(t)
	wf := h.createWorkflow(&schema.WorkflowInput{
		Name:  "scoped",
		Steps: []schema.StepSpec{step(schema.StepAIProcess, "extract", "")},
	})

	_, err := h.exec.CreateExecution(context.Background(), ExecutionParams{WorkflowID: wf.ID, OrganizationID: "org-2"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	exec, err := h.exec.CreateExecution(context.Background(), ExecutionParams{WorkflowID: wf.ID, OrganizationID: testOrg})
	require.NoError(t, err)
	_, err = h.exec.GetExecution(context.Background(), exec.ID, "org-2")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestManualRunIgnoresIsActive(t *testing.T) {
	h := newHarness(t)
	inactive := false
	wf := h.createWorkflow(&schema.WorkflowInput{
		Name:     "paused",
		Steps:    []schema.StepSpec{step(schema.StepAIProcess, "extract", "")},
		IsActive: &inactive,
	})
	exec, err := h.exec.CreateExecution(context.Background(), ExecutionParams{WorkflowID: wf.ID, OrganizationID: testOrg})
	require.NoError(t, err)
	require.Empty(t, h.drain())
	assert.Equal(t, schema.StatusCompleted, h.execution(exec.ID).Status)
}

func TestGuardSkipsStep(t *testing.T) {
	guarded := &funcHandler{typ: "guarded_step"}
	after := &funcHandler{typ: "after_step"}
	h := newHarness(t, guarded, after)

	wf := h.createWorkflow(&schema.WorkflowInput{
		Name: "guarded",
		Steps: []schema.StepSpec{
			{StepType: "guarded_step", Name: "big_only", Condition: "input.amount > 100"},
			{StepType: "after_step", Name: "always"},
		},
	})
	exec, err := h.exec.CreateExecution(context.Background(), ExecutionParams{
		WorkflowID: wf.ID, OrganizationID: testOrg, InputData: map[string]any{"amount": 5},
	})
	require.NoError(t, err)
	require.Empty(t, h.drain())

	got := h.execution(exec.ID)
	assert.Equal(t, schema.StatusCompleted, got.Status)
	require.Len(t, got.StepResults, 2)
	assert.Equal(t, schema.StepStatusSkipped, got.StepResults[0].Status)
	assert.JSONEq(t, "null", string(got.StepResults[0].Output))
	assert.Equal(t, 0, guarded.Calls())
	assert.Equal(t, 1, after.Calls())
	assert.Equal(t, 1, h.metrics.steps["guarded_step/skipped"])
}

func TestRetryableStepFailureIsRetried(t *testing.T) {
	flaky := &funcHandler{typ: "flaky_step", fn: func(_ context.Context, call int, _ *steps.Request) (*steps.Result, error) {
		if call < 3 {
			return nil, schema.NewError(schema.ErrCodeProviderUnavailable, "503")
		}
		return &steps.Result{Output: json.RawMessage(`{"attempt":3}`)}, nil
	}}
	h := newHarness(t, flaky)
	wf := h.createWorkflow(&schema.WorkflowInput{
		Name: "retry",
		Steps: []schema.StepSpec{{
			StepType: "flaky_step", Name: "flaky",
			Retry: &schema.RetryPolicy{Max: 2, Backoff: "constant", Delay: "1ms"},
		}},
	})
	exec, err := h.exec.CreateExecution(context.Background(), ExecutionParams{WorkflowID: wf.ID, OrganizationID: testOrg})
	require.NoError(t, err)
	require.Empty(t, h.drain())

	assert.Equal(t, schema.StatusCompleted, h.execution(exec.ID).Status)
	assert.Equal(t, 3, flaky.Calls())
}

func TestNonRetryableFailureIsNotRetried(t *testing.T) {
	broken := &funcHandler{typ: "broken_step", fn: func(context.Context, int, *steps.Request) (*steps.Result, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "bad config")
	}}
	h := newHarness(t, broken)
	wf := h.createWorkflow(&schema.WorkflowInput{
		Name: "no retry",
		Steps: []schema.StepSpec{{
			StepType: "broken_step", Name: "broken",
			Retry: &schema.RetryPolicy{Max: 3, Backoff: "constant", Delay: "1ms"},
		}},
	})
	exec, err := h.exec.CreateExecution(context.Background(), ExecutionParams{WorkflowID: wf.ID, OrganizationID: testOrg})
	require.NoError(t, err)
	h.drain()

	assert.Equal(t, schema.StatusFailed, h.execution(exec.ID).Status)
	assert.Equal(t, 1, broken.Calls())
}

func TestStepTimeoutFailsExecution(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := &funcHandler{typ: "stuck_step", fn: func(context.Context, int, *steps.Request) (*steps.Result, error) {
		<-release // ignores its context on purpose
		return nil, nil
	}}
	h := newHarness(t, stuck)
	wf := h.createWorkflow(&schema.WorkflowInput{
		Name:  "timeout",
		Steps: []schema.StepSpec{{StepType: "stuck_step", Name: "stuck", Timeout: "20ms"}},
	})
	exec, err := h.exec.CreateExecution(context.Background(), ExecutionParams{WorkflowID: wf.ID, OrganizationID: testOrg})
	require.NoError(t, err)

	errs := h.drain()
	require.Len(t, errs, 1)
	assert.True(t, schema.IsCode(errs[0], schema.ErrCodeTimeout))

	got := h.execution(exec.ID)
	assert.Equal(t, schema.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "timed out")
}

func TestHandlerPanicFailsExecution(t *testing.T) {
	panicky := &funcHandler{typ: "panic_step", fn: func(context.Context, int, *steps.Request) (*steps.Result, error) {
		panic("boom")
	}}
	h := newHarness(t, panicky)
	wf := h.createWorkflow(&schema.WorkflowInput{
		Name:  "panics",
		Steps: []schema.StepSpec{step("panic_step", "explode", "")},
	})
	exec, err := h.exec.CreateExecution(context.Background(), ExecutionParams{WorkflowID: wf.ID, OrganizationID: testOrg})
	require.NoError(t, err)
	h.drain()

	got := h.execution(exec.ID)
	assert.Equal(t, schema.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "panicked")
}

func TestWaitStepSleepsAndResumes(t *testing.T) {
	last := &funcHandler{typ: "last_step"}
	h := newHarness(t, last)
	wf := h.createWorkflow(&schema.WorkflowInput{
		Name: "sleepy",
		Steps: []schema.StepSpec{
			step(schema.StepAIProcess, "first", `{"operation":"summarize"}`),
			step(schema.StepWait, "pause", `{"seconds": 60}`),
			step("last_step", "last", ""),
		},
	})
	exec, err := h.exec.CreateExecution(context.Background(), ExecutionParams{
		WorkflowID: wf.ID, OrganizationID: testOrg, InputData: map[string]any{"x": 1},
	})
	require.NoError(t, err)
	require.Empty(t, h.drain())

	// Parked: persisted state alone must be enough to continue.
	parked := h.execution(exec.ID)
	assert.Equal(t, schema.StatusRunning, parked.Status)
	assert.Equal(t, schema.WaitSleeping, parked.WaitState)
	assert.Equal(t, 2, parked.CurrentStepIndex)
	require.Len(t, parked.StepResults, 2)
	require.NotNil(t, parked.ResumeAt)
	assert.Equal(t, h.clock.now().Add(60*time.Second), *parked.ResumeAt)
	assert.Equal(t, 0, last.Calls())

	pending := h.queue.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 60*time.Second, pending[0].delay)

	// An early resume re-arms itself instead of running.
	require.NoError(t, h.exec.Resume(context.Background(), exec.ID))
	assert.Equal(t, schema.WaitSleeping, h.execution(exec.ID).WaitState)
	assert.Equal(t, 0, last.Calls())

	h.clock.advance(61 * time.Second)
	require.Empty(t, h.drain())

	done := h.execution(exec.ID)
	assert.Equal(t, schema.StatusCompleted, done.Status)
	assert.Equal(t, schema.WaitNone, done.WaitState)
	assert.Nil(t, done.ResumeAt)
	require.Len(t, done.StepResults, 3)
	assert.Equal(t, parked.StepResults, done.StepResults[:2])
	assert.Equal(t, 1, last.Calls())

	data := last.LastRequest().Data
	stepOutputs := data["steps"].(map[string]any)
	assert.Contains(t, stepOutputs, "first")
	assert.Contains(t, stepOutputs, "pause")
	assert.Equal(t, map[string]any{"x": float64(1)}, normalizeJSON(t, data["input"]))
}

func TestApprovalApproveResumesExecution(t *testing.T) {
	after := &funcHandler{typ: "after_step"}
	h := newHarness(t, after)
	wf := h.createWorkflow(&schema.WorkflowInput{
		Name: "gated",
		Steps: []schema.StepSpec{
			step(schema.StepApproval, "gate", `{"message": "Refund ${{ input.amount }}?", "approvers": ["alice"]}`),
			step("after_step", "refund", ""),
		},
	})
	exec, err := h.exec.CreateExecution(context.Background(), ExecutionParams{
		WorkflowID: wf.ID, OrganizationID: testOrg, InputData: map[string]any{"amount": 40},
	})
	require.NoError(t, err)
	require.Empty(t, h.drain())

	waiting := h.execution(exec.ID)
	assert.Equal(t, schema.StatusRunning, waiting.Status)
	assert.Equal(t, schema.WaitAwaitingApproval, waiting.WaitState)
	assert.Equal(t, 0, waiting.CurrentStepIndex)
	require.Len(t, waiting.StepResults, 1)
	assert.Equal(t, schema.StepStatusAwaitingApproval, waiting.StepResults[0].Status)
	assert.JSONEq(t, "null", string(waiting.StepResults[0].Output))
	assert.Empty(t, h.queue.pending())

	logs := h.executionLogs(exec.ID)
	assert.Equal(t, schema.LogStepExecutionSuspended, logs[len(logs)-1].Step)
	assert.Contains(t, logs[len(logs)-1].Message, "Refund 40?")

	resolved, err := h.exec.ResolveApproval(context.Background(), exec.ID, testOrg, schema.ApprovalSignal{
		Decision: schema.ApprovalApprove, Actor: "alice", Comment: "ok",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.WaitResumable, resolved.WaitState)
	assert.Equal(t, 1, resolved.CurrentStepIndex)

	_, err = h.exec.ResolveApproval(context.Background(), exec.ID, testOrg, schema.ApprovalSignal{Decision: schema.ApprovalApprove})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState))

	require.Empty(t, h.drain())
	done := h.execution(exec.ID)
	assert.Equal(t, schema.StatusCompleted, done.Status)
	require.Len(t, done.StepResults, 2)
	assert.Equal(t, schema.StepStatusCompleted, done.StepResults[0].Status)

	gate := after.LastRequest().Data["steps"].(map[string]any)["gate"].(map[string]any)
	assert.Equal(t, "approve", gate["decision"])
	assert.Equal(t, "alice", gate["actor"])
}

func TestApprovedRunFollowsStepsItStartedWith(t *testing.T) {
	after := &funcHandler{typ: "after_step"}
	audit := &funcHandler{typ: "audit_step"}
	h := newHarness(t, after, audit)
	ctx := context.Background()
	wf := h.createWorkflow(&schema.WorkflowInput{
		Name: "gated",
		Steps: []schema.StepSpec{
			step(schema.StepApproval, "gate", `{"message": "Refund?", "approvers": ["alice"]}`),
			step("after_step", "refund", ""),
		},
	})
	exec, err := h.exec.CreateExecution(ctx, ExecutionParams{WorkflowID: wf.ID, OrganizationID: testOrg})
	require.NoError(t, err)
	require.Empty(t, h.drain())
	require.Equal(t, schema.WaitAwaitingApproval, h.execution(exec.ID).WaitState)

	_, err = h.workflows.UpdateWorkflow(ctx, wf.ID, testOrg, &schema.WorkflowInput{
		Name: "gated",
		Steps: []schema.StepSpec{
			step("audit_step", "audit", ""),
			step(schema.StepApproval, "second_gate", `{"message": "Really?", "approvers": ["bob"]}`),
			step("audit_step", "audit_again", ""),
		},
	})
	require.NoError(t, err)

	_, err = h.exec.ResolveApproval(ctx, exec.ID, testOrg, schema.ApprovalSignal{Decision: schema.ApprovalApprove, Actor: "alice"})
	require.NoError(t, err)
	logs := h.executionLogs(exec.ID)
	assert.Contains(t, logs[len(logs)-1].Message, "Step 1 (gate, approval) approved by alice")

	require.Empty(t, h.drain())
	done := h.execution(exec.ID)
	assert.Equal(t, schema.StatusCompleted, done.Status)
	require.Len(t, done.Steps, 2)
	require.Len(t, done.StepResults, 2)
	assert.Equal(t, "refund", done.StepResults[1].Key)
	assert.Equal(t, 1, after.Calls())
	assert.Zero(t, audit.Calls())
}

func TestSkippedStepOutputConflictFailsRun(t *testing.T) {
	first := &funcHandler{typ: "first_step"}
	guarded := &funcHandler{typ: "guarded_step"}
	h := newHarness(t, first, guarded)
	ctx := context.Background()
	wf := h.createWorkflow(&schema.WorkflowInput{
		Name:  "dup",
		Steps: []schema.StepSpec{step("first_step", "lookup", "")},
	})
	// Two steps sharing a key can only come from a stored run, never from a
	// validated workflow.
	require.NoError(t, h.store.CreateExecution(ctx, &store.Execution{
		ID: "dup-keys", WorkflowID: wf.ID, OrganizationID: testOrg, InputData: map[string]any{},
		Steps: []schema.StepSpec{
			step("first_step", "lookup", ""),
			{StepType: "guarded_step", Name: "lookup", Condition: "false"},
		},
		Status: schema.StatusPending,
	}))

	err := h.exec.ExecuteWorkflow(ctx, "dup-keys")
	assert.True(t, queue.IsPermanent(err))

	got := h.execution("dup-keys")
	assert.Equal(t, schema.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "already registered")
	require.Len(t, got.StepResults, 1)
	assert.Equal(t, schema.StepStatusCompleted, got.StepResults[0].Status)
	assert.Zero(t, guarded.Calls())
	assert.Equal(t, 1, h.metrics.steps["guarded_step/failed"])
}

func TestApprovalRejectFailsExecution(t *testing.T) {
	after := &funcHandler{typ: "after_step"}
	h := newHarness(t, after)
	wf := h.createWorkflow(&schema.WorkflowInput{
		Name: "gated",
		Steps: []schema.StepSpec{
			step(schema.StepApproval, "gate", ""),
			step("after_step", "refund", ""),
		},
	})
	exec, err := h.exec.CreateExecution(context.Background(), ExecutionParams{WorkflowID: wf.ID, OrganizationID: testOrg})
	require.NoError(t, err)
	require.Empty(t, h.drain())

	_, err = h.exec.ResolveApproval(context.Background(), exec.ID, "org-2", schema.ApprovalSignal{Decision: schema.ApprovalReject})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	_, err = h.exec.ResolveApproval(context.Background(), exec.ID, testOrg, schema.ApprovalSignal{Decision: "maybe"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = h.exec.ResolveApproval(context.Background(), exec.ID, testOrg, schema.ApprovalSignal{
		Decision: schema.ApprovalReject, Actor: "bob", Comment: "too expensive",
	})
	require.NoError(t, err)

	got := h.execution(exec.ID)
	assert.Equal(t, schema.StatusFailed, got.Status)
	assert.Empty(t, got.StepResults)
	assert.Contains(t, got.Error, "rejected by bob: too expensive")
	assert.Empty(t, h.drain())
	assert.Equal(t, 0, after.Calls())
}

func TestResolveApprovalRequiresAwaitingState(t *testing.T) {
	h := newHarness(t)
	wf := h.createWorkflow(&schema.WorkflowInput{
		Name:  "plain",
		Steps: []schema.StepSpec{step(schema.StepAIProcess, "extract", "")},
	})
	exec, err := h.exec.CreateExecution(context.Background(), ExecutionParams{WorkflowID: wf.ID, OrganizationID: testOrg})
	require.NoError(t, err)

	_, err = h.exec.ResolveApproval(context.Background(), exec.ID, testOrg, schema.ApprovalSignal{Decision: schema.ApprovalApprove})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState))
}

func TestExecutionStatusIsStreamed(t *testing.T) {
	h := newHarness(t)
	ch, cancel, err := h.hub.Subscribe(context.Background(), streaming.EventFilter{
		OrganizationID: testOrg,
		EventTypes:     []string{schema.StreamExecutionStatus},
	})
	require.NoError(t, err)
	defer cancel()

	wf := h.createWorkflow(&schema.WorkflowInput{
		Name:  "streamed",
		Steps: []schema.StepSpec{step(schema.StepAIProcess, "extract", "")},
	})
	_, err = h.exec.CreateExecution(context.Background(), ExecutionParams{WorkflowID: wf.ID, OrganizationID: testOrg})
	require.NoError(t, err)
	require.Empty(t, h.drain())

	var statuses []string
	for len(statuses) < 3 {
		select {
		case ev := <-ch:
			statuses = append(statuses, ev.Status)
		case <-time.After(time.Second):
			t.Fatalf("got %v", statuses)
		}
	}
	assert.Equal(t, []string{"PENDING", "RUNNING", "COMPLETED"}, statuses)
}

func TestRecoverStalledReenqueues(t *testing.T) {
	h := newHarness(t)
	wf := h.createWorkflow(&schema.WorkflowInput{
		Name:  "lost",
		Steps: []schema.StepSpec{step(schema.StepAIProcess, "extract", "")},
	})
	h.queue.err = errors.New("queue down")
	exec, err := h.exec.CreateExecution(context.Background(), ExecutionParams{WorkflowID: wf.ID, OrganizationID: testOrg})
	require.NoError(t, err)
	h.queue.err = nil
	assert.Empty(t, h.queue.pending())

	n, err := h.exec.RecoverStalled(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.advance(2 * time.Minute)
	n, err = h.exec.RecoverStalled(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Empty(t, h.drain())
	assert.Equal(t, schema.StatusCompleted, h.execution(exec.ID).Status)
}

func TestHandleTaskRejectsMalformedPayload(t *testing.T) {
	h := newHarness(t)
	err := h.exec.HandleTask(context.Background(), &store.Task{ID: "t1", Payload: json.RawMessage(`{}`)})
	assert.True(t, queue.IsPermanent(err))
}

func normalizeJSON(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	var out any
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}
