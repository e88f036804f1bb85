package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("libsql", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func seedWorkflow(t *testing.T, s Store, org string, trigger schema.EventType, active bool) *Workflow {
	t.Helper()
	wf := &Workflow{
		ID:               uuid.NewString(),
		OrganizationID:   org,
		Name:             "wf-" + string(trigger),
		TriggerEventType: &trigger,
		Steps: []schema.StepSpec{
			{StepType: schema.StepAIProcess, Name: "extract", Config: json.RawMessage(`{"operation":"extract","prompt":"x"}`)},
		},
		IsActive: active,
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

func seedExecution(t *testing.T, s Store, wf *Workflow, eventID string) *Execution {
	t.Helper()
	exec := &Execution{
		ID:                uuid.NewString(),
		WorkflowID:        wf.ID,
		OrganizationID:    wf.OrganizationID,
		TriggeringEventID: eventID,
		InputData:         map[string]any{"patientId": "p1"},
		Status:            schema.StatusPending,
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec))
	return exec
}

func seedJob(t *testing.T, s Store, org, user string) *Job {
	t.Helper()
	job := &Job{
		ID:              uuid.NewString(),
		OrganizationID:  org,
		UserID:          user,
		TaskDescription: "echo test",
		InputData:       map[string]any{"x": 1},
		Status:          schema.StatusPending,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

// --- Events ---

func TestEvents_CreateGetList(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ev := &Event{
			ID:             uuid.NewString(),
			OrganizationID: "org-1",
			Type:           schema.EventSaleRecorded,
			Name:           "sale",
			Payload:        map[string]any{"amount": 12.5, "items": []any{"a", "b"}},
			Source:         "pos",
			Metadata:       map[string]any{"store": "north"},
		}
		require.NoError(t, s.CreateEvent(ctx, ev))
		second := &Event{ID: uuid.NewString(), OrganizationID: "org-1", Type: schema.EventCustom, Name: "other", Payload: map[string]any{}}
		require.NoError(t, s.CreateEvent(ctx, second))

		got, err := s.GetEvent(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.EventSaleRecorded, got.Type)
		assert.Equal(t, 12.5, got.Payload["amount"])
		assert.Equal(t, "pos", got.Source)
		assert.Equal(t, "north", got.Metadata["store"])

		list, err := s.ListEvents(ctx, EventFilter{OrganizationID: "org-1"})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, second.ID, list[0].ID, "newest first")

		list, err = s.ListEvents(ctx, EventFilter{OrganizationID: "org-1", Type: schema.EventSaleRecorded})
		require.NoError(t, err)
		require.Len(t, list, 1)

		_, err = s.GetEvent(ctx, "missing")
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

// --- Workflows ---

func TestWorkflows_CreateReplaceList(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf := seedWorkflow(t, s, "org-1", schema.EventAppointmentScheduled, true)
		wf.TriggerCondition = &schema.Condition{Field: "date", Operator: "==", Value: "2024-01-15"}
		seedWorkflow(t, s, "org-1", schema.EventAppointmentScheduled, false)
		seedWorkflow(t, s, "org-2", schema.EventAppointmentScheduled, true)

		wf.Name = "renamed"
		wf.Description = "reminds patients"
		require.NoError(t, s.ReplaceWorkflow(ctx, wf))

		got, err := s.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
		assert.Equal(t, "reminds patients", got.Description)
		require.NotNil(t, got.TriggerCondition)
		assert.Equal(t, "2024-01-15", got.TriggerCondition.Value)
		require.Len(t, got.Steps, 1)
		assert.Equal(t, schema.StepAIProcess, got.Steps[0].StepType)
		assert.JSONEq(t, `{"operation":"extract","prompt":"x"}`, string(got.Steps[0].Config))

		active, err := s.ListWorkflows(ctx, WorkflowFilter{
			OrganizationID:   "org-1",
			TriggerEventType: schema.EventAppointmentScheduled,
			ActiveOnly:       true,
		})
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, wf.ID, active[0].ID)

		all, err := s.ListWorkflows(ctx, WorkflowFilter{OrganizationID: "org-1"})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		err = s.ReplaceWorkflow(ctx, &Workflow{ID: "missing", Name: "x"})
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

// --- Executions ---

func TestExecutions_RoundTripPreservesProgress(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf := seedWorkflow(t, s, "org-1", schema.EventCustom, true)
		exec := seedExecution(t, s, wf, "")

		started := time.Now().UTC().Truncate(time.Millisecond)
		results := []StepResult{{
			Index:       0,
			Key:         "extract",
			StepType:    schema.StepAIProcess,
			Status:      schema.StepStatusCompleted,
			Output:      json.RawMessage(`{"data":{"name":"Ana"},"confidence":0.9}`),
			StartedAt:   started,
			CompletedAt: started.Add(5 * time.Millisecond),
			DurationMs:  5,
		}}
		ok, err := s.TransitionExecution(ctx, exec.ID,
			ExecutionGuard{Status: schema.StatusPending},
			ExecutionUpdate{Status: Ptr(schema.StatusRunning), StartedAt: &started, CurrentStepIndex: Ptr(1), StepResults: results})
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.StatusRunning, got.Status)
		assert.Equal(t, 1, got.CurrentStepIndex)
		require.Len(t, got.StepResults, 1)
		assert.Equal(t, "extract", got.StepResults[0].Key)
		assert.JSONEq(t, string(results[0].Output), string(got.StepResults[0].Output))
		assert.True(t, started.Equal(got.StepResults[0].StartedAt))
		assert.Equal(t, "p1", got.InputData["patientId"])
	})
}

func TestExecutions_GuardedTransition(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf := seedWorkflow(t, s, "org-1", schema.EventCustom, true)
		exec := seedExecution(t, s, wf, "")

		ok, err := s.TransitionExecution(ctx, exec.ID,
			ExecutionGuard{Status: schema.StatusPending},
			ExecutionUpdate{Status: Ptr(schema.StatusRunning)})
		require.NoError(t, err)
		assert.True(t, ok)

		// Second claim loses: the guard no longer matches.
		ok, err = s.TransitionExecution(ctx, exec.ID,
			ExecutionGuard{Status: schema.StatusPending},
			ExecutionUpdate{Status: Ptr(schema.StatusRunning)})
		require.NoError(t, err)
		assert.False(t, ok)

		resumeAt := time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)
		ok, err = s.TransitionExecution(ctx, exec.ID,
			ExecutionGuard{Status: schema.StatusRunning, StepIndex: Ptr(0)},
			ExecutionUpdate{WaitState: Ptr(schema.WaitSleeping), ResumeAt: &resumeAt, CurrentStepIndex: Ptr(1)})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.TransitionExecution(ctx, exec.ID,
			ExecutionGuard{Status: schema.StatusRunning, WaitStates: []schema.WaitState{schema.WaitAwaitingApproval}},
			ExecutionUpdate{WaitState: Ptr(schema.WaitNone)})
		require.NoError(t, err)
		assert.False(t, ok, "wait state guard")

		ok, err = s.TransitionExecution(ctx, exec.ID,
			ExecutionGuard{Status: schema.StatusRunning, WaitStates: []schema.WaitState{schema.WaitSleeping, schema.WaitResumable}, StepIndex: Ptr(1)},
			ExecutionUpdate{WaitState: Ptr(schema.WaitNone), ClearResumeAt: true})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.WaitNone, got.WaitState)
		assert.Nil(t, got.ResumeAt)

		_, err = s.TransitionExecution(ctx, "missing", ExecutionGuard{}, ExecutionUpdate{})
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestExecutions_TerminalTransitionWritesLog(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf := seedWorkflow(t, s, "org-1", schema.EventCustom, true)
		exec := seedExecution(t, s, wf, "")

		msg := "step 2 (send_message): provider down"
		update := ExecutionUpdate{
			Status: Ptr(schema.StatusFailed),
			Error:  &msg,
			Log:    &LogEntry{ExecutionID: exec.ID, Step: schema.LogStepExecutionFailed, Status: schema.LogError, Message: msg},
		}
		ok, err := s.TransitionExecution(ctx, exec.ID, ExecutionGuard{Status: schema.StatusPending}, update)
		require.NoError(t, err)
		require.True(t, ok)

		// A duplicate terminal write is absorbed and logs nothing.
		update.Log = &LogEntry{ExecutionID: exec.ID, Step: schema.LogStepExecutionFailed, Status: schema.LogError, Message: msg}
		ok, err = s.TransitionExecution(ctx, exec.ID, ExecutionGuard{Status: schema.StatusPending}, update)
		require.NoError(t, err)
		assert.False(t, ok)

		logs, err := s.ListLogs(ctx, LogFilter{ExecutionID: exec.ID})
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, msg, logs[0].Message)
	})
}

func TestExecutions_UniquePerWorkflowEvent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf := seedWorkflow(t, s, "org-1", schema.EventCustom, true)
		ev := &Event{ID: uuid.NewString(), OrganizationID: "org-1", Type: schema.EventCustom, Name: "e", Payload: map[string]any{}}
		require.NoError(t, s.CreateEvent(ctx, ev))

		seedExecution(t, s, wf, ev.ID)
		dup := &Execution{ID: uuid.NewString(), WorkflowID: wf.ID, OrganizationID: "org-1", TriggeringEventID: ev.ID, Status: schema.StatusPending}
		err := s.CreateExecution(ctx, dup)
		assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

		// Manual runs have no triggering event and are never deduplicated.
		seedExecution(t, s, wf, "")
		seedExecution(t, s, wf, "")
		list, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID})
		require.NoError(t, err)
		assert.Len(t, list, 3)

		list, err = s.ListExecutions(ctx, ExecutionFilter{TriggeringEventID: ev.ID})
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

// --- Jobs and logs ---

func TestJobs_TransitionAndLogs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := seedJob(t, s, "org-1", "user-a")

		now := time.Now().UTC()
		ok, err := s.TransitionJob(ctx, job.ID, schema.StatusPending, JobUpdate{
			Status:    Ptr(schema.StatusRunning),
			StartedAt: &now,
			Log:       &LogEntry{JobID: job.ID, Step: schema.LogStepJobStarted, Status: schema.LogInfo, Message: "Processing job"},
		})
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.TransitionJob(ctx, job.ID, schema.StatusPending, JobUpdate{Status: Ptr(schema.StatusRunning)})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.TransitionJob(ctx, job.ID, schema.StatusRunning, JobUpdate{
			Status:          Ptr(schema.StatusCompleted),
			Result:          json.RawMessage(`{"processed":true}`),
			CompletedAt:     &now,
			ExecutionTimeMs: Ptr(int64(3)),
			Log:             &LogEntry{JobID: job.ID, Step: schema.LogStepJobCompleted, Status: schema.LogSuccess, Message: "done", Data: json.RawMessage(`{"executionTime":3}`)},
		})
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.StatusCompleted, got.Status)
		assert.JSONEq(t, `{"processed":true}`, string(got.Result))
		require.NotNil(t, got.ExecutionTimeMs)
		assert.Equal(t, int64(3), *got.ExecutionTimeMs)
		assert.Equal(t, float64(1), got.InputData["x"])
		require.Len(t, got.Logs, 2)
		assert.Equal(t, schema.LogStepJobStarted, got.Logs[0].Step)
		assert.Equal(t, schema.LogStepJobCompleted, got.Logs[1].Step)
		assert.NoError(t, CheckSequence(job.ID, got.Logs))
	})
}

func TestJobs_ListNewestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := seedJob(t, s, "org-1", "user-a")
		time.Sleep(2 * time.Millisecond)
		second := seedJob(t, s, "org-1", "user-a")
		seedJob(t, s, "org-1", "user-b")

		jobs, err := s.ListJobs(ctx, JobFilter{OrganizationID: "org-1", UserID: "user-a"})
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, second.ID, jobs[0].ID)
		assert.Equal(t, first.ID, jobs[1].ID)

		jobs, err = s.ListJobs(ctx, JobFilter{OrganizationID: "org-1", UserID: "user-a", Limit: 1})
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})
}

func TestJobs_StatusFilterOldestFirstAndOffset(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var pending []string
		for i := range 5 {
			job := seedJob(t, s, "org-1", "user-a")
			if i%2 == 0 {
				pending = append(pending, job.ID)
			} else {
				ok, err := s.TransitionJob(ctx, job.ID, schema.StatusPending, JobUpdate{Status: Ptr(schema.StatusRunning)})
				require.NoError(t, err)
				require.True(t, ok)
			}
			time.Sleep(2 * time.Millisecond)
		}

		jobs, err := s.ListJobs(ctx, JobFilter{Status: schema.StatusPending, OldestFirst: true})
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		for i, j := range jobs {
			assert.Equal(t, pending[i], j.ID)
		}

		jobs, err = s.ListJobs(ctx, JobFilter{Status: schema.StatusPending, OldestFirst: true, Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, pending[1], jobs[0].ID)
		assert.Equal(t, pending[2], jobs[1].ID)

		jobs, err = s.ListJobs(ctx, JobFilter{Status: schema.StatusPending, Offset: 2})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, pending[0], jobs[0].ID)

		jobs, err = s.ListJobs(ctx, JobFilter{Status: schema.StatusRunning, Offset: 5})
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})
}

func TestExecutions_FilterByWaitStateAndJob(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf := seedWorkflow(t, s, "org-1", schema.EventCustom, true)
		var ids []string
		for _, wait := range []schema.WaitState{schema.WaitAwaitingApproval, schema.WaitSleeping, schema.WaitNone, schema.WaitResumable} {
			exec := &Execution{
				ID: uuid.NewString(), WorkflowID: wf.ID, OrganizationID: "org-1", JobID: "job-" + string(wait),
				InputData: map[string]any{}, Status: schema.StatusRunning, WaitState: wait,
			}
			require.NoError(t, s.CreateExecution(ctx, exec))
			ids = append(ids, exec.ID)
			time.Sleep(2 * time.Millisecond)
		}

		got, err := s.ListExecutions(ctx, ExecutionFilter{
			Status:     schema.StatusRunning,
			WaitStates: []schema.WaitState{schema.WaitSleeping, schema.WaitResumable},
		})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, ids[1], got[0].ID)
		assert.Equal(t, ids[3], got[1].ID)

		got, err = s.ListExecutions(ctx, ExecutionFilter{WaitStates: []schema.WaitState{schema.WaitNone}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ids[2], got[0].ID)

		got, err = s.ListExecutions(ctx, ExecutionFilter{Status: schema.StatusRunning, Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, ids[2], got[0].ID)

		got, err = s.ListExecutions(ctx, ExecutionFilter{JobID: "job-sleeping"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ids[1], got[0].ID)
	})
}

func TestExecutions_KeepStepsTheyStartedWith(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		wf := seedWorkflow(t, s, "org-1", schema.EventCustom, true)
		exec := &Execution{
			ID: uuid.NewString(), WorkflowID: wf.ID, OrganizationID: "org-1",
			InputData: map[string]any{}, Steps: wf.Steps, Status: schema.StatusPending,
		}
		require.NoError(t, s.CreateExecution(ctx, exec))

		got, err := s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		require.Len(t, got.Steps, 1)
		assert.Equal(t, "extract", got.Steps[0].Name)
		assert.JSONEq(t, string(wf.Steps[0].Config), string(got.Steps[0].Config))

		legacy := seedExecution(t, s, wf, "")
		got, err = s.GetExecution(ctx, legacy.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Steps)
	})
}

func TestLogs_SequencePerOwner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			require.NoError(t, s.AppendLog(ctx, &LogEntry{JobID: "job-1", Step: "s", Status: schema.LogInfo, Message: "m"}))
			require.NoError(t, s.AppendLog(ctx, &LogEntry{ExecutionID: "exec-1", Step: "s", Status: schema.LogInfo, Message: "m"}))
		}
		jobLogs, err := s.ListLogs(ctx, LogFilter{JobID: "job-1"})
		require.NoError(t, err)
		require.Len(t, jobLogs, 3)
		assert.NoError(t, CheckSequence("job-1", jobLogs))

		execLogs, err := s.ListLogs(ctx, LogFilter{ExecutionID: "exec-1"})
		require.NoError(t, err)
		assert.NoError(t, CheckSequence("exec-1", execLogs))

		err = s.AppendLog(ctx, &LogEntry{Step: "orphan", Status: schema.LogInfo})
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	})
}

func TestCheckSequence_Gap(t *testing.T) {
	err := CheckSequence("job-1", []*LogEntry{{Sequence: 1}, {Sequence: 3}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

// --- Tasks ---

func TestTasks_ClaimLeaseAndRedeliver(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		later := &Task{ID: uuid.NewString(), Family: "workflow", Payload: json.RawMessage(`{"id":"later"}`), MaxAttempts: 3, AvailableAt: now.Add(time.Hour)}
		soon := &Task{ID: uuid.NewString(), Family: "automation", Payload: json.RawMessage(`{"id":"soon"}`), MaxAttempts: 3, AvailableAt: now.Add(-time.Second)}
		require.NoError(t, s.EnqueueTask(ctx, later))
		require.NoError(t, s.EnqueueTask(ctx, soon))

		claimed, err := s.ClaimTask(ctx, []string{"automation", "workflow"}, now, 30*time.Second)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, soon.ID, claimed.ID)
		assert.Equal(t, TaskLeased, claimed.Status)
		assert.Equal(t, 1, claimed.Attempts)
		assert.JSONEq(t, `{"id":"soon"}`, string(claimed.Payload))

		// Nothing else is due, the leased task is still held.
		none, err := s.ClaimTask(ctx, nil, now, 30*time.Second)
		require.NoError(t, err)
		assert.Nil(t, none)

		// An expired lease makes the task claimable again.
		again, err := s.ClaimTask(ctx, nil, now.Add(time.Minute), 30*time.Second)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, soon.ID, again.ID)
		assert.Equal(t, 2, again.Attempts)

		require.NoError(t, s.RetryTask(ctx, soon.ID, now.Add(2*time.Minute), "boom"))
		got, err := s.GetTask(ctx, soon.ID)
		require.NoError(t, err)
		assert.Equal(t, TaskPending, got.Status)
		assert.Equal(t, "boom", got.LastError)

		require.NoError(t, s.BuryTask(ctx, soon.ID, "gave up"))
		require.NoError(t, s.CompleteTask(ctx, later.ID))
		got, err = s.GetTask(ctx, later.ID)
		require.NoError(t, err)
		assert.Equal(t, TaskDone, got.Status)

		none, err = s.ClaimTask(ctx, nil, now.Add(24*time.Hour), time.Second)
		require.NoError(t, err)
		assert.Nil(t, none)

		assert.True(t, schema.IsCode(s.CompleteTask(ctx, "missing"), schema.ErrCodeNotFound))
	})
}

func TestTasks_FamilyFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.EnqueueTask(ctx, &Task{ID: uuid.NewString(), Family: "workflow", Payload: json.RawMessage(`{}`), MaxAttempts: 1}))

		none, err := s.ClaimTask(ctx, []string{"automation"}, time.Now().Add(time.Second), time.Second)
		require.NoError(t, err)
		assert.Nil(t, none)
	})
}

// --- Scheduled Jobs ---

func TestScheduledJobs_CRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		next := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
		sj := &ScheduledJob{
			ID:              uuid.NewString(),
			OrganizationID:  "org-1",
			UserID:          "user-a",
			CronExpression:  "0 9 * * *",
			TaskDescription: "daily summary",
			InputData:       map[string]any{"report": "sales"},
			Enabled:         true,
			NextRunAt:       &next,
		}
		require.NoError(t, s.CreateScheduledJob(ctx, sj))

		got, err := s.GetScheduledJob(ctx, sj.ID)
		require.NoError(t, err)
		assert.Equal(t, "0 9 * * *", got.CronExpression)
		assert.Equal(t, "sales", got.InputData["report"])
		require.NotNil(t, got.NextRunAt)
		assert.True(t, next.Equal(*got.NextRunAt))

		ran := time.Now().UTC()
		require.NoError(t, s.UpdateScheduledJob(ctx, sj.ID, ScheduledJobUpdate{LastRunAt: &ran, LastRunStatus: "created"}))
		disabled := false
		require.NoError(t, s.UpdateScheduledJob(ctx, sj.ID, ScheduledJobUpdate{Enabled: &disabled}))

		enabled := true
		list, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabled})
		require.NoError(t, err)
		assert.Empty(t, list)

		require.NoError(t, s.DeleteScheduledJob(ctx, sj.ID))
		_, err = s.GetScheduledJob(ctx, sj.ID)
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment;\nCREATE INDEX i ON a (x);")
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x INT)", stmts[0])
}
