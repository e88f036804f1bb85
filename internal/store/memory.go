package store

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// MemoryStore is an in-process Store. Records are copied through JSON on the
// way in and out, so callers observe the same value shapes a database returns.
// It is not shared between processes.
type MemoryStore struct {
	mu         sync.Mutex
	events     []*Event
	workflows  []*Workflow
	executions []*Execution
	jobs       []*Job
	logs       []*LogEntry
	tasks      []*Task
	schedules  []*ScheduledJob
	logID      int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func clone[T any](v *T) *T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic("store: clone: " + err.Error())
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic("store: clone: " + err.Error())
	}
	return out
}

func find[T any](items []*T, match func(*T) bool) *T {
	for _, it := range items {
		if match(it) {
			return it
		}
	}
	return nil
}

func limited[T any](items []*T, limit int) []*T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func paged[T any](items []*T, limit, offset int) []*T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	return limited(items, limit)
}

// --- Events ---

func (m *MemoryStore) CreateEvent(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.CreatedAt = timeOrNow(ev.CreatedAt)
	m.events = append(m.events, clone(ev))
	return nil
}

func (m *MemoryStore) GetEvent(_ context.Context, id string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := find(m.events, func(e *Event) bool { return e.ID == id })
	if ev == nil {
		return nil, storeNotFound("event", id)
	}
	return clone(ev), nil
}

func (m *MemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if filter.OrganizationID != "" && ev.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Type != "" && ev.Type != filter.Type {
			continue
		}
		out = append(out, clone(ev))
	}
	return limited(out, filter.Limit), nil
}

// --- Workflows ---

func (m *MemoryStore) CreateWorkflow(_ context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = timeOrNow(wf.UpdatedAt)
	m.workflows = append(m.workflows, clone(wf))
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf := find(m.workflows, func(w *Workflow) bool { return w.ID == id })
	if wf == nil {
		return nil, storeNotFound("workflow", id)
	}
	return clone(wf), nil
}

func (m *MemoryStore) ReplaceWorkflow(_ context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.workflows {
		if w.ID == wf.ID {
			wf.CreatedAt = w.CreatedAt
			wf.UpdatedAt = time.Now().UTC()
			m.workflows[i] = clone(wf)
			return nil
		}
	}
	return storeNotFound("workflow", wf.ID)
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Workflow
	for _, wf := range m.workflows {
		if filter.OrganizationID != "" && wf.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.TriggerEventType != "" && (wf.TriggerEventType == nil || *wf.TriggerEventType != filter.TriggerEventType) {
			continue
		}
		if filter.ActiveOnly && !wf.IsActive {
			continue
		}
		out = append(out, clone(wf))
	}
	if filter.NewestFirst {
		slices.Reverse(out)
	}
	return limited(out, filter.Limit), nil
}

// --- Executions ---

func (m *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec.TriggeringEventID != "" {
		dup := find(m.executions, func(e *Execution) bool {
			return e.WorkflowID == exec.WorkflowID && e.TriggeringEventID == exec.TriggeringEventID
		})
		if dup != nil {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"execution for workflow %q and event %q already exists", exec.WorkflowID, exec.TriggeringEventID)
		}
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = timeOrNow(exec.UpdatedAt)
	if exec.StepResults == nil {
		exec.StepResults = []StepResult{}
	}
	m.executions = append(m.executions, clone(exec))
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := find(m.executions, func(e *Execution) bool { return e.ID == id })
	if e == nil {
		return nil, storeNotFound("execution", id)
	}
	return clone(e), nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Execution
	for _, e := range m.executions {
		if filter.OrganizationID != "" && e.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.TriggeringEventID != "" && e.TriggeringEventID != filter.TriggeringEventID {
			continue
		}
		if filter.JobID != "" && e.JobID != filter.JobID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if len(filter.WaitStates) > 0 && !slices.Contains(filter.WaitStates, e.WaitState) {
			continue
		}
		out = append(out, e)
	}
	out = paged(out, filter.Limit, filter.Offset)
	for i, e := range out {
		out[i] = clone(e)
	}
	return out, nil
}

func (m *MemoryStore) TransitionExecution(_ context.Context, id string, guard ExecutionGuard, update ExecutionUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := find(m.executions, func(e *Execution) bool { return e.ID == id })
	if e == nil {
		return false, storeNotFound("execution", id)
	}
	if guard.Status != "" && e.Status != guard.Status {
		return false, nil
	}
	if len(guard.WaitStates) > 0 && !slices.Contains(guard.WaitStates, e.WaitState) {
		return false, nil
	}
	if guard.StepIndex != nil && e.CurrentStepIndex != *guard.StepIndex {
		return false, nil
	}

	if update.Status != nil {
		e.Status = *update.Status
	}
	if update.WaitState != nil {
		e.WaitState = *update.WaitState
	}
	if update.ClearResumeAt {
		e.ResumeAt = nil
	} else if update.ResumeAt != nil {
		e.ResumeAt = Ptr(*update.ResumeAt)
	}
	if update.CurrentStepIndex != nil {
		e.CurrentStepIndex = *update.CurrentStepIndex
	}
	if update.StepResults != nil {
		e.StepResults = *clone(&update.StepResults)
	}
	if update.Result != nil {
		e.Result = append(json.RawMessage(nil), update.Result...)
	}
	if update.Error != nil {
		e.Error = *update.Error
	}
	if update.StartedAt != nil {
		e.StartedAt = Ptr(*update.StartedAt)
	}
	if update.CompletedAt != nil {
		e.CompletedAt = Ptr(*update.CompletedAt)
	}
	if update.DurationMs != nil {
		e.DurationMs = Ptr(*update.DurationMs)
	}
	e.UpdatedAt = time.Now().UTC()
	if update.Log != nil {
		m.appendLogLocked(update.Log)
	}
	return true, nil
}

// --- Jobs ---

func (m *MemoryStore) CreateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.CreatedAt = timeOrNow(job.CreatedAt)
	job.UpdatedAt = timeOrNow(job.UpdatedAt)
	stored := clone(job)
	stored.Logs = nil
	m.jobs = append(m.jobs, stored)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := find(m.jobs, func(j *Job) bool { return j.ID == id })
	if j == nil {
		return nil, storeNotFound("job", id)
	}
	out := clone(j)
	out.Logs = m.listLogsLocked(LogFilter{JobID: id})
	return out, nil
}

func (m *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for i := range m.jobs {
		if !filter.OldestFirst {
			i = len(m.jobs) - 1 - i
		}
		j := m.jobs[i]
		if filter.OrganizationID != "" && j.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.UserID != "" && j.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, j)
	}
	out = paged(out, filter.Limit, filter.Offset)
	for i, j := range out {
		out[i] = clone(j)
	}
	return out, nil
}

func (m *MemoryStore) TransitionJob(_ context.Context, id string, from schema.RunStatus, update JobUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := find(m.jobs, func(j *Job) bool { return j.ID == id })
	if j == nil {
		return false, storeNotFound("job", id)
	}
	if from != "" && j.Status != from {
		return false, nil
	}
	if update.Status != nil {
		j.Status = *update.Status
	}
	if update.ExecutionID != nil {
		j.ExecutionID = *update.ExecutionID
	}
	if update.Result != nil {
		j.Result = append(json.RawMessage(nil), update.Result...)
	}
	if update.Error != nil {
		j.Error = *update.Error
	}
	if update.StartedAt != nil {
		j.StartedAt = Ptr(*update.StartedAt)
	}
	if update.CompletedAt != nil {
		j.CompletedAt = Ptr(*update.CompletedAt)
	}
	if update.ExecutionTimeMs != nil {
		j.ExecutionTimeMs = Ptr(*update.ExecutionTimeMs)
	}
	j.UpdatedAt = time.Now().UTC()
	if update.Log != nil {
		m.appendLogLocked(update.Log)
	}
	return true, nil
}

// --- Logs ---

func (m *MemoryStore) AppendLog(_ context.Context, entry *LogEntry) error {
	if entry.JobID == "" && entry.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "log entry needs a job or execution owner")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLogLocked(entry)
	return nil
}

func (m *MemoryStore) appendLogLocked(entry *LogEntry) {
	var seq int64
	for _, l := range m.logs {
		if (entry.JobID != "" && l.JobID == entry.JobID) ||
			(entry.JobID == "" && l.ExecutionID == entry.ExecutionID) {
			seq = max(seq, l.Sequence)
		}
	}
	m.logID++
	entry.ID = m.logID
	entry.Sequence = seq + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	stored := clone(entry)
	stored.ID = entry.ID
	m.logs = append(m.logs, stored)
}

func (m *MemoryStore) ListLogs(_ context.Context, filter LogFilter) ([]*LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLogsLocked(filter), nil
}

func (m *MemoryStore) listLogsLocked(filter LogFilter) []*LogEntry {
	out := []*LogEntry{}
	for _, l := range m.logs {
		if filter.JobID != "" && l.JobID != filter.JobID {
			continue
		}
		if filter.ExecutionID != "" && l.ExecutionID != filter.ExecutionID {
			continue
		}
		c := clone(l)
		c.ID = l.ID
		out = append(out, c)
	}
	return limited(out, filter.Limit)
}

// --- Tasks ---

func (m *MemoryStore) EnqueueTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.Status == "" {
		task.Status = TaskPending
	}
	task.AvailableAt = timeOrNow(task.AvailableAt)
	task.CreatedAt = timeOrNow(task.CreatedAt)
	task.UpdatedAt = time.Now().UTC()
	m.tasks = append(m.tasks, clone(task))
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := find(m.tasks, func(t *Task) bool { return t.ID == id })
	if t == nil {
		return nil, storeNotFound("task", id)
	}
	return clone(t), nil
}

func (m *MemoryStore) ClaimTask(_ context.Context, families []string, now time.Time, lease time.Duration) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Task
	for _, t := range m.tasks {
		if len(families) > 0 && !slices.Contains(families, t.Family) {
			continue
		}
		available := (t.Status == TaskPending && !t.AvailableAt.After(now)) ||
			(t.Status == TaskLeased && t.LeaseUntil != nil && !t.LeaseUntil.After(now))
		if !available {
			continue
		}
		if best == nil || t.AvailableAt.Before(best.AvailableAt) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = TaskLeased
	best.Attempts++
	best.LeaseUntil = Ptr(now.Add(lease))
	best.UpdatedAt = now
	return clone(best), nil
}

func (m *MemoryStore) CompleteTask(_ context.Context, id string) error {
	return m.finishTask(id, func(t *Task) {
		t.Status = TaskDone
	})
}

func (m *MemoryStore) RetryTask(_ context.Context, id string, availableAt time.Time, lastErr string) error {
	return m.finishTask(id, func(t *Task) {
		t.Status = TaskPending
		t.AvailableAt = availableAt
		t.LastError = lastErr
	})
}

func (m *MemoryStore) BuryTask(_ context.Context, id string, lastErr string) error {
	return m.finishTask(id, func(t *Task) {
		t.Status = TaskDead
		t.LastError = lastErr
	})
}

func (m *MemoryStore) finishTask(id string, apply func(*Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := find(m.tasks, func(t *Task) bool { return t.ID == id })
	if t == nil {
		return storeNotFound("task", id)
	}
	apply(t)
	t.LeaseUntil = nil
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Scheduled Jobs ---

func (m *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.CreatedAt = timeOrNow(job.CreatedAt)
	m.schedules = append(m.schedules, clone(job))
	return nil
}

func (m *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := find(m.schedules, func(j *ScheduledJob) bool { return j.ID == id })
	if j == nil {
		return nil, storeNotFound("scheduled_job", id)
	}
	return clone(j), nil
}

func (m *MemoryStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := find(m.schedules, func(j *ScheduledJob) bool { return j.ID == id })
	if j == nil {
		return storeNotFound("scheduled_job", id)
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = Ptr(*update.LastRunAt)
	}
	if update.NextRunAt != nil {
		j.NextRunAt = Ptr(*update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ScheduledJob
	for _, j := range m.schedules {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		if filter.OrganizationID != "" && j.OrganizationID != filter.OrganizationID {
			continue
		}
		out = append(out, clone(j))
	}
	return limited(out, filter.Limit), nil
}

func (m *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, j := range m.schedules {
		if j.ID == id {
			m.schedules = slices.Delete(m.schedules, i, i+1)
			return nil
		}
	}
	return storeNotFound("scheduled_job", id)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*LibSQLStore)(nil)
)
