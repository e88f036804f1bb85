package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/opflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/opflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writers, which is what makes the
	// select-then-update in ClaimTask and the log sequence safe.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Events ---

func (s *LibSQLStore) CreateEvent(ctx context.Context, ev *Event) error {
	payload, err := marshalMap(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var metadata any
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(raw)
	}
	ev.CreatedAt = timeOrNow(ev.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, organization_id, type, name, payload, source, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.OrganizationID, string(ev.Type), ev.Name, payload, nullStr(ev.Source), metadata, ev.CreatedAt,
	)
	return wrapStore(err, "create event")
}

const eventColumns = `id, organization_id, type, name, payload, source, metadata, created_at`

func scanEvent(r rowScanner) (*Event, error) {
	ev := &Event{}
	var (
		typ, payload     string
		source, metadata sql.NullString
	)
	if err := r.Scan(&ev.ID, &ev.OrganizationID, &typ, &ev.Name, &payload, &source, &metadata, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.Type = schema.EventType(typ)
	ev.Source = source.String
	if err := unmarshalMap(payload, &ev.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if metadata.Valid {
		if err := unmarshalMap(metadata.String, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return ev, nil
}

func (s *LibSQLStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("event", id)
	}
	return ev, err
}

func (s *LibSQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events`
	var where []string
	var args []any
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	query += whereClause(where) + ` ORDER BY created_at DESC, rowid DESC` + limitClause(filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	cond, steps, err := marshalDefinition(wf)
	if err != nil {
		return err
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = timeOrNow(wf.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, organization_id, name, description, trigger_event_type, trigger_condition, steps, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.OrganizationID, wf.Name, nullStr(wf.Description), nullEventType(wf.TriggerEventType),
		cond, steps, wf.IsActive, wf.CreatedAt, wf.UpdatedAt,
	)
	return wrapStore(err, "create workflow")
}

func (s *LibSQLStore) ReplaceWorkflow(ctx context.Context, wf *Workflow) error {
	cond, steps, err := marshalDefinition(wf)
	if err != nil {
		return err
	}
	wf.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET name = ?, description = ?, trigger_event_type = ?, trigger_condition = ?, steps = ?, is_active = ?, updated_at = ?
		 WHERE id = ?`,
		wf.Name, nullStr(wf.Description), nullEventType(wf.TriggerEventType), cond, steps, wf.IsActive, wf.UpdatedAt, wf.ID,
	)
	if err != nil {
		return wrapStore(err, "replace workflow")
	}
	return checkRowsAffected(res, "workflow", wf.ID)
}

func marshalDefinition(wf *Workflow) (cond any, steps string, err error) {
	if wf.TriggerCondition != nil {
		raw, err := json.Marshal(wf.TriggerCondition)
		if err != nil {
			return nil, "", fmt.Errorf("marshal trigger_condition: %w", err)
		}
		cond = string(raw)
	}
	list := wf.Steps
	if list == nil {
		list = []schema.StepSpec{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return nil, "", fmt.Errorf("marshal steps: %w", err)
	}
	return cond, string(raw), nil
}

const workflowColumns = `id, organization_id, name, description, trigger_event_type, trigger_condition, steps, is_active, created_at, updated_at`

func scanWorkflow(r rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var (
		desc, trigger, cond sql.NullString
		steps               string
	)
	if err := r.Scan(&wf.ID, &wf.OrganizationID, &wf.Name, &desc, &trigger, &cond, &steps,
		&wf.IsActive, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Description = desc.String
	if trigger.Valid && trigger.String != "" {
		t := schema.EventType(trigger.String)
		wf.TriggerEventType = &t
	}
	if cond.Valid && cond.String != "" {
		wf.TriggerCondition = &schema.Condition{}
		if err := json.Unmarshal([]byte(cond.String), wf.TriggerCondition); err != nil {
			return nil, fmt.Errorf("unmarshal trigger_condition: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(steps), &wf.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return wf, nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	var where []string
	var args []any
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.TriggerEventType != "" {
		where = append(where, "trigger_event_type = ?")
		args = append(args, string(filter.TriggerEventType))
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = 1")
	}
	query += whereClause(where)
	if filter.NewestFirst {
		query += ` ORDER BY created_at DESC, rowid DESC`
	} else {
		query += ` ORDER BY created_at ASC, rowid ASC`
	}
	query += limitClause(filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	input, err := marshalMap(exec.InputData)
	if err != nil {
		return fmt.Errorf("marshal input_data: %w", err)
	}
	results, err := marshalResults(exec.StepResults)
	if err != nil {
		return err
	}
	var steps any
	if exec.Steps != nil {
		raw, err := json.Marshal(exec.Steps)
		if err != nil {
			return fmt.Errorf("marshal steps: %w", err)
		}
		steps = string(raw)
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = timeOrNow(exec.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, organization_id, triggering_event_id, job_id, input_data, steps, status, wait_state, resume_at,
		   current_step_index, step_results, result, error, started_at, completed_at, duration_ms, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.OrganizationID, nullStr(exec.TriggeringEventID), nullStr(exec.JobID),
		input, steps, string(exec.Status), string(exec.WaitState), nullTime(exec.ResumeAt),
		exec.CurrentStepIndex, results, nullRaw(exec.Result), nullStr(exec.Error),
		nullTime(exec.StartedAt), nullTime(exec.CompletedAt), nullInt(exec.DurationMs),
		exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution for workflow %q and event %q already exists", exec.WorkflowID, exec.TriggeringEventID).WithCause(err)
	}
	return wrapStore(err, "create execution")
}

const executionColumns = `id, workflow_id, organization_id, triggering_event_id, job_id, input_data, steps, status, wait_state, resume_at,
	current_step_index, step_results, result, error, started_at, completed_at, duration_ms, created_at, updated_at`

func scanExecution(r rowScanner) (*Execution, error) {
	e := &Execution{}
	var (
		eventID, jobID, result, errMsg, steps sql.NullString
		input, status, wait, results          string
		resumeAt, startedAt, doneAt           sql.NullTime
		duration                              sql.NullInt64
	)
	if err := r.Scan(&e.ID, &e.WorkflowID, &e.OrganizationID, &eventID, &jobID, &input, &steps, &status, &wait, &resumeAt,
		&e.CurrentStepIndex, &results, &result, &errMsg, &startedAt, &doneAt, &duration, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.TriggeringEventID = eventID.String
	e.JobID = jobID.String
	e.Status = schema.RunStatus(status)
	e.WaitState = schema.WaitState(wait)
	e.Error = errMsg.String
	e.Result = rawOrNil(result)
	e.ResumeAt = timePtr(resumeAt)
	e.StartedAt = timePtr(startedAt)
	e.CompletedAt = timePtr(doneAt)
	e.DurationMs = intPtr(duration)
	if err := unmarshalMap(input, &e.InputData); err != nil {
		return nil, fmt.Errorf("unmarshal input_data: %w", err)
	}
	if err := json.Unmarshal([]byte(results), &e.StepResults); err != nil {
		return nil, fmt.Errorf("unmarshal step_results: %w", err)
	}
	if steps.Valid && steps.String != "" {
		if err := json.Unmarshal([]byte(steps.String), &e.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	return e, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	return e, err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var where []string
	var args []any
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.TriggeringEventID != "" {
		where = append(where, "triggering_event_id = ?")
		args = append(args, filter.TriggeringEventID)
	}
	if filter.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, filter.JobID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(filter.WaitStates) > 0 {
		where = append(where, "wait_state IN ("+placeholders(len(filter.WaitStates))+")")
		for _, w := range filter.WaitStates {
			args = append(args, string(w))
		}
	}
	query += whereClause(where) + ` ORDER BY created_at ASC, rowid ASC` + pageClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) TransitionExecution(ctx context.Context, id string, guard ExecutionGuard, update ExecutionUpdate) (bool, error) {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.WaitState != nil {
		sets = append(sets, "wait_state = ?")
		args = append(args, string(*update.WaitState))
	}
	if update.ClearResumeAt {
		sets = append(sets, "resume_at = NULL")
	} else if update.ResumeAt != nil {
		sets = append(sets, "resume_at = ?")
		args = append(args, *update.ResumeAt)
	}
	if update.CurrentStepIndex != nil {
		sets = append(sets, "current_step_index = ?")
		args = append(args, *update.CurrentStepIndex)
	}
	if update.StepResults != nil {
		results, err := marshalResults(update.StepResults)
		if err != nil {
			return false, err
		}
		sets = append(sets, "step_results = ?")
		args = append(args, results)
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(update.Result))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())

	where := []string{"id = ?"}
	args = append(args, id)
	if guard.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(guard.Status))
	}
	if len(guard.WaitStates) > 0 {
		where = append(where, "wait_state IN ("+placeholders(len(guard.WaitStates))+")")
		for _, w := range guard.WaitStates {
			args = append(args, string(w))
		}
	}
	if guard.StepIndex != nil {
		where = append(where, "current_step_index = ?")
		args = append(args, *guard.StepIndex)
	}

	query := "UPDATE executions SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND ")
	return s.transition(ctx, "execution", id, query, args, update.Log)
}

// --- Jobs ---

func (s *LibSQLStore) CreateJob(ctx context.Context, job *Job) error {
	input, err := marshalMap(job.InputData)
	if err != nil {
		return fmt.Errorf("marshal input_data: %w", err)
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	job.UpdatedAt = timeOrNow(job.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, organization_id, user_id, workflow_id, execution_id, task_description, input_data, expected_output,
		   status, result, error, started_at, completed_at, execution_time_ms, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OrganizationID, job.UserID, nullStr(job.WorkflowID), nullStr(job.ExecutionID), job.TaskDescription,
		input, nullStr(job.ExpectedOutput), string(job.Status), nullRaw(job.Result), nullStr(job.Error),
		nullTime(job.StartedAt), nullTime(job.CompletedAt), nullInt(job.ExecutionTimeMs), job.CreatedAt, job.UpdatedAt,
	)
	return wrapStore(err, "create job")
}

const jobColumns = `id, organization_id, user_id, workflow_id, execution_id, task_description, input_data, expected_output,
	status, result, error, started_at, completed_at, execution_time_ms, created_at, updated_at`

func scanJob(r rowScanner) (*Job, error) {
	j := &Job{}
	var (
		workflowID, execID, expected, result, errMsg sql.NullString
		input, status                                string
		startedAt, doneAt                            sql.NullTime
		elapsed                                      sql.NullInt64
	)
	if err := r.Scan(&j.ID, &j.OrganizationID, &j.UserID, &workflowID, &execID, &j.TaskDescription, &input, &expected,
		&status, &result, &errMsg, &startedAt, &doneAt, &elapsed, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.WorkflowID = workflowID.String
	j.ExecutionID = execID.String
	j.ExpectedOutput = expected.String
	j.Status = schema.RunStatus(status)
	j.Result = rawOrNil(result)
	j.Error = errMsg.String
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(doneAt)
	j.ExecutionTimeMs = intPtr(elapsed)
	if err := unmarshalMap(input, &j.InputData); err != nil {
		return nil, fmt.Errorf("unmarshal input_data: %w", err)
	}
	return j, nil
}

// GetJob loads a job together with its execution logs.
func (s *LibSQLStore) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("job", id)
	}
	if err != nil {
		return nil, err
	}
	j.Logs, err = s.ListLogs(ctx, LogFilter{JobID: id})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// ListJobs returns jobs without their logs, newest first unless filter.OldestFirst is set.
func (s *LibSQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var where []string
	var args []any
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	order := ` ORDER BY created_at DESC, rowid DESC`
	if filter.OldestFirst {
		order = ` ORDER BY created_at ASC, rowid ASC`
	}
	query += whereClause(where) + order + pageClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) TransitionJob(ctx context.Context, id string, from schema.RunStatus, update JobUpdate) (bool, error) {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.ExecutionID != nil {
		sets = append(sets, "execution_id = ?")
		args = append(args, *update.ExecutionID)
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(update.Result))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.ExecutionTimeMs != nil {
		sets = append(sets, "execution_time_ms = ?")
		args = append(args, *update.ExecutionTimeMs)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)
	if from != "" {
		query += " AND status = ?"
		args = append(args, string(from))
	}
	return s.transition(ctx, "job", id, query, args, update.Log)
}

// transition runs a guarded UPDATE and, when it matched, appends log in the same transaction.
func (s *LibSQLStore) transition(ctx context.Context, resource, id, query string, args []any, log *LogEntry) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrapStore(err, "begin transition")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, wrapStore(err, "update "+resource)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+resource+`s WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, storeNotFound(resource, id)
		}
		return false, err
	}
	if log != nil {
		if err := appendLogTx(ctx, tx, log); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, wrapStore(err, "commit transition")
	}
	return true, nil
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	input, err := marshalMap(job.InputData)
	if err != nil {
		return fmt.Errorf("marshal input_data: %w", err)
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, organization_id, user_id, cron_expression, task_description, input_data, workflow_id,
		   enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OrganizationID, job.UserID, job.CronExpression, job.TaskDescription, input, nullStr(job.WorkflowID),
		job.Enabled, nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus), job.CreatedAt,
	)
	return wrapStore(err, "create scheduled job")
}

const scheduledJobColumns = `id, organization_id, user_id, cron_expression, task_description, input_data, workflow_id,
	enabled, last_run_at, next_run_at, last_run_status, created_at`

func scanScheduledJob(r rowScanner) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var (
		input                 string
		workflowID, runStatus sql.NullString
		lastRun, nextRun      sql.NullTime
	)
	if err := r.Scan(&j.ID, &j.OrganizationID, &j.UserID, &j.CronExpression, &j.TaskDescription, &input, &workflowID,
		&j.Enabled, &lastRun, &nextRun, &runStatus, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.WorkflowID = workflowID.String
	j.LastRunStatus = runStatus.String
	j.LastRunAt = timePtr(lastRun)
	j.NextRunAt = timePtr(nextRun)
	if err := unmarshalMap(input, &j.InputData); err != nil {
		return nil, fmt.Errorf("unmarshal input_data: %w", err)
	}
	return j, nil
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	j, err := scanScheduledJob(s.db.QueryRowContext(ctx, `SELECT `+scheduledJobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("scheduled_job", id)
	}
	return j, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE scheduled_jobs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return wrapStore(err, "update scheduled job")
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	query := `SELECT ` + scheduledJobColumns + ` FROM scheduled_jobs`
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	query += whereClause(where) + ` ORDER BY created_at ASC, rowid ASC` + limitClause(filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledJob
	for rows.Next() {
		j, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return wrapStore(err, "delete scheduled job")
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NotFound(resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func wrapStore(err error, op string) error {
	if err == nil {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

// pageClause is limitClause with an OFFSET. SQLite only accepts OFFSET after
// a LIMIT, so an unlimited page uses LIMIT -1.
func pageClause(limit, offset int) string {
	if offset <= 0 {
		return limitClause(limit)
	}
	if limit <= 0 {
		limit = -1
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func nullEventType(t *schema.EventType) any {
	if t == nil {
		return nil
	}
	return string(*t)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	return string(raw), err
}

func unmarshalMap(raw string, dst *map[string]any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func marshalResults(results []StepResult) (string, error) {
	if results == nil {
		results = []StepResult{}
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("marshal step_results: %w", err)
	}
	return string(raw), nil
}
