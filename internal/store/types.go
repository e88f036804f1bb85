package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// Event is an immutable business event ingested for an organization.
type Event struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organizationId"`
	Type           schema.EventType `json:"type"`
	Name           string           `json:"name"`
	Payload        map[string]any   `json:"payload"`
	Source         string           `json:"source,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// Workflow is a persisted workflow definition.
type Workflow struct {
	ID               string            `json:"id"`
	OrganizationID   string            `json:"organizationId"`
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	TriggerEventType *schema.EventType `json:"triggerEventType"`
	TriggerCondition *schema.Condition `json:"triggerCondition"`
	Steps            []schema.StepSpec `json:"steps"`
	IsActive         bool              `json:"isActive"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// StepResult records the outcome of one executed (or skipped) step.
type StepResult struct {
	Index       int               `json:"index"`
	Key         string            `json:"key"`
	StepType    schema.StepType   `json:"stepType"`
	Status      schema.StepStatus `json:"status"`
	Output      json.RawMessage   `json:"output"`
	StartedAt   time.Time         `json:"startedAt"`
	CompletedAt time.Time         `json:"completedAt"`
	DurationMs  int64             `json:"durationMs"`
}

// Execution is one run of a workflow.
type Execution struct {
	ID                string            `json:"id"`
	WorkflowID        string            `json:"workflowId"`
	OrganizationID    string            `json:"organizationId"`
	TriggeringEventID string            `json:"triggeringEventId,omitempty"`
	JobID             string            `json:"jobId,omitempty"`
	InputData         map[string]any    `json:"inputData"`
	Steps             []schema.StepSpec `json:"steps,omitempty"`
	Status            schema.RunStatus  `json:"status"`
	WaitState         schema.WaitState  `json:"waitState,omitempty"`
	ResumeAt          *time.Time        `json:"resumeAt,omitempty"`
	CurrentStepIndex  int               `json:"currentStepIndex"`
	StepResults       []StepResult      `json:"stepResults"`
	Result            json.RawMessage   `json:"result,omitempty"`
	Error             string            `json:"error,omitempty"`
	StartedAt         *time.Time        `json:"startedAt,omitempty"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty"`
	DurationMs        *int64            `json:"durationMs,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// Job is a client-requested automation job.
type Job struct {
	ID              string           `json:"id"`
	OrganizationID  string           `json:"organizationId"`
	UserID          string           `json:"userId"`
	WorkflowID      string           `json:"workflowId,omitempty"`
	ExecutionID     string           `json:"executionId,omitempty"`
	TaskDescription string           `json:"taskDescription"`
	InputData       map[string]any   `json:"inputData"`
	ExpectedOutput  string           `json:"expectedOutput,omitempty"`
	Status          schema.RunStatus `json:"status"`
	Result          json.RawMessage  `json:"result,omitempty"`
	Error           string           `json:"error,omitempty"`
	Logs            []*LogEntry      `json:"executionLogs"`
	StartedAt       *time.Time       `json:"startedAt,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	ExecutionTimeMs *int64           `json:"executionTime,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// LogEntry is an append-only audit record attached to a job, an execution, or both.
// Sequence is assigned on append and increases per owner.
type LogEntry struct {
	ID          int64            `json:"-"`
	JobID       string           `json:"jobId,omitempty"`
	ExecutionID string           `json:"executionId,omitempty"`
	Sequence    int64            `json:"sequence"`
	Step        string           `json:"step"`
	Status      schema.LogStatus `json:"status"`
	Message     string           `json:"message"`
	Data        json.RawMessage  `json:"data,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// TaskStatus is the delivery state of a queued task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskLeased  TaskStatus = "leased"
	TaskDone    TaskStatus = "done"
	TaskDead    TaskStatus = "dead"
)

// Task is a durable queue entry. A leased task whose lease expired is
// claimable again, which is what makes delivery at-least-once.
type Task struct {
	ID          string          `json:"id"`
	Family      string          `json:"family"`
	Payload     json.RawMessage `json:"payload"`
	Status      TaskStatus      `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	AvailableAt time.Time       `json:"availableAt"`
	LeaseUntil  *time.Time      `json:"leaseUntil,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ScheduledJob creates an automation job each time its cron expression fires.
type ScheduledJob struct {
	ID              string         `json:"id"`
	OrganizationID  string         `json:"organizationId"`
	UserID          string         `json:"userId"`
	CronExpression  string         `json:"cronExpression"`
	TaskDescription string         `json:"taskDescription"`
	InputData       map[string]any `json:"inputData,omitempty"`
	WorkflowID      string         `json:"workflowId,omitempty"`
	Enabled         bool           `json:"enabled"`
	LastRunAt       *time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt       *time.Time     `json:"nextRunAt,omitempty"`
	LastRunStatus   string         `json:"lastRunStatus,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// --- Filter, guard and update types ---

// EventFilter specifies criteria for listing events. Results are newest first.
type EventFilter struct {
	OrganizationID string           `json:"organizationId,omitempty"`
	Type           schema.EventType `json:"type,omitempty"`
	Limit          int              `json:"limit,omitempty"`
}

// WorkflowFilter specifies criteria for listing workflows.
// Results are in creation order unless NewestFirst is set.
type WorkflowFilter struct {
	OrganizationID   string           `json:"organizationId,omitempty"`
	TriggerEventType schema.EventType `json:"triggerEventType,omitempty"`
	ActiveOnly       bool             `json:"activeOnly,omitempty"`
	NewestFirst      bool             `json:"newestFirst,omitempty"`
	Limit            int              `json:"limit,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions. Results are in
// creation order. Offset skips that many matches before Limit applies.
type ExecutionFilter struct {
	OrganizationID    string             `json:"organizationId,omitempty"`
	WorkflowID        string             `json:"workflowId,omitempty"`
	TriggeringEventID string             `json:"triggeringEventId,omitempty"`
	JobID             string             `json:"jobId,omitempty"`
	Status            schema.RunStatus   `json:"status,omitempty"`
	WaitStates        []schema.WaitState `json:"waitStates,omitempty"`
	Limit             int                `json:"limit,omitempty"`
	Offset            int                `json:"offset,omitempty"`
}

// ExecutionGuard is the compare half of a compare-and-set on an execution.
// Zero-valued fields are not checked.
type ExecutionGuard struct {
	Status     schema.RunStatus
	WaitStates []schema.WaitState
	StepIndex  *int
}

// ExecutionUpdate specifies mutable fields of an execution. Nil fields are left unchanged.
// Log, when set, is appended in the same transaction as the update.
type ExecutionUpdate struct {
	Status           *schema.RunStatus
	WaitState        *schema.WaitState
	ResumeAt         *time.Time
	ClearResumeAt    bool
	CurrentStepIndex *int
	StepResults      []StepResult
	Result           json.RawMessage
	Error            *string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	DurationMs       *int64
	Log              *LogEntry
}

// JobFilter specifies criteria for listing jobs. Results are newest first
// unless OldestFirst is set. Offset skips that many matches before Limit applies.
type JobFilter struct {
	OrganizationID string           `json:"organizationId,omitempty"`
	UserID         string           `json:"userId,omitempty"`
	Status         schema.RunStatus `json:"status,omitempty"`
	OldestFirst    bool             `json:"oldestFirst,omitempty"`
	Limit          int              `json:"limit,omitempty"`
	Offset         int              `json:"offset,omitempty"`
}

// JobUpdate specifies mutable fields of a job. Nil fields are left unchanged.
// Log, when set, is appended in the same transaction as the update.
type JobUpdate struct {
	Status          *schema.RunStatus
	ExecutionID     *string
	Result          json.RawMessage
	Error           *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ExecutionTimeMs *int64
	Log             *LogEntry
}

// LogFilter selects log entries by owner. Results are in append order.
type LogFilter struct {
	JobID       string `json:"jobId,omitempty"`
	ExecutionID string `json:"executionId,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt     *time.Time `json:"nextRunAt,omitempty"`
	LastRunStatus string     `json:"lastRunStatus,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// Ptr returns a pointer to v. Handy for building updates.
func Ptr[T any](v T) *T { return &v }
