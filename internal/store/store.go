package store

import (
	"context"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
//
// Transition methods are conditional updates: they apply the update only when
// the stored record still matches the guard, and report whether it did.
// A false result with a nil error is a lost race or a duplicate delivery.
type Store interface {
	// Events (immutable)
	CreateEvent(ctx context.Context, ev *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	// Workflow definitions
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ReplaceWorkflow(ctx context.Context, wf *Workflow) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	TransitionExecution(ctx context.Context, id string, guard ExecutionGuard, update ExecutionUpdate) (bool, error)

	// Automation jobs
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	TransitionJob(ctx context.Context, id string, from schema.RunStatus, update JobUpdate) (bool, error)

	// Execution logs (append-only)
	AppendLog(ctx context.Context, entry *LogEntry) error
	ListLogs(ctx context.Context, filter LogFilter) ([]*LogEntry, error)

	// Queue tasks
	EnqueueTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ClaimTask(ctx context.Context, families []string, now time.Time, lease time.Duration) (*Task, error)
	CompleteTask(ctx context.Context, id string) error
	RetryTask(ctx context.Context, id string, availableAt time.Time, lastErr string) error
	BuryTask(ctx context.Context, id string, lastErr string) error

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
