package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

const (
	DefaultInterval   = 60 * time.Second
	DefaultStallAfter = 5 * time.Minute
)

// JobCreator is the part of the job engine the scheduler drives.
type JobCreator interface {
	CreateJob(ctx context.Context, orgID, userID string, in *schema.JobInput) (*store.Job, error)
}

// Recoverer re-enqueues work whose queue task was lost.
type Recoverer interface {
	RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error)
}

// Config tunes the scheduling loop.
type Config struct {
	Interval   time.Duration
	StallAfter time.Duration
}

// ScheduleInput describes a new cron-triggered automation job.
type ScheduleInput struct {
	CronExpression  string         `json:"cronExpression"`
	TaskDescription string         `json:"taskDescription"`
	InputData       map[string]any `json:"inputData"`
	WorkflowID      string         `json:"workflowId,omitempty"`
}

// Scheduler polls the store for due scheduled jobs and turns each run into an
// automation job. Every tick also asks the recoverers to re-enqueue stalled work.
type Scheduler struct {
	store      store.Store
	jobs       JobCreator
	recoverers []Recoverer
	parser     cron.Parser
	interval   time.Duration
	stallAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
	cancel     context.CancelFunc
	done       chan struct{}
	mu         sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently running (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, jobs JobCreator, logger *slog.Logger, cfg Config, recoverers ...Recoverer) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = DefaultStallAfter
	}
	return &Scheduler{
		store:      s,
		jobs:       jobs,
		recoverers: recoverers,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval:   cfg.Interval,
		stallAfter: cfg.StallAfter,
		logger:     logging.OrDefault(logger),
		now:        time.Now,
		inflight:   make(map[string]struct{}),
	}
}

// Create validates and stores a schedule. The first run is the next cron
// activation after now.
func (s *Scheduler) Create(ctx context.Context, orgID, userID string, in *ScheduleInput) (*store.ScheduledJob, error) {
	if orgID == "" || userID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "organization and user are required")
	}
	if in == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "schedule is nil")
	}
	if err := validation.ValidateJob(&schema.JobInput{
		TaskDescription: in.TaskDescription,
		InputData:       in.InputData,
		WorkflowID:      in.WorkflowID,
	}); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	next, err := s.CalculateNextRun(in.CronExpression, now)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	if in.WorkflowID != "" {
		wf, err := s.store.GetWorkflow(ctx, in.WorkflowID)
		if err != nil {
			return nil, err
		}
		if wf.OrganizationID != orgID {
			return nil, schema.NotFound("workflow", in.WorkflowID)
		}
	}

	job := &store.ScheduledJob{
		ID:              uuid.New().String(),
		OrganizationID:  orgID,
		UserID:          userID,
		CronExpression:  in.CronExpression,
		TaskDescription: in.TaskDescription,
		InputData:       in.InputData,
		WorkflowID:      in.WorkflowID,
		Enabled:         true,
		NextRunAt:       &next,
		CreatedAt:       now,
	}
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.InfoContext(logging.WithOrganizationID(ctx, orgID), "schedule created",
		"schedule_id", job.ID, "cron", job.CronExpression, "next_run_at", next)
	return job, nil
}

// List returns an organization's schedules.
func (s *Scheduler) List(ctx context.Context, orgID string) ([]*store.ScheduledJob, error) {
	return s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{OrganizationID: orgID})
}

// Delete removes a schedule owned by orgID.
func (s *Scheduler) Delete(ctx context.Context, id, orgID string) error {
	job, err := s.store.GetScheduledJob(ctx, id)
	if err != nil {
		return err
	}
	if job.OrganizationID != orgID {
		return schema.NotFound("schedule", id)
	}
	return s.store.DeleteScheduledJob(ctx, id)
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs the due schedules, then recovers stalled work.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
	}

	now := s.now().UTC()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue // already running (dedup)
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("schedule_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		s.releaseJob(job.ID)
	}

	for _, r := range s.recoverers {
		if _, err := r.RecoverStalled(ctx, s.stallAfter); err != nil {
			s.logger.Error("stalled work recovery failed", slog.String("error", err.Error()))
		}
	}
}

// runJob creates the automation job for one activation and records the outcome.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	ctx = logging.WithOrganizationID(ctx, job.OrganizationID)
	s.logger.InfoContext(ctx, "running scheduled job",
		slog.String("schedule_id", job.ID),
		slog.String("workflow_id", job.WorkflowID),
	)

	input := job.InputData
	if input == nil {
		input = map[string]any{}
	}
	created, err := s.jobs.CreateJob(ctx, job.OrganizationID, job.UserID, &schema.JobInput{
		TaskDescription: job.TaskDescription,
		InputData:       input,
		WorkflowID:      job.WorkflowID,
	})
	status := "success"
	if err != nil {
		status = "error"
		s.logger.ErrorContext(ctx, "scheduled job creation failed",
			slog.String("schedule_id", job.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.DebugContext(ctx, "scheduled job enqueued", slog.String("job_id", created.ID))
	}

	return s.updateJobStatus(ctx, job, now, status)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		// A schedule that can never fire again is switched off.
		disabled := false
		_ = s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
			Enabled: &disabled, LastRunAt: &now, LastRunStatus: "error",
		})
		return fmt.Errorf("calculate next run for schedule %q: %w", job.ID, err)
	}

	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the schedule as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs once every schedule whose next run passed while the
// process was down. Call it before Start.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := s.now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		err := s.runJob(ctx, job, now)
		s.releaseJob(job.ID)
		if err != nil {
			s.logger.Error("failed to recover missed schedule",
				slog.String("schedule_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
