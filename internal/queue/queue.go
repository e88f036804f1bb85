package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// Task families.
const (
	FamilyAutomation = "automation"
	FamilyWorkflow   = "workflow"
)

// Delivery outcomes reported to the Observer.
const (
	OutcomeDone    = "done"
	OutcomeRetried = "retried"
	OutcomeDead    = "dead"
)

// Handler processes one delivered task. Returning nil acknowledges it.
// A handler may be invoked more than once for the same task.
type Handler func(ctx context.Context, task *store.Task) error

// Observer receives delivery outcomes. Implemented by the metrics package.
type Observer interface {
	QueueDelivery(family, outcome string)
}

// ErrShuttingDown is the cancellation cause seen by handlers still running
// when DrainTimeout expires after Run was asked to stop.
var ErrShuttingDown = errors.New("queue consumer shutting down")

// Config tunes polling, leasing and redelivery. DrainTimeout is how long
// in-flight handlers may keep running once Run's context is cancelled.
type Config struct {
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	DrainTimeout time.Duration
}

// DefaultConfig returns the defaults used when a field is zero.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: time.Second,
		Lease:        5 * time.Minute,
		MaxAttempts:  3,
		BaseBackoff:  2 * time.Second,
		MaxBackoff:   5 * time.Minute,
		DrainTimeout: 30 * time.Second,
	}
}

// DurableQueue delivers tasks stored in the task table to registered
// handlers, at least once. A task whose worker dies keeps its lease until it
// expires and is then claimed again.
type DurableQueue struct {
	store    store.Store
	cfg      Config
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
	wake     chan struct{}
}

// New creates a DurableQueue. logger and observer may be nil.
func New(st store.Store, cfg Config, logger *slog.Logger, observer Observer) *DurableQueue {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	return &DurableQueue{
		store:    st,
		cfg:      cfg,
		logger:   logging.OrDefault(logger),
		observer: observer,
		now:      time.Now,
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
	}
}

// Register sets the handler for a task family.
func (q *DurableQueue) Register(family string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[family] = h
}

// Families returns the families that have a handler.
func (q *DurableQueue) Families() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.handlers))
	for f := range q.handlers {
		out = append(out, f)
	}
	return out
}

// Enqueue stores a task that becomes deliverable after delay. The caller does
// not wait for processing.
func (q *DurableQueue) Enqueue(ctx context.Context, family string, payload any, delay time.Duration) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeValidation, "task payload is not JSON-encodable").WithCause(err)
	}
	if delay < 0 {
		delay = 0
	}
	task := &store.Task{
		ID:          uuid.NewString(),
		Family:      family,
		Payload:     raw,
		MaxAttempts: q.cfg.MaxAttempts,
		AvailableAt: q.now().UTC().Add(delay),
	}
	if err := q.store.EnqueueTask(ctx, task); err != nil {
		return "", err
	}
	if delay == 0 {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return task.ID, nil
}

// Run polls for tasks and dispatches them to at most cfg.Workers concurrent
// deliveries until ctx is cancelled. In-flight deliveries are awaited before
// Run returns. Handlers do not see ctx's cancellation: they keep running for
// up to cfg.DrainTimeout, after which their context is cancelled with
// ErrShuttingDown. Outcomes are recorded either way.
func (q *DurableQueue) Run(ctx context.Context) error {
	var onChange func(int)
	if bo, ok := q.observer.(BusyObserver); ok {
		onChange = bo.QueueBusy
	}
	hctx, stopHandlers := context.WithCancelCause(context.WithoutCancel(ctx))
	defer stopHandlers(ErrShuttingDown)
	pool := newDeliveryPool(q.cfg.Workers, onChange)
	defer pool.stop()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	q.logger.InfoContext(ctx, "queue consumer started", "workers", q.cfg.Workers, "families", q.Families())
	for {
		for pool.free() > 0 {
			task, err := q.claim(ctx)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.ErrorContext(ctx, "claim task failed", "error", err)
				}
				break
			}
			if task == nil {
				break
			}
			if !pool.start(func() {
				if err := q.deliver(hctx, task); err != nil {
					q.logger.ErrorContext(hctx, "record task outcome failed", "task_id", task.ID, "error", err)
				}
			}) {
				// The lease expires and another consumer picks the task up.
				return nil
			}
		}

		select {
		case <-ctx.Done():
			q.logger.InfoContext(hctx, "queue consumer stopping", "in_flight", pool.busy(), "drain_timeout", q.cfg.DrainTimeout)
			time.AfterFunc(q.cfg.DrainTimeout, func() { stopHandlers(ErrShuttingDown) })
			return nil
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

// ProcessOne claims and synchronously delivers a single task. It reports
// whether a task was found.
func (q *DurableQueue) ProcessOne(ctx context.Context) (bool, error) {
	task, err := q.claim(ctx)
	if err != nil || task == nil {
		return false, err
	}
	return true, q.deliver(ctx, task)
}

// Drain delivers every task available now, one at a time. Delayed tasks are
// left alone. It returns the number of deliveries.
func (q *DurableQueue) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		ok, err := q.ProcessOne(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

func (q *DurableQueue) claim(ctx context.Context) (*store.Task, error) {
	families := q.Families()
	if len(families) == 0 {
		return nil, nil
	}
	return q.store.ClaimTask(ctx, families, q.now().UTC(), q.cfg.Lease)
}

// deliver runs the handler and records the outcome. Handler errors are
// consumed here; only store failures are returned. The outcome is recorded
// even when ctx was cancelled while the handler ran.
func (q *DurableQueue) deliver(ctx context.Context, task *store.Task) error {
	log := q.logger.With("task_id", task.ID, "family", task.Family, "attempt", task.Attempts)
	hctx := ctx
	ctx = context.WithoutCancel(ctx)

	max := task.MaxAttempts
	if max <= 0 {
		max = q.cfg.MaxAttempts
	}
	if task.Attempts > max {
		log.WarnContext(ctx, "task attempts exhausted after lease expiry")
		return q.bury(ctx, task, "attempts exhausted: "+task.LastError)
	}

	q.mu.RLock()
	h, ok := q.handlers[task.Family]
	q.mu.RUnlock()
	if !ok {
		return q.bury(ctx, task, fmt.Sprintf("no handler for family %q", task.Family))
	}

	err := q.invoke(hctx, h, task)
	switch {
	case err == nil:
		q.observe(task.Family, OutcomeDone)
		return q.store.CompleteTask(ctx, task.ID)
	case IsPermanent(err):
		log.WarnContext(ctx, "task failed permanently", "error", err)
		return q.bury(ctx, task, err.Error())
	case task.Attempts >= max:
		log.ErrorContext(ctx, "task failed, no attempts left", "error", err)
		return q.bury(ctx, task, err.Error())
	default:
		delay := q.backoff(task.Attempts)
		log.WarnContext(ctx, "task failed, will redeliver", "error", err, "delay", delay)
		q.observe(task.Family, OutcomeRetried)
		return q.store.RetryTask(ctx, task.ID, q.now().UTC().Add(delay), err.Error())
	}
}

func (q *DurableQueue) invoke(ctx context.Context, h Handler, task *store.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return h(ctx, task)
}

func (q *DurableQueue) bury(ctx context.Context, task *store.Task, reason string) error {
	q.observe(task.Family, OutcomeDead)
	return q.store.BuryTask(ctx, task.ID, reason)
}

// backoff is BaseBackoff * 2^(attempt-1), capped at MaxBackoff.
func (q *DurableQueue) backoff(attempt int) time.Duration {
	d := q.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	return min(d, q.cfg.MaxBackoff)
}

func (q *DurableQueue) observe(family, outcome string) {
	if q.observer != nil {
		q.observer.QueueDelivery(family, outcome)
	}
}

// permanentError marks a failure that redelivery cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the queue dead-letters the task instead of
// redelivering it. The failure is still logged and counted.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
