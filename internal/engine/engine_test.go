package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/providers"
	"github.com/rendis/opflow/internal/queue"
	"github.com/rendis/opflow/internal/steps"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

// --- fake queue ---

type queuedTask struct {
	id          string
	family      string
	payload     json.RawMessage
	delay       time.Duration
	availableAt time.Time
}

type fakeQueue struct {
	mu    sync.Mutex
	clock *manualClock
	tasks []queuedTask
	seq   int
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, family string, payload any, delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	q.seq++
	id := fmt.Sprintf("task-%d", q.seq)
	q.tasks = append(q.tasks, queuedTask{
		id: id, family: family, payload: b, delay: delay,
		availableAt: q.clock.now().Add(delay),
	})
	return id, nil
}

// next pops the first task that is due.
func (q *fakeQueue) next() (queuedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.now()
	for i, t := range q.tasks {
		if !t.availableAt.After(now) {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return t, true
		}
	}
	return queuedTask{}, false
}

func (q *fakeQueue) pending() []queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queuedTask(nil), q.tasks...)
}

// --- scripted step handler ---

type funcHandler struct {
	typ   schema.StepType
	mu    sync.Mutex
	calls int
	reqs  []*steps.Request
	fn    func(ctx context.Context, call int, req *steps.Request) (*steps.Result, error)
}

func (h *funcHandler) Type() schema.StepType { return h.typ }
func (h *funcHandler) ConfigSchema() []byte  { return nil }

func (h *funcHandler) Execute(ctx context.Context, req *steps.Request) (*steps.Result, error) {
	h.mu.Lock()
	h.calls++
	call := h.calls
	h.reqs = append(h.reqs, req)
	h.mu.Unlock()
	if h.fn == nil {
		return &steps.Result{Output: json.RawMessage(`{"ok":true}`)}, nil
	}
	return h.fn(ctx, call, req)
}

func (h *funcHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *funcHandler) LastRequest() *steps.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.reqs) == 0 {
		return nil
	}
	return h.reqs[len(h.reqs)-1]
}

// --- recording collaborators ---

type recordingMessenger struct {
	mu   sync.Mutex
	sent []providers.Message
}

func (m *recordingMessenger) Send(_ context.Context, msg providers.Message) (*providers.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return &providers.Delivery{ExternalID: "ext-1"}, nil
}

func (m *recordingMessenger) Sent() []providers.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]providers.Message(nil), m.sent...)
}

type recordingMetrics struct {
	mu         sync.Mutex
	jobs       map[schema.RunStatus]int
	executions map[schema.RunStatus]int
	steps      map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		jobs:       map[schema.RunStatus]int{},
		executions: map[schema.RunStatus]int{},
		steps:      map[string]int{},
	}
}

func (m *recordingMetrics) JobFinished(s schema.RunStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[s]++
}

func (m *recordingMetrics) ExecutionFinished(s schema.RunStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[s]++
}

func (m *recordingMetrics) StepObserved(t schema.StepType, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[string(t)+"/"+outcome]++
}

// --- harness ---

const (
	testOrg  = "org-1"
	testUser = "user-a"
)

type harness struct {
	t         *testing.T
	clock     *manualClock
	store     *store.MemoryStore
	queue     *fakeQueue
	hub       *streaming.MemoryHub
	metrics   *recordingMetrics
	messenger *recordingMessenger
	exec      *ExecutionEngine
	jobs      *JobEngine
	workflows *WorkflowService
	events    *EventService
}

func newHarness(t *testing.T, extra ...steps.Handler) *harness {
	t.Helper()
	clock := &manualClock{t: time.Now().UTC().Truncate(time.Second)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	q := &fakeQueue{clock: clock}
	hub := streaming.NewMemoryHub()
	metrics := newRecordingMetrics()
	messenger := &recordingMessenger{}
	ai := providers.NewMockProvider(logger)

	registry, err := steps.NewBuiltinRegistry(steps.Deps{
		AI:        ai,
		Messenger: messenger,
		Logger:    logger,
		Now:       clock.now,
	})
	require.NoError(t, err)
	for _, h := range extra {
		require.NoError(t, registry.Register(h))
	}

	celEngine, err := expressions.NewCELEngine()
	require.NoError(t, err)
	validator, err := validation.NewWorkflowValidator(registry, celEngine,
		expressions.NewInterpolator(expressions.NewExprEngine()))
	require.NoError(t, err)

	execEngine, err := NewExecutionEngine(ExecutionDeps{
		Store: st, Steps: registry, CEL: celEngine, Queue: q,
		Hub: hub, Metrics: metrics, Logger: logger,
	}, ExecutionConfig{StepTimeout: 5 * time.Second})
	require.NoError(t, err)
	execEngine.now = clock.now
	execEngine.breakers.now = clock.now

	jobEngine, err := NewJobEngine(JobDeps{
		Store: st, Executions: execEngine, Interpreter: providers.NewProviderInterpreter(ai),
		Queue: q, Hub: hub, Metrics: metrics, Logger: logger,
	}, JobConfig{})
	require.NoError(t, err)
	jobEngine.now = clock.now

	wfs := NewWorkflowService(st, validator, logger)
	wfs.now = clock.now
	evs := NewEventService(st, execEngine, logger)
	evs.now = clock.now

	return &harness{
		t: t, clock: clock, store: st, queue: q, hub: hub, metrics: metrics,
		messenger: messenger, exec: execEngine, jobs: jobEngine, workflows: wfs, events: evs,
	}
}

// drain delivers due tasks to the engines until none are left, the way a
// queue worker would. Handler errors are returned in delivery order.
func (h *harness) drain() []error {
	h.t.Helper()
	var errs []error
	for i := 0; i < 100; i++ {
		task, ok := h.queue.next()
		if !ok {
			return errs
		}
		st := &store.Task{ID: task.id, Family: task.family, Payload: task.payload}
		var err error
		switch task.family {
		case queue.FamilyWorkflow:
			err = h.exec.HandleTask(context.Background(), st)
		case queue.FamilyAutomation:
			err = h.jobs.HandleTask(context.Background(), st)
		default:
			h.t.Fatalf("unexpected task family %q", task.family)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	h.t.Fatal("queue did not drain")
	return nil
}

func (h *harness) createWorkflow(in *schema.WorkflowInput) *store.Workflow {
	h.t.Helper()
	wf, err := h.workflows.CreateWorkflow(context.Background(), testOrg, in)
	require.NoError(h.t, err)
	return wf
}

func (h *harness) execution(id string) *store.Execution {
	h.t.Helper()
	exec, err := h.store.GetExecution(context.Background(), id)
	require.NoError(h.t, err)
	return exec
}

func (h *harness) executionLogs(id string) []*store.LogEntry {
	h.t.Helper()
	logs, err := h.store.ListLogs(context.Background(), store.LogFilter{ExecutionID: id})
	require.NoError(h.t, err)
	return logs
}

func step(t schema.StepType, name string, config string) schema.StepSpec {
	s := schema.StepSpec{StepType: t, Name: name}
	if config != "" {
		s.Config = json.RawMessage(config)
	}
	return s
}

func eventType(t schema.EventType) *schema.EventType { return &t }

func logSteps(logs []*store.LogEntry) []string {
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = l.Step
	}
	return out
}
