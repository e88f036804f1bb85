package steps

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// Request is everything a handler sees when its step runs.
type Request struct {
	ExecutionID    string
	OrganizationID string
	Index          int
	Key            string
	Step           schema.StepSpec
	// Data is the accumulated context: {"input", "steps", "results", "execution"}.
	Data map[string]any
}

// SuspendKind says why a step handed control back to the engine.
type SuspendKind string

const (
	SuspendApproval SuspendKind = "approval"
	SuspendSleep    SuspendKind = "sleep"
)

// Suspension asks the engine to park the execution instead of running the next step.
type Suspension struct {
	Kind     SuspendKind
	ResumeAt time.Time // SuspendSleep only

	// SuspendApproval only.
	Message   string
	Approvers []string
}

// Result is a handler's outcome. Output becomes the step result; a non-nil
// Suspend parks the execution after the result is recorded.
type Result struct {
	Output  json.RawMessage
	Suspend *Suspension
}

// Handler executes one step type. Handlers must decode their own config and
// return VALIDATION_ERROR on shape mismatch rather than panicking.
type Handler interface {
	Type() schema.StepType
	ConfigSchema() []byte
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// SingleAttempt is implemented by handlers whose side effects must not be
// repeated by in-step retry.
type SingleAttempt interface {
	SingleAttempt() bool
}

// Registry maps step types to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.StepType]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[schema.StepType]Handler)}
}

// Register adds a handler. Returns CONFLICT on duplicate type.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	t := h.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler step type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step type %q already registered", t)
	}
	r.handlers[t] = h
	return nil
}

// Get retrieves the handler for a step type.
func (r *Registry) Get(t schema.StepType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", t)
	}
	return h, nil
}

// Has checks if a step type is registered.
func (r *Registry) Has(t schema.StepType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}

// ConfigSchema returns the JSON Schema of a step type's config, or nil.
func (r *Registry) ConfigSchema(t schema.StepType) []byte {
	h, err := r.Get(t)
	if err != nil {
		return nil
	}
	return h.ConfigSchema()
}

// Types returns the registered step types, sorted.
func (r *Registry) Types() []schema.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.StepType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// decodeConfig unmarshals a step config into dst. An empty config decodes as {}.
func decodeConfig(req *Request, dst any) error {
	raw := req.Step.Config
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s config: %s", req.Step.StepType, err.Error())
	}
	return nil
}

func marshalOutput(v any) (*Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStepFailed, "cannot encode step output").WithCause(err)
	}
	return &Result{Output: b}, nil
}
