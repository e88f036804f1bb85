package expressions

import (
	"encoding/json"
	"maps"
	"sync"

	"github.com/rendis/opflow/pkg/schema"
)

// Scope accumulates the context handed to each step of one execution run.
// It enforces:
//   - Step outputs are immutable after completion (frozen on insert).
//   - Append-only: outputs are added in step order and never replaced.
//   - The input data and execution metadata are frozen at creation.
type Scope struct {
	mu        sync.RWMutex
	input     map[string]any
	execution map[string]any
	steps     map[string]any // step key -> frozen output
	results   []any          // outputs in step order
}

// NewScope creates a Scope for an execution. input and execution are deep-copied.
func NewScope(input, execution map[string]any) *Scope {
	return &Scope{
		input:     deepCopyMap(input),
		execution: deepCopyMap(execution),
		steps:     make(map[string]any),
	}
}

// AddStepOutput registers a completed step's output under key. Re-registering
// a key is rejected.
func (s *Scope) AddStepOutput(key string, output json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.steps[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step %q output already registered; step outputs are immutable after completion", key)
	}

	var parsed any
	if len(output) > 0 {
		if err := json.Unmarshal(output, &parsed); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"cannot parse step %q output: %s", key, err.Error())
		}
	}
	s.steps[key] = parsed
	s.results = append(s.results, parsed)
	return nil
}

// Data returns a snapshot safe to hand to a step or an expression engine:
// {"input", "steps", "results", "execution"}.
func (s *Scope) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]any, len(s.results))
	for i, r := range s.results {
		results[i] = deepCopyAny(r)
	}
	return map[string]any{
		"input":     deepCopyMap(s.input),
		"steps":     deepCopyMap(s.steps),
		"results":   results,
		"execution": maps.Clone(s.execution),
	}
}

// StepOutputs returns a copy of the outputs registered so far.
func (s *Scope) StepOutputs() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.steps)
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Primitives (string, float64, bool, nil) are value types and returned as-is.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
