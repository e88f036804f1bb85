package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Task is the ad hoc automation request handed to a TaskInterpreter.
type Task struct {
	JobID          string         `json:"jobId"`
	Description    string         `json:"taskDescription"`
	InputData      map[string]any `json:"inputData"`
	ExpectedOutput string         `json:"expectedOutput,omitempty"`
}

// TaskInterpreter performs a job that is not backed by a workflow.
type TaskInterpreter interface {
	Interpret(ctx context.Context, task Task) (json.RawMessage, error)
}

// ProviderInterpreter asks an AI provider to understand the task and wraps
// the analysis with the original input.
type ProviderInterpreter struct {
	provider AIProvider
	now      func() time.Time
}

// NewProviderInterpreter creates a ProviderInterpreter over provider.
func NewProviderInterpreter(provider AIProvider) *ProviderInterpreter {
	return &ProviderInterpreter{provider: provider, now: time.Now}
}

func (pi *ProviderInterpreter) Interpret(ctx context.Context, task Task) (json.RawMessage, error) {
	resp, err := pi.provider.Understand(ctx, AIRequest{
		Prompt:  task.Description,
		Context: task.InputData,
		Options: expected(task.ExpectedOutput),
	})
	if err != nil {
		return nil, err
	}

	input := task.InputData
	if input == nil {
		input = map[string]any{}
	}
	return json.Marshal(map[string]any{
		"processed": true,
		"input":     input,
		"message":   fmt.Sprintf("Task %q has been processed", task.Description),
		"analysis":  resp,
		"timestamp": pi.now().UTC().Format(time.RFC3339Nano),
	})
}

func expected(out string) map[string]any {
	if out == "" {
		return nil
	}
	return map[string]any{"expectedOutput": out}
}
