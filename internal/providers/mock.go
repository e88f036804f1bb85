package providers

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/opflow/internal/logging"
)

// MockProvider returns canned responses without calling anything external.
// It is the default provider for development and tests.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a MockProvider. logger may be nil.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logging.OrDefault(logger)}
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Understand(ctx context.Context, _ AIRequest) (*AIResponse, error) {
	return m.respond(ctx, OpUnderstand, map[string]any{
		"extracted": map[string]any{
			"intent":   "automation_request",
			"entities": map[string]any{"task": "data processing", "priority": "normal"},
		},
	}, 0.8, 150, 0.001)
}

func (m *MockProvider) Classify(ctx context.Context, req AIRequest) (*AIResponse, error) {
	category := "general"
	if len(req.Categories) > 0 {
		category = req.Categories[0]
	}
	return m.respond(ctx, OpClassify, map[string]any{"category": category, "confidence": 0.9}, 0.9, 50, 0.0001)
}

func (m *MockProvider) Summarize(ctx context.Context, _ AIRequest) (*AIResponse, error) {
	return m.respond(ctx, OpSummarize, map[string]any{"summary": "This is a mock summary of the input text."}, 0.85, 100, 0.0005)
}

func (m *MockProvider) Extract(ctx context.Context, _ AIRequest) (*AIResponse, error) {
	return m.respond(ctx, OpExtract, map[string]any{
		"extracted": map[string]any{"field1": "value1", "field2": "value2"},
	}, 0.8, 120, 0.0008)
}

func (m *MockProvider) SuggestDecision(ctx context.Context, _ AIRequest) (*AIResponse, error) {
	return m.respond(ctx, OpSuggestDecision, map[string]any{
		"suggestion": "proceed",
		"reasoning":  "Mock reasoning based on input analysis",
		"confidence": 0.75,
	}, 0.75, 200, 0.002)
}

func (m *MockProvider) respond(ctx context.Context, op Operation, data map[string]any, confidence float64, tokens int, cost float64) (*AIResponse, error) {
	m.logger.DebugContext(ctx, "mock provider call", "operation", op)
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &AIResponse{
		Data:       raw,
		Confidence: confidence,
		TokensUsed: tokens,
		Cost:       cost,
		Model:      "mock",
		Provider:   "mock",
	}, nil
}
