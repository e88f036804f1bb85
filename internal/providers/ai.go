package providers

import (
	"context"
	"encoding/json"
)

// Operation names the capability requested from an AI provider.
type Operation string

const (
	OpUnderstand      Operation = "understand"
	OpClassify        Operation = "classify"
	OpSummarize       Operation = "summarize"
	OpExtract         Operation = "extract"
	OpSuggestDecision Operation = "suggest_decision"
)

// Operations lists every supported AI operation.
var Operations = []Operation{OpUnderstand, OpClassify, OpSummarize, OpExtract, OpSuggestDecision}

// AIRequest is the input to a single provider call.
type AIRequest struct {
	Prompt     string         `json:"prompt"`
	Categories []string       `json:"categories,omitempty"`
	MaxLength  int            `json:"max_length,omitempty"`
	Schema     map[string]any `json:"schema,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// AIResponse is what every provider call returns.
type AIResponse struct {
	Data       json.RawMessage `json:"data"`
	Confidence float64         `json:"confidence"`
	TokensUsed int             `json:"tokensUsed,omitempty"`
	Cost       float64         `json:"cost,omitempty"`
	Model      string          `json:"model,omitempty"`
	Provider   string          `json:"provider,omitempty"`
}

// AIProvider is the text-understanding capability consumed by steps and the
// job interpreter. Failures are PROVIDER_UNAVAILABLE (transport, 5xx, 429)
// or PROVIDER_ERROR (everything else).
type AIProvider interface {
	Name() string
	Understand(ctx context.Context, req AIRequest) (*AIResponse, error)
	Classify(ctx context.Context, req AIRequest) (*AIResponse, error)
	Summarize(ctx context.Context, req AIRequest) (*AIResponse, error)
	Extract(ctx context.Context, req AIRequest) (*AIResponse, error)
	SuggestDecision(ctx context.Context, req AIRequest) (*AIResponse, error)
}

// Call dispatches op to the matching provider method.
func Call(ctx context.Context, p AIProvider, op Operation, req AIRequest) (*AIResponse, error) {
	switch op {
	case OpClassify:
		return p.Classify(ctx, req)
	case OpSummarize:
		return p.Summarize(ctx, req)
	case OpExtract:
		return p.Extract(ctx, req)
	case OpSuggestDecision:
		return p.SuggestDecision(ctx, req)
	default:
		return p.Understand(ctx, req)
	}
}
