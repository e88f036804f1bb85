package steps

import (
	"context"
	"encoding/json"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/providers"
	"github.com/rendis/opflow/pkg/schema"
)

const aiProcessConfigSchema = `{
  "type": "object",
  "properties": {
    "operation": {"type": "string", "enum": ["understand","classify","summarize","extract","suggest_decision"], "default": "understand"},
    "prompt": {"type": "string"},
    "categories": {"type": "array", "items": {"type": "string"}},
    "max_length": {"type": "integer", "minimum": 1},
    "schema": {"type": "object"},
    "options": {"type": "object"},
    "select": {"type": "string"}
  }
}`

type aiProcessConfig struct {
	Operation  providers.Operation `json:"operation"`
	Prompt     string              `json:"prompt"`
	Categories []string            `json:"categories"`
	MaxLength  int                 `json:"max_length"`
	Schema     map[string]any      `json:"schema"`
	Options    map[string]any      `json:"options"`
	Select     string              `json:"select"`
}

// aiProcessHandler calls the AI provider. The prompt supports ${{ }} references
// and defaults to the execution input rendered as JSON. An optional jq filter
// in select reshapes the provider response before it becomes the step output.
type aiProcessHandler struct {
	provider providers.AIProvider
	interp   *expressions.Interpolator
	jq       *expressions.GoJQEngine
}

func (h *aiProcessHandler) Type() schema.StepType { return schema.StepAIProcess }

func (h *aiProcessHandler) ConfigSchema() []byte { return []byte(aiProcessConfigSchema) }

func (h *aiProcessHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	if h.provider == nil {
		return nil, schema.NewError(schema.ErrCodeProviderUnavailable, "no ai provider configured")
	}

	var cfg aiProcessConfig
	if err := decodeConfig(req, &cfg); err != nil {
		return nil, err
	}
	if cfg.Operation == "" {
		cfg.Operation = providers.OpUnderstand
	}

	prompt, err := h.prompt(ctx, cfg.Prompt, req.Data)
	if err != nil {
		return nil, err
	}

	resp, err := providers.Call(ctx, h.provider, cfg.Operation, providers.AIRequest{
		Prompt:     prompt,
		Categories: cfg.Categories,
		MaxLength:  cfg.MaxLength,
		Schema:     cfg.Schema,
		Options:    cfg.Options,
	})
	if err != nil {
		return nil, err
	}

	var data any
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return nil, schema.NewError(schema.ErrCodeProvider, "provider data is not JSON").WithCause(err)
		}
	}
	output := map[string]any{
		"operation":  string(cfg.Operation),
		"data":       data,
		"confidence": resp.Confidence,
		"tokensUsed": resp.TokensUsed,
		"cost":       resp.Cost,
		"model":      resp.Model,
		"provider":   resp.Provider,
	}

	if cfg.Select == "" {
		return marshalOutput(output)
	}
	selected, err := h.jq.Select(ctx, cfg.Select, output)
	if err != nil {
		return nil, err
	}
	return marshalOutput(selected)
}

func (h *aiProcessHandler) prompt(ctx context.Context, tmpl string, data map[string]any) (string, error) {
	if tmpl == "" {
		b, err := json.Marshal(data["input"])
		if err != nil {
			return "", schema.NewError(schema.ErrCodeValidation, "cannot render input as prompt").WithCause(err)
		}
		return string(b), nil
	}
	v, err := h.interp.ResolveString(ctx, tmpl, data)
	if err != nil {
		return "", err
	}
	return render(v), nil
}
