package steps

import (
	"context"
	"encoding/json"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/pkg/schema"
)

const approvalConfigSchema = `{
  "type": "object",
  "properties": {
    "message": {"type": "string"},
    "approvers": {"type": "array", "items": {"type": "string"}}
  }
}`

type approvalConfig struct {
	Message   string   `json:"message"`
	Approvers []string `json:"approvers"`
}

// approvalHandler is a manual gate. It produces no output of its own; the
// engine parks the execution until an approve or reject decision arrives.
type approvalHandler struct {
	interp *expressions.Interpolator
}

func (h *approvalHandler) Type() schema.StepType { return schema.StepApproval }

func (h *approvalHandler) ConfigSchema() []byte { return []byte(approvalConfigSchema) }

func (h *approvalHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	var cfg approvalConfig
	if err := decodeConfig(req, &cfg); err != nil {
		return nil, err
	}
	message := "Approval required"
	if cfg.Message != "" {
		v, err := h.interp.ResolveString(ctx, cfg.Message, req.Data)
		if err != nil {
			return nil, err
		}
		message = render(v)
	}
	return &Result{
		Output:  json.RawMessage("null"),
		Suspend: &Suspension{Kind: SuspendApproval, Message: message, Approvers: cfg.Approvers},
	}, nil
}

func render(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}
