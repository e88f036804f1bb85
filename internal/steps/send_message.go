package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/providers"
	"github.com/rendis/opflow/pkg/schema"
)

const sendMessageConfigSchema = `{
  "type": "object",
  "required": ["channel", "to", "content"],
  "properties": {
    "channel": {"type": "string", "enum": ["WHATSAPP","SMS","EMAIL","VOICE"]},
    "to": {"type": "string", "minLength": 1},
    "content": {"type": "string"},
    "to_name": {"type": "string"},
    "language": {"type": "string"},
    "template_id": {"type": "string"},
    "metadata": {"type": "object"}
  }
}`

// sendMessageHandler delivers one message through the messaging provider.
// String fields support ${{ }} references to input and earlier step outputs.
type sendMessageHandler struct {
	messenger providers.Messenger
	interp    *expressions.Interpolator
}

func (h *sendMessageHandler) Type() schema.StepType { return schema.StepSendMessage }

func (h *sendMessageHandler) ConfigSchema() []byte { return []byte(sendMessageConfigSchema) }

// SingleAttempt keeps a retry policy from sending the same message twice.
func (h *sendMessageHandler) SingleAttempt() bool { return true }

func (h *sendMessageHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	if h.messenger == nil {
		return nil, schema.NewError(schema.ErrCodeProviderUnavailable, "no messaging provider configured")
	}

	var raw map[string]any
	if err := decodeConfig(req, &raw); err != nil {
		return nil, err
	}
	resolved, err := h.interp.ResolveValue(ctx, raw, req.Data)
	if err != nil {
		return nil, err
	}
	cfg, _ := resolved.(map[string]any)

	msg := providers.Message{
		OrganizationID: req.OrganizationID,
		Channel:        providers.Channel(text(cfg, "channel")),
		To:             text(cfg, "to"),
		ToName:         text(cfg, "to_name"),
		Content:        text(cfg, "content"),
		Language:       text(cfg, "language"),
		TemplateID:     text(cfg, "template_id"),
	}
	if msg.Language == "" {
		msg.Language = "en"
	}
	if md, ok := cfg["metadata"].(map[string]any); ok {
		msg.Metadata = md
	}
	if !msg.Channel.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "send_message: unsupported channel %q", msg.Channel)
	}
	if msg.To == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "send_message: recipient resolved to empty string")
	}

	delivery, err := h.messenger.Send(ctx, msg)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"status":   "sent",
		"channel":  string(msg.Channel),
		"to":       msg.To,
		"content":  msg.Content,
		"language": msg.Language,
	}
	if delivery != nil {
		if delivery.ExternalID != "" {
			out["externalId"] = delivery.ExternalID
		}
		if delivery.DeliveredAt != nil {
			out["deliveredAt"] = delivery.DeliveredAt.UTC().Format(time.RFC3339Nano)
		}
	}
	return marshalOutput(out)
}

func text(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
