package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/pkg/schema"
)

// Channel is a delivery channel for outbound messages.
type Channel string

const (
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelSMS      Channel = "SMS"
	ChannelEmail    Channel = "EMAIL"
	ChannelVoice    Channel = "VOICE"
)

// Channels lists every supported channel.
var Channels = []Channel{ChannelWhatsApp, ChannelSMS, ChannelEmail, ChannelVoice}

// Valid reports whether c is a supported channel.
func (c Channel) Valid() bool {
	for _, known := range Channels {
		if c == known {
			return true
		}
	}
	return false
}

// Message is one outbound message.
type Message struct {
	OrganizationID string         `json:"organizationId,omitempty"`
	Channel        Channel        `json:"channel"`
	To             string         `json:"to"`
	ToName         string         `json:"toName,omitempty"`
	Content        string         `json:"content"`
	Language       string         `json:"language,omitempty"`
	TemplateID     string         `json:"templateId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Delivery is the provider's acknowledgement of a sent message.
type Delivery struct {
	ExternalID  string     `json:"externalId,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
}

// Messenger sends messages over a channel. Implementations make exactly one
// attempt per call.
type Messenger interface {
	Send(ctx context.Context, msg Message) (*Delivery, error)
}

func checkMessage(msg Message) error {
	if !msg.Channel.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unsupported channel %q", msg.Channel)
	}
	if msg.To == "" {
		return schema.NewError(schema.ErrCodeValidation, "message recipient is empty")
	}
	return nil
}

// LogMessenger records messages in the log instead of delivering them.
// It stands in for channel adapters that are not configured.
type LogMessenger struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewLogMessenger creates a LogMessenger. logger may be nil.
func NewLogMessenger(logger *slog.Logger) *LogMessenger {
	return &LogMessenger{logger: logging.OrDefault(logger), now: time.Now}
}

func (m *LogMessenger) Send(ctx context.Context, msg Message) (*Delivery, error) {
	if err := checkMessage(msg); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	m.logger.InfoContext(ctx, "message queued",
		"channel", msg.Channel, "to", msg.To, "external_id", id, "length", len(msg.Content))
	now := m.now().UTC()
	return &Delivery{ExternalID: id, DeliveredAt: &now}, nil
}

// WebhookMessenger posts each message as JSON to a single gateway URL that
// fans out to the real channel adapters.
type WebhookMessenger struct {
	url    string
	client *http.Client
}

// NewWebhookMessenger creates a WebhookMessenger posting to url.
func NewWebhookMessenger(url string, timeout time.Duration) *WebhookMessenger {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &WebhookMessenger{url: url, client: &http.Client{Timeout: timeout}}
}

func (m *WebhookMessenger) Send(ctx context.Context, msg Message) (*Delivery, error) {
	if err := checkMessage(msg); err != nil {
		return nil, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "cannot encode message").WithCause(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "cannot build messaging request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProviderUnavailable, "messaging gateway unreachable: %s", schema.Redact(err.Error())).WithCause(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 400 {
		code := schema.ErrCodeProvider
		if resp.StatusCode >= 500 {
			code = schema.ErrCodeProviderUnavailable
		}
		return nil, schema.NewErrorf(code, "messaging gateway returned %d", resp.StatusCode)
	}

	var d Delivery
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &d)
	}
	if d.DeliveredAt == nil {
		now := time.Now().UTC()
		d.DeliveredAt = &now
	}
	return &d, nil
}
