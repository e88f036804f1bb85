package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// HTTPConfig configures an OpenAI-compatible chat completions provider.
type HTTPConfig struct {
	Endpoint        string // base URL, e.g. https://api.openai.com/v1
	APIKey          string
	Model           string
	MaxTokens       int
	Temperature     float64
	Timeout         time.Duration
	MaxResponseBody int64
}

const (
	defaultModel           = "gpt-4"
	defaultMaxTokens       = 2000
	defaultTemperature     = 0.7
	defaultHTTPTimeout     = 30 * time.Second
	defaultMaxResponseBody = 4 * 1024 * 1024
	defaultConfidence      = 0.85
)

// per-1K-token prices, input then output.
var pricing = map[string][2]float64{
	"gpt-4":         {0.03, 0.06},
	"gpt-3.5-turbo": {0.001, 0.002},
}

// HTTPProvider talks to an OpenAI-compatible /chat/completions endpoint and
// asks for a JSON object response.
type HTTPProvider struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPProvider creates an HTTPProvider, filling in defaults.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &HTTPProvider{
		config: cfg,
		client: &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
	}
}

func (p *HTTPProvider) Name() string { return "http" }

func (p *HTTPProvider) Understand(ctx context.Context, req AIRequest) (*AIResponse, error) {
	return p.call(ctx, req, "You are a text understanding system. Extract key information and return it as structured JSON.", req.Context)
}

func (p *HTTPProvider) Classify(ctx context.Context, req AIRequest) (*AIResponse, error) {
	system := `Classify the input and return JSON with "category" and "confidence" fields.`
	if len(req.Categories) > 0 {
		system = fmt.Sprintf(`Classify the input into one of these categories: %s. Return JSON with "category" and "confidence" fields.`,
			strings.Join(req.Categories, ", "))
	}
	return p.call(ctx, req, system, nil)
}

func (p *HTTPProvider) Summarize(ctx context.Context, req AIRequest) (*AIResponse, error) {
	system := `Summarize the input. Return JSON with "summary" field.`
	if req.MaxLength > 0 {
		system = fmt.Sprintf(`Summarize the input in %d words or less. Return JSON with "summary" field.`, req.MaxLength)
	}
	return p.call(ctx, req, system, nil)
}

func (p *HTTPProvider) Extract(ctx context.Context, req AIRequest) (*AIResponse, error) {
	system := "Extract structured data from the input. Return JSON."
	if len(req.Schema) > 0 {
		b, _ := json.Marshal(req.Schema)
		system = fmt.Sprintf("Extract data matching this schema: %s. Return JSON.", b)
	}
	return p.call(ctx, req, system, nil)
}

func (p *HTTPProvider) SuggestDecision(ctx context.Context, req AIRequest) (*AIResponse, error) {
	return p.call(ctx, req, `Analyze the input and suggest a decision. Return JSON with "suggestion", "reasoning", and "confidence" fields.`, req.Options)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format"`
	MaxTokens      int               `json:"max_tokens"`
	Temperature    float64           `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *HTTPProvider) call(ctx context.Context, req AIRequest, system string, extra map[string]any) (*AIResponse, error) {
	if p.config.APIKey == "" || p.config.Endpoint == "" {
		return nil, schema.NewError(schema.ErrCodeProviderUnavailable, "ai provider not configured")
	}

	msgs := []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: req.Prompt},
	}
	if len(extra) > 0 {
		b, _ := json.Marshal(extra)
		msgs = append(msgs, chatMessage{Role: "user", Content: "Context: " + string(b)})
	}
	body, err := json.Marshal(chatRequest{
		Model:          p.config.Model,
		Messages:       msgs,
		ResponseFormat: map[string]string{"type": "json_object"},
		MaxTokens:      p.config.MaxTokens,
		Temperature:    p.config.Temperature,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "cannot encode provider request").WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.config.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "cannot build provider request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, schema.NewError(schema.ErrCodeTimeout, "ai provider request timed out").WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeProviderUnavailable, "ai provider request failed: %s", schema.Redact(err.Error())).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, p.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeProviderUnavailable, "cannot read ai provider response").WithCause(err)
	}

	if resp.StatusCode >= 400 {
		code := schema.ErrCodeProvider
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			code = schema.ErrCodeProviderUnavailable
		}
		return nil, schema.NewErrorf(code, "ai provider returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "ai provider returned malformed JSON").WithCause(err)
	}
	if len(parsed.Choices) == 0 {
		return nil, schema.NewError(schema.ErrCodeProvider, "ai provider returned no choices")
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if !json.Valid([]byte(content)) {
		return nil, schema.NewError(schema.ErrCodeProvider, "ai provider content is not JSON")
	}

	out := &AIResponse{
		Data:       json.RawMessage(content),
		Confidence: defaultConfidence,
		Model:      p.config.Model,
		Provider:   "openai",
	}
	if u := parsed.Usage; u != nil {
		out.TokensUsed = u.TotalTokens
		out.Cost = cost(p.config.Model, u.PromptTokens, u.CompletionTokens)
	}
	return out, nil
}

func cost(model string, promptTokens, completionTokens int) float64 {
	price, ok := pricing[model]
	if !ok {
		price = pricing[defaultModel]
	}
	return float64(promptTokens)*price[0]/1000 + float64(completionTokens)*price[1]/1000
}
