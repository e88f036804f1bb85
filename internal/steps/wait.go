package steps

import (
	"context"
	"math"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// maxWait bounds a single wait step.
const maxWait = 365 * 24 * time.Hour

const waitConfigSchema = `{
  "type": "object",
  "properties": {
    "duration": {"type": "string"},
    "seconds": {"type": "number", "minimum": 0, "maximum": 31536000}
  },
  "oneOf": [
    {"required": ["duration"]},
    {"required": ["seconds"]}
  ]
}`

type waitConfig struct {
	Duration string   `json:"duration"`
	Seconds  *float64 `json:"seconds"`
}

// waitHandler never blocks: it records when the execution should continue and
// asks the engine to re-enqueue it for that time.
type waitHandler struct {
	now func() time.Time
}

func (h *waitHandler) Type() schema.StepType { return schema.StepWait }

func (h *waitHandler) ConfigSchema() []byte { return []byte(waitConfigSchema) }

func (h *waitHandler) Execute(_ context.Context, req *Request) (*Result, error) {
	var cfg waitConfig
	if err := decodeConfig(req, &cfg); err != nil {
		return nil, err
	}
	delay, err := cfg.delay()
	if err != nil {
		return nil, err
	}

	resumeAt := h.now().UTC().Add(delay)
	res, err := marshalOutput(map[string]any{
		"delay":     delay.String(),
		"resume_at": resumeAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	res.Suspend = &Suspension{Kind: SuspendSleep, ResumeAt: resumeAt}
	return res, nil
}

func (c waitConfig) delay() (time.Duration, error) {
	switch {
	case c.Duration != "":
		d, err := time.ParseDuration(c.Duration)
		if err != nil || d < 0 {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "wait: invalid duration %q", c.Duration)
		}
		if d > maxWait {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "wait: duration %q exceeds %s", c.Duration, maxWait)
		}
		return d, nil
	case c.Seconds != nil:
		secs := *c.Seconds
		if secs < 0 || math.IsNaN(secs) {
			return 0, schema.NewError(schema.ErrCodeValidation, "wait: seconds must not be negative")
		}
		if secs > maxWait.Seconds() {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "wait: %g seconds exceeds %s", secs, maxWait)
		}
		return time.Duration(secs * float64(time.Second)), nil
	default:
		return 0, schema.NewError(schema.ErrCodeValidation, "wait: duration or seconds is required")
	}
}
