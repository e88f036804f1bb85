package steps

import (
	"context"
	"sort"
	"time"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/pkg/schema"
)

const updateRecordConfigSchema = `{
  "type": "object",
  "required": ["record", "set"],
  "properties": {
    "record": {"type": "string", "minLength": 1},
    "id": {"type": "string"},
    "set": {"type": "object", "minProperties": 1, "additionalProperties": {"type": "string"}}
  }
}`

// RecordWriter persists computed field updates to a business record owned by
// another service.
type RecordWriter interface {
	WriteRecord(ctx context.Context, orgID, record, id string, fields map[string]any) error
}

type updateRecordConfig struct {
	Record string            `json:"record"`
	ID     string            `json:"id"`
	Set    map[string]string `json:"set"`
}

// updateRecordHandler evaluates each set expression with expr over the step
// context and hands the computed fields to the RecordWriter, if any.
type updateRecordHandler struct {
	exprs   *expressions.ExprEngine
	records RecordWriter
	now     func() time.Time
}

func (h *updateRecordHandler) Type() schema.StepType { return schema.StepUpdateRecord }

func (h *updateRecordHandler) ConfigSchema() []byte { return []byte(updateRecordConfigSchema) }

func (h *updateRecordHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	var cfg updateRecordConfig
	if err := decodeConfig(req, &cfg); err != nil {
		return nil, err
	}
	if cfg.Record == "" || len(cfg.Set) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "update_record: record and set are required")
	}

	names := make([]string, 0, len(cfg.Set))
	for name := range cfg.Set {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make(map[string]any, len(cfg.Set))
	for _, name := range names {
		v, err := h.exprs.Evaluate(ctx, cfg.Set[name], req.Data)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "update_record: field %q: %s", name, schema.PublicMessage(err)).WithCause(err)
		}
		fields[name] = v
	}

	if h.records != nil {
		if err := h.records.WriteRecord(ctx, req.OrganizationID, cfg.Record, cfg.ID, fields); err != nil {
			return nil, err
		}
	}

	return marshalOutput(map[string]any{
		"record":    cfg.Record,
		"id":        cfg.ID,
		"fields":    fields,
		"updatedAt": h.now().UTC().Format(time.RFC3339Nano),
	})
}
