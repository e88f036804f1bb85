package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/opflow/pkg/schema"
)

const durationPattern = `^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

// workflowSchemaJSON is the JSON Schema for workflow create/update payloads.
// Event type values are filled in from schema.EventTypes at init.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://opflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1, "maxLength": 200 },
    "description": { "type": "string" },
    "triggerEventType": { "type": ["string", "null"], "enum": %s },
    "triggerCondition": {
      "oneOf": [ { "type": "null" }, { "$ref": "#/$defs/condition" } ]
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "isActive": { "type": "boolean" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["stepType"],
      "properties": {
        "stepType": { "type": "string", "minLength": 1 },
        "name": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$" },
        "config": { "type": "object" },
        "condition": { "type": "string" },
        "timeout": { "type": "string", "pattern": "` + durationPattern + `" },
        "retry": { "$ref": "#/$defs/retry" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "properties": {
        "field": { "type": "string" },
        "operator": { "type": "string" },
        "value": {},
        "all": { "type": "array", "items": { "$ref": "#/$defs/condition" } },
        "any": { "type": "array", "items": { "$ref": "#/$defs/condition" } }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0, "maximum": 10 },
        "backoff": { "type": "string", "enum": ["none", "linear", "exponential", "constant"] },
        "delay": { "type": "string", "pattern": "` + durationPattern + `" },
        "max_delay": { "type": "string", "pattern": "` + durationPattern + `" }
      },
      "additionalProperties": false
    }
  }
}`

const workflowSchemaURL = "https://opflow.dev/schemas/workflow.json"

// JSONSchemaValidator checks workflow payloads and step configs against
// JSON Schema draft 2020-12. Safe for concurrent use.
type JSONSchemaValidator struct {
	workflow *jsonschema.Schema

	configs sync.Map // schema text -> *jsonschema.Schema
	seq     atomic.Int64
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	enum := make([]any, 0, len(schema.EventTypes)+1)
	for _, t := range schema.EventTypes {
		enum = append(enum, string(t))
	}
	enumJSON, err := json.Marshal(append(enum, nil))
	if err != nil {
		return nil, err
	}

	wf, err := compileSchema(workflowSchemaURL, []byte(fmt.Sprintf(workflowSchemaJSON, enumJSON)))
	if err != nil {
		return nil, fmt.Errorf("workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflow: wf}, nil
}

// ValidateWorkflow checks the shape of a create/update payload.
func (v *JSONSchemaValidator) ValidateWorkflow(input *schema.WorkflowInput) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if input == nil {
		result.Add("", "workflow is nil")
		return result
	}
	b, err := json.Marshal(input)
	if err != nil {
		result.Addf("", "cannot serialize workflow: %v", err)
		return result
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		result.Addf("", "cannot decode workflow: %v", err)
		return result
	}
	collect(result, "", v.workflow.Validate(doc))
	return result
}

// ValidateConfig checks a step config against its handler's schema and
// reports issues under path. An empty schema accepts anything; an absent
// config is validated as {}.
func (v *JSONSchemaValidator) ValidateConfig(path string, config json.RawMessage, configSchema []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(configSchema) == 0 {
		return result
	}

	sch, err := v.configSchema(configSchema)
	if err != nil {
		result.Addf(path, "invalid config schema: %v", err)
		return result
	}

	if len(config) == 0 {
		config = json.RawMessage("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(config))
	if err != nil {
		result.Addf(path, "config is not valid JSON: %v", err)
		return result
	}
	collect(result, path, sch.Validate(doc))
	return result
}

func (v *JSONSchemaValidator) configSchema(text []byte) (*jsonschema.Schema, error) {
	if s, ok := v.configs.Load(string(text)); ok {
		return s.(*jsonschema.Schema), nil
	}
	url := fmt.Sprintf("opflow://step-config/%d", v.seq.Add(1))
	s, err := compileSchema(url, text)
	if err != nil {
		return nil, err
	}
	actual, _ := v.configs.LoadOrStore(string(text), s)
	return actual.(*jsonschema.Schema), nil
}

// compileSchema compiles one standalone document with format assertions on.
func compileSchema(url string, text []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(text))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// collect records every leaf violation of err under prefix.
func collect(result *schema.ValidationResult, prefix string, err error) {
	if err == nil {
		return
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		result.Add(prefix, err.Error())
		return
	}
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			result.Add(joinPath(prefix, e.InstanceLocation), e.Error())
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
}

// joinPath renders an instance location as steps[0].config.to.
func joinPath(prefix string, loc []string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, part := range loc {
		if _, err := strconv.Atoi(part); err == nil {
			fmt.Fprintf(&b, "[%s]", part)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}
