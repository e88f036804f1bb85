package validation

import (
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (step types, configs, guards, templates, trigger condition)
// 3. References (steps.<key> must point at an earlier step)
type WorkflowValidator struct {
	semantic semanticChecker
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip step type and config checks.
func NewWorkflowValidator(lookup StepLookup, cel *expressions.CELEngine, interp *expressions.Interpolator) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		semantic: semanticChecker{
			jsonSchema: jsv,
			steps:      lookup,
			cel:        cel,
			interp:     interp,
		},
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(input *schema.WorkflowInput) *schema.ValidationResult {
	result := wv.semantic.jsonSchema.ValidateWorkflow(input)
	if !result.Valid() {
		return result
	}

	result.Merge(wv.semantic.validateSemantic(input))
	if result.Valid() {
		result.Merge(validateReferences(input))
	}
	return result
}

// ValidateWorkflow satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateWorkflow(input *schema.WorkflowInput) error {
	return wv.Validate(input).ToError()
}

// ValidateEvent checks an event ingestion payload.
func ValidateEvent(input *schema.EventInput) error {
	result := &schema.ValidationResult{}
	switch {
	case input == nil:
		result.Add("", "event is nil")
	default:
		if !input.Type.Valid() {
			result.Addf("type", "unknown event type %q", input.Type)
		}
		if input.Name == "" {
			result.Add("name", "is required")
		}
		if input.Payload == nil {
			result.Add("payload", "is required")
		}
	}
	return result.ToError()
}

// ValidateJob checks an automation job request.
func ValidateJob(input *schema.JobInput) error {
	result := &schema.ValidationResult{}
	switch {
	case input == nil:
		result.Add("", "job is nil")
	default:
		if input.TaskDescription == "" {
			result.Add("taskDescription", "is required")
		}
		if input.InputData == nil {
			result.Add("inputData", "is required")
		}
	}
	return result.ToError()
}
