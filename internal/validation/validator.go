package validation

import "github.com/rendis/opflow/pkg/schema"

// Validator checks workflow definitions before they are stored.
type Validator interface {
	ValidateWorkflow(input *schema.WorkflowInput) error
}

// StepLookup resolves registered step handlers by type.
// ConfigSchema may return nil when a handler accepts any config.
type StepLookup interface {
	Has(stepType schema.StepType) bool
	ConfigSchema(stepType schema.StepType) []byte
}
