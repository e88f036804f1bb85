package validation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/opflow/internal/condition"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/pkg/schema"
)

// semanticChecker holds the engines used to compile expressions found in a definition.
type semanticChecker struct {
	jsonSchema *JSONSchemaValidator
	steps      StepLookup
	cel        *expressions.CELEngine
	interp     *expressions.Interpolator
}

// validateSemantic checks what the structural schema cannot: registered step
// types, per-type config, step key uniqueness, guard and template compilation,
// and the trigger condition tree.
func (sc *semanticChecker) validateSemantic(input *schema.WorkflowInput) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if input.TriggerCondition != nil {
		result.Merge(condition.Validate(input.TriggerCondition, "triggerCondition"))
	}

	keys := make(map[string]int, len(input.Steps))
	for i := range input.Steps {
		step := &input.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		key := step.Key(i)
		if prev, dup := keys[key]; dup {
			result.Addf(path+".name", "step key %q already used by steps[%d]", key, prev)
		} else {
			keys[key] = i
		}

		sc.validateStep(step, path, result)
	}
	return result
}

func (sc *semanticChecker) validateStep(step *schema.StepSpec, path string, result *schema.ValidationResult) {
	if sc.steps != nil {
		if !sc.steps.Has(step.StepType) {
			result.Addf(path+".stepType", "unknown step type %q", step.StepType)
		} else {
			result.Merge(sc.jsonSchema.ValidateConfig(path+".config", step.Config, sc.steps.ConfigSchema(step.StepType)))
		}
	}

	if step.Condition != "" && sc.cel != nil {
		if err := sc.cel.Compile(step.Condition); err != nil {
			result.Addf(path+".condition", "invalid guard: %s", schema.PublicMessage(err))
		}
	}

	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err != nil || d <= 0 {
			result.Addf(path+".timeout", "invalid timeout %q", step.Timeout)
		}
	}

	if r := step.Retry; r != nil {
		for field, v := range map[string]string{"delay": r.Delay, "max_delay": r.MaxDelay} {
			if v == "" {
				continue
			}
			if _, err := time.ParseDuration(v); err != nil {
				result.Addf(path+".retry."+field, "invalid duration %q", v)
			}
		}
	}

	if len(step.Config) > 0 && sc.interp != nil {
		var cfg any
		if err := json.Unmarshal(step.Config, &cfg); err == nil {
			sc.validateTemplates(cfg, path+".config", result)
		}
	}
}

// validateTemplates compiles every ${{ }} reference found in string leaves of v.
func (sc *semanticChecker) validateTemplates(v any, path string, result *schema.ValidationResult) {
	switch val := v.(type) {
	case string:
		if err := sc.interp.Validate(val); err != nil {
			result.Addf(path, "invalid template: %s", schema.PublicMessage(err))
		}
	case map[string]any:
		for k, child := range val {
			sc.validateTemplates(child, path+"."+k, result)
		}
	case []any:
		for i, child := range val {
			sc.validateTemplates(child, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
