package validation

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/rendis/opflow/pkg/schema"
)

var stepRefPattern = regexp.MustCompile(`\bsteps\.([A-Za-z_][A-Za-z0-9_]*)`)

// validateReferences checks that every steps.<key> reference in a step's
// guard or config names a step that runs before it. Steps execute in order,
// so a reference to the same or a later step can never resolve.
func validateReferences(input *schema.WorkflowInput) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	positions := make(map[string]int, len(input.Steps))
	for i, s := range input.Steps {
		if _, seen := positions[s.Key(i)]; !seen {
			positions[s.Key(i)] = i
		}
	}

	for i, s := range input.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		check := func(field, text string) {
			for _, m := range stepRefPattern.FindAllStringSubmatch(text, -1) {
				ref := m[1]
				pos, ok := positions[ref]
				switch {
				case !ok:
					result.Addf(path+"."+field, "references unknown step %q", ref)
				case pos >= i:
					result.Addf(path+"."+field, "references step %q which has not run yet", ref)
				}
			}
		}
		check("condition", s.Condition)
		if len(s.Config) > 0 {
			var cfg any
			if err := json.Unmarshal(s.Config, &cfg); err == nil {
				walkStrings(cfg, func(text string) { check("config", text) })
			}
		}
	}
	return result
}

func walkStrings(v any, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case map[string]any:
		for _, child := range val {
			walkStrings(child, fn)
		}
	case []any:
		for _, child := range val {
			walkStrings(child, fn)
		}
	}
}
