// Package condition evaluates declarative trigger conditions against event payloads.
//
// Evaluation never fails: conditions come from stored workflow definitions and
// payloads come from producers, so a comparison that cannot be made (missing
// field, mismatched types, unknown operator) is simply false.
package condition

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/rendis/opflow/pkg/schema"
)

// absent marks a field path that does not resolve inside the payload.
type absentValue struct{}

var absent = absentValue{}

// Evaluate reports whether payload satisfies cond. A nil condition always matches.
func Evaluate(cond *schema.Condition, payload map[string]any) bool {
	if cond == nil {
		return true
	}
	return evaluate(cond, payload)
}

func evaluate(cond *schema.Condition, payload map[string]any) bool {
	if !cond.IsLeaf() {
		for i := range cond.All {
			if !evaluate(&cond.All[i], payload) {
				return false
			}
		}
		if len(cond.Any) == 0 {
			return true
		}
		for i := range cond.Any {
			if evaluate(&cond.Any[i], payload) {
				return true
			}
		}
		return false
	}

	actual := Resolve(payload, cond.Field)
	expected := normalize(cond.Value)

	switch cond.Operator {
	case schema.OpEq:
		return equal(actual, expected)
	case schema.OpNe:
		return !equal(actual, expected)
	case schema.OpGt:
		c, ok := compare(actual, expected)
		return ok && c > 0
	case schema.OpGte:
		c, ok := compare(actual, expected)
		return ok && c >= 0
	case schema.OpLt:
		c, ok := compare(actual, expected)
		return ok && c < 0
	case schema.OpLte:
		c, ok := compare(actual, expected)
		return ok && c <= 0
	case schema.OpContains:
		// A missing field stringifies as "undefined" and is searched like any other value.
		return strings.Contains(stringify(actual), stringify(expected))
	default:
		return false
	}
}

// Resolve walks payload along a dotted path. Any missing or non-object
// intermediate yields the absent marker.
func Resolve(payload map[string]any, path string) any {
	if payload == nil || path == "" {
		return absent
	}
	var current any = payload
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return absent
		}
		v, ok := m[key]
		if !ok {
			return absent
		}
		current = v
	}
	return normalize(current)
}

// IsAbsent reports whether v is the marker returned for unresolved paths.
func IsAbsent(v any) bool {
	return v == absent
}

// normalize folds every Go numeric kind into float64 so values decoded from
// JSON and values built in Go compare the same way.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// equal is strict equality: same kind and same value. Absent equals only nil.
func equal(actual, expected any) bool {
	if actual == absent {
		return expected == nil
	}
	switch a := actual.(type) {
	case nil:
		return expected == nil
	case float64:
		e, ok := expected.(float64)
		return ok && a == e
	case string:
		e, ok := expected.(string)
		return ok && a == e
	case bool:
		e, ok := expected.(bool)
		return ok && a == e
	default:
		return reflect.DeepEqual(actual, expected)
	}
}

// compare orders two numbers or two strings. ok is false for any other pairing.
func compare(actual, expected any) (int, bool) {
	switch a := actual.(type) {
	case float64:
		e, ok := expected.(float64)
		if !ok || math.IsNaN(a) || math.IsNaN(e) {
			return 0, false
		}
		switch {
		case a < e:
			return -1, true
		case a > e:
			return 1, true
		}
		return 0, true
	case string:
		e, ok := expected.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(a, e), true
	}
	return 0, false
}

// stringify renders a value the way a loosely typed string coercion would:
// integers without a decimal point, null as "null", arrays comma-joined and
// objects as "[object Object]".
func stringify(v any) string {
	switch x := normalize(v).(type) {
	case nil:
		return "null"
	case absentValue:
		return "undefined"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e21 {
			return strconv.FormatFloat(x, 'f', -1, 64)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			if item == nil {
				continue
			}
			parts[i] = stringify(item)
		}
		return strings.Join(parts, ",")
	case map[string]any:
		return "[object Object]"
	default:
		return fmt.Sprint(x)
	}
}

// Validate checks that cond is well formed: every leaf names a field and uses
// a known operator. path prefixes issue locations.
func Validate(cond *schema.Condition, path string) *schema.ValidationResult {
	res := &schema.ValidationResult{}
	if cond == nil {
		return res
	}
	validate(cond, path, res)
	return res
}

func validate(cond *schema.Condition, path string, res *schema.ValidationResult) {
	if !cond.IsLeaf() {
		if cond.Field != "" || cond.Operator != "" {
			res.Add(path, "a condition is either a comparison or an all/any group, not both")
		}
		for i := range cond.All {
			validate(&cond.All[i], fmt.Sprintf("%s.all[%d]", path, i), res)
		}
		for i := range cond.Any {
			validate(&cond.Any[i], fmt.Sprintf("%s.any[%d]", path, i), res)
		}
		return
	}
	if strings.TrimSpace(cond.Field) == "" {
		res.Add(path+".field", "field is required")
	}
	for _, op := range schema.Operators {
		if cond.Operator == op {
			return
		}
	}
	res.Addf(path+".operator", "unknown operator %q (expected one of %s)",
		cond.Operator, strings.Join(schema.Operators, ", "))
}
