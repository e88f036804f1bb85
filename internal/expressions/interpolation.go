package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/opflow/pkg/schema"
)

// Interpolator resolves ${{ expr }} references inside step config values using
// the Expr engine. A string that is exactly one reference keeps the value's type;
// references embedded in longer text are rendered as text.
type Interpolator struct {
	engine *ExprEngine
}

// NewInterpolator creates an Interpolator backed by engine.
func NewInterpolator(engine *ExprEngine) *Interpolator {
	return &Interpolator{engine: engine}
}

// ResolveString interpolates every reference in s.
func (interp *Interpolator) ResolveString(ctx context.Context, s string, data map[string]any) (any, error) {
	if !strings.Contains(s, "${{") {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "${{") == 1 {
		return interp.eval(ctx, trimmed[3:len(trimmed)-2], data)
	}

	var out strings.Builder
	out.Grow(len(s))
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			out.WriteString(s[i:])
			break
		}
		out.WriteString(s[i : i+idx])
		start := i + idx + 3

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeValidation, "unclosed ${{ expression")
		}
		end += start

		val, err := interp.eval(ctx, s[start:end], data)
		if err != nil {
			return nil, err
		}
		out.WriteString(render(val))
		i = end + 2
	}
	return out.String(), nil
}

// ResolveValue walks maps and slices, interpolating every string it finds.
func (interp *Interpolator) ResolveValue(ctx context.Context, v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return interp.ResolveString(ctx, val, data)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := interp.ResolveValue(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := interp.ResolveValue(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// Validate compiles every reference in s without evaluating it.
func (interp *Interpolator) Validate(s string) error {
	for {
		idx := strings.Index(s, "${{")
		if idx == -1 {
			return nil
		}
		rest := s[idx+3:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			return schema.NewError(schema.ErrCodeValidation, "unclosed ${{ expression")
		}
		if err := interp.engine.Compile(strings.TrimSpace(rest[:end])); err != nil {
			return err
		}
		s = rest[end+2:]
	}
}

func (interp *Interpolator) eval(ctx context.Context, expression string, data map[string]any) (any, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty variable reference: ${{  }}")
	}
	return interp.engine.Evaluate(ctx, expression, data)
}

// render converts an interpolated value to text. Objects and arrays become JSON.
func render(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	default:
		return fmt.Sprint(val)
	}
}
