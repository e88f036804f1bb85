package expressions

import "context"

// Engine evaluates expressions embedded in workflow step definitions.
// Three implementations: CEL (step guards), Expr (record fields and
// interpolation), GoJQ (reshaping provider responses).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Set bundles the engines the step executor needs.
type Set struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewSet builds every engine.
func NewSet() (*Set, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Set{CEL: celEngine, Expr: NewExprEngine(), JQ: NewGoJQEngine()}, nil
}
