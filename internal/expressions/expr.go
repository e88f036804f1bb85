package expressions

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/opflow/pkg/schema"
)

// ExprEngine computes update_record field values and ${{ }} references in
// step configs. Programs are compiled without a typed environment, so a cached
// program serves every step context shape.
//
// Besides the expr builtins, expressions can call:
//
//	now()      current time, RFC 3339 in UTC
//	digits(s)  s with every non-digit removed, for phone numbers
type ExprEngine struct {
	now      func() time.Time
	programs sync.Map // expression -> *vm.Program
}

// ExprOption configures an ExprEngine.
type ExprOption func(*ExprEngine)

// WithClock sets the clock behind now().
func WithClock(now func() time.Time) ExprOption {
	return func(e *ExprEngine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewExprEngine(opts ...ExprOption) *ExprEngine {
	e := &ExprEngine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with the keys of data as top-level variables.
// Unknown variables evaluate to nil.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}

	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "expression %q failed: %s", expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// Compile reports whether expression parses and type-checks.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *ExprEngine) program(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expression")
	}
	if p, ok := e.programs.Load(expression); ok {
		return p.(*vm.Program), nil
	}

	prg, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.Function("now", func(...any) (any, error) {
			return e.now().UTC().Format(time.RFC3339), nil
		}, new(func() string)),
		expr.Function("digits", func(params ...any) (any, error) {
			s, _ := params[0].(string)
			return strings.Map(func(r rune) rune {
				if unicode.IsDigit(r) {
					return r
				}
				return -1
			}, s), nil
		}, new(func(string) string)),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid expression %q: %s", expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	p, _ := e.programs.LoadOrStore(expression, prg)
	return p.(*vm.Program), nil
}

var _ Engine = (*ExprEngine)(nil)
