package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/opflow/pkg/schema"
)

// Guard variables. Each is a map(string, dyn):
//
//	input      execution input data
//	steps      outputs of earlier steps, keyed by step key
//	execution  id, workflow_id, organization_id, triggering_event_id
var celVariables = []string{"input", "steps", "execution"}

// CELEngine evaluates step guards. Safe for concurrent use.
type CELEngine struct {
	env      *cel.Env
	programs sync.Map // expression -> *celProgram
}

type celProgram struct {
	prg    cel.Program
	output *cel.Type
}

func NewCELEngine() (*CELEngine, error) {
	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	return &CELEngine{env: env}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression against data. Absent variables are empty maps.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	p, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(celVariables))
	for _, name := range celVariables {
		v, ok := data[name]
		if !ok || v == nil {
			v = map[string]any{}
		}
		vars[name] = v
	}

	out, _, err := p.prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "condition %q: %s", expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// EvaluateBool evaluates a guard that must produce a boolean.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, notBoolean(expression, fmt.Sprintf("%T", out))
	}
	return b, nil
}

// Compile parses and type-checks a guard. Guards whose static type is known
// and is not bool are rejected; dyn results are checked at evaluation.
func (e *CELEngine) Compile(expression string) error {
	p, err := e.program(expression)
	if err != nil {
		return err
	}
	if p.output.IsExactType(cel.BoolType) || p.output.IsExactType(cel.DynType) {
		return nil
	}
	return notBoolean(expression, p.output.String())
}

func (e *CELEngine) program(expression string) (*celProgram, error) {
	if v, ok := e.programs.Load(expression); ok {
		return v.(*celProgram), nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, invalidCondition(expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, invalidCondition(expression, err)
	}

	v, _ := e.programs.LoadOrStore(expression, &celProgram{prg: prg, output: ast.OutputType()})
	return v.(*celProgram), nil
}

func invalidCondition(expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid condition %q: %s", expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func notBoolean(expression, got string) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"condition %q must evaluate to a boolean, got %s", expression, got)
}

var _ Engine = (*CELEngine)(nil)
