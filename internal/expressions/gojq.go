package expressions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/opflow/pkg/schema"
)

// GoJQEngine runs jq filters over provider responses. Compiled filters are
// shared between goroutines.
type GoJQEngine struct {
	compiled sync.Map // filter string -> *gojq.Code
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs filter against data. A filter yielding nothing returns nil,
// one value returns it as is, several are returned as []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, filter string, data map[string]any) (any, error) {
	return e.run(ctx, filter, data)
}

// Select runs filter against any JSON-encodable value. The value is first
// round-tripped through encoding/json so Go integers, structs and raw
// messages reach jq as the plain JSON types it expects.
func (e *GoJQEngine) Select(ctx context.Context, filter string, v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq input is not JSON-encodable").WithCause(err)
	}
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq input is not JSON-encodable").WithCause(err)
	}
	return e.run(ctx, filter, input)
}

// Compile reports whether filter is a valid jq program.
func (e *GoJQEngine) Compile(filter string) error {
	_, err := e.code(filter)
	return err
}

func (e *GoJQEngine) run(ctx context.Context, filter string, input any) (any, error) {
	code, err := e.code(filter)
	if err != nil {
		return nil, err
	}

	var out []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "jq filter %q failed: %s", filter, err).
				WithCause(err).
				WithDetails(map[string]any{"select": filter})
		}
		out = append(out, v)
	}

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	}
	return out, nil
}

func (e *GoJQEngine) code(filter string) (*gojq.Code, error) {
	if filter == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq filter")
	}
	if c, ok := e.compiled.Load(filter); ok {
		return c.(*gojq.Code), nil
	}

	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, invalidFilter(filter, err)
	}
	// $ENV and env are blanked so filters cannot read the process environment.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, invalidFilter(filter, err)
	}
	c, _ := e.compiled.LoadOrStore(filter, code)
	return c.(*gojq.Code), nil
}

func invalidFilter(filter string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid jq filter %q: %s", filter, err).
		WithCause(err).
		WithDetails(map[string]any{"select": filter})
}

var _ Engine = (*GoJQEngine)(nil)
