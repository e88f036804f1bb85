package steps

import (
	"log/slog"
	"time"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/providers"
)

// Deps holds the collaborators the built-in handlers need.
type Deps struct {
	AI        providers.AIProvider
	Messenger providers.Messenger
	Records   RecordWriter // optional
	Exprs     *expressions.ExprEngine
	JQ        *expressions.GoJQEngine
	Logger    *slog.Logger
	Now       func() time.Time
}

// Builtins returns the five built-in step handlers.
func Builtins(deps Deps) []Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Exprs == nil {
		deps.Exprs = expressions.NewExprEngine(expressions.WithClock(deps.Now))
	}
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}
	interp := expressions.NewInterpolator(deps.Exprs)
	return []Handler{
		&aiProcessHandler{provider: deps.AI, interp: interp, jq: deps.JQ},
		&sendMessageHandler{messenger: deps.Messenger, interp: interp},
		&updateRecordHandler{exprs: deps.Exprs, records: deps.Records, now: deps.Now},
		&waitHandler{now: deps.Now},
		&approvalHandler{interp: interp},
	}
}

// NewBuiltinRegistry creates a Registry with every built-in handler registered.
func NewBuiltinRegistry(deps Deps) (*Registry, error) {
	reg := NewRegistry()
	for _, h := range Builtins(deps) {
		if err := reg.Register(h); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
