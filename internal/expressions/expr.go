package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/flowrun/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. Pipeline filters, projections
// and reducers use it with item, index and acc bound as variables.
type ExprEngine struct {
	cache *programCache[*vm.Program]
}

// NewExprEngine creates a new expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache[*vm.Program]()}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or reuses) expression and runs it with data as its environment.
// Programs are compiled untyped so one program serves items of any shape.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "empty expr expression")
	}
	prg, err := e.cache.getOrCompile(expression, func(src string) (*vm.Program, error) {
		p, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, compileErr("expr", src, err)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, evalErr("expr", expression, err)
	}
	return out, nil
}

// EvaluateBool evaluates expression and reads the result as a truth value.
func (e *ExprEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	v, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

var _ Engine = (*ExprEngine)(nil)
