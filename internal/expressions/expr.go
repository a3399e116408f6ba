package expressions

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang expressions: predicates, arithmetic and
// collection helpers (filter, map, count, any, all) over a map environment.
// Unknown variables evaluate to nil. Safe for concurrent use.
type ExprEngine struct {
	programs *programs[*vm.Program]
}

// NewExprEngine creates an expr engine.
func NewExprEngine() *ExprEngine {
	e := &ExprEngine{}
	e.programs = newPrograms(e.compile)
	return e
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) compile(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return prg, nil
}

// Check compiles expression without evaluating it.
func (e *ExprEngine) Check(expression string) error {
	if expression == "" {
		return emptyError(e.Name())
	}
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs expression with data as its environment.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyError(e.Name())
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := expr.Run(prg, data)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out, nil
}

// Match evaluates a predicate against one record.
func (e *ExprEngine) Match(ctx context.Context, expression string, record map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, record)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, evalError(e.Name(), expression, fmt.Errorf("result is %T, not bool", out))
	}
	return b, nil
}

// Filter returns the records matching expression, keeping their order.
func (e *ExprEngine) Filter(ctx context.Context, expression string, records []map[string]any) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(records))
	for _, r := range records {
		ok, err := e.Match(ctx, expression, r)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
