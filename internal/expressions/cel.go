package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CEL variables. Absent ones are bound to empty values so expressions never
// fail on a missing top-level name.
const (
	VarInput    = "input"
	VarSteps    = "steps"
	VarWorkflow = "workflow"
)

// CELEngine evaluates Common Expression Language conditions. Safe for
// concurrent use.
type CELEngine struct {
	env      *cel.Env
	programs *programs[cel.Program]
}

// NewCELEngine creates an engine whose environment declares input (dyn),
// steps and workflow (maps of string to dyn).
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable(VarInput, cel.DynType),
		cel.Variable(VarSteps, mapType),
		cel.Variable(VarWorkflow, mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.programs = newPrograms(e.compile)
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError(e.Name(), expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return prg, nil
}

// Check compiles expression without evaluating it.
func (e *CELEngine) Check(expression string) error {
	if expression == "" {
		return emptyError(e.Name())
	}
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs expression against data and returns its native value.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyError(e.Name())
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, activation(data))
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out.Value(), nil
}

// EvaluateBool runs a condition. A non-boolean result is an error.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	v, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, evalError(e.Name(), expression, fmt.Errorf("result is %T, not bool", v))
	}
	return b, nil
}

func activation(data map[string]any) map[string]any {
	act := map[string]any{
		VarInput:    data[VarInput],
		VarSteps:    data[VarSteps],
		VarWorkflow: data[VarWorkflow],
	}
	if act[VarInput] == nil {
		act[VarInput] = map[string]any{}
	}
	for _, k := range []string{VarSteps, VarWorkflow} {
		if act[k] == nil {
			act[k] = map[string]any{}
		}
	}
	return act
}

var _ Engine = (*CELEngine)(nil)
