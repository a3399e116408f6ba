package expressions

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"

	"github.com/rendis/loom/pkg/schema"
)

// GoJQEngine evaluates jq programs. Environment access ($ENV, env) is
// disabled. Safe for concurrent use.
type GoJQEngine struct {
	programs *programs[*gojq.Code]
}

// NewGoJQEngine creates a jq engine.
func NewGoJQEngine() *GoJQEngine {
	e := &GoJQEngine{}
	e.programs = newPrograms(e.compile)
	return e
}

func (e *GoJQEngine) Name() string { return "jq" }

func (e *GoJQEngine) compile(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return code, nil
}

// Check compiles expression without evaluating it.
func (e *GoJQEngine) Check(expression string) error {
	if expression == "" {
		return emptyError(e.Name())
	}
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs expression with data as its input. One output is returned
// as is, several are collected into a slice and none yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Query(ctx, expression, data)
}

// Query runs expression over any JSON-compatible input.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, emptyError(e.Name())
	}
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	normalized, err := normalize(input)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}

	var results []any
	iter := code.RunWithContext(ctx, normalized)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, evalError(e.Name(), expression, err)
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// QueryJSON runs expression over a JSON document and encodes the result.
func (e *GoJQEngine) QueryJSON(ctx context.Context, expression string, doc json.RawMessage) (json.RawMessage, error) {
	var input any
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &input); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq: input is not JSON").WithCause(err)
		}
	}
	out, err := e.Query(ctx, expression, input)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return raw, nil
}

// normalize converts Go values into the types gojq accepts by a JSON round
// trip. Values already made of maps, slices, strings, bools and float64 pass
// through untouched.
func normalize(v any) (any, error) {
	if plainJSON(v) {
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func plainJSON(v any) bool {
	switch val := v.(type) {
	case nil, bool, string, float64, int:
		return true
	case map[string]any:
		for _, item := range val {
			if !plainJSON(item) {
				return false
			}
		}
		return true
	case []any:
		for _, item := range val {
			if !plainJSON(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

var _ Engine = (*GoJQEngine)(nil)
