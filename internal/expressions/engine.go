// Package expressions evaluates the expression languages used by pipelines
// and activities: CEL for conditions, jq for reshaping JSON and expr for
// record predicates. Compiled programs are cached per engine, so engines
// should be long-lived and shared.
package expressions

import (
	"context"
	"sync"

	"github.com/rendis/loom/pkg/schema"
)

// Engine evaluates an expression against a data document.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programs caches compiled expressions by source text.
type programs[T any] struct {
	compile func(string) (T, error)

	mu    sync.RWMutex
	cache map[string]T
}

func newPrograms[T any](compile func(string) (T, error)) *programs[T] {
	return &programs[T]{compile: compile, cache: make(map[string]T)}
}

func (p *programs[T]) get(expression string) (T, error) {
	p.mu.RLock()
	prg, ok := p.cache[expression]
	p.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := p.compile(expression)
	if err != nil {
		return prg, err
	}
	p.mu.Lock()
	p.cache[expression] = prg
	p.mu.Unlock()
	return prg, nil
}

func compileError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot compile %q: %v", engine, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func evalError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: evaluating %q: %v", engine, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func emptyError(engine string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: empty expression", engine)
}
