package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/loom/internal/expressions"
	"github.com/rendis/loom/internal/registry"
	"github.com/rendis/loom/pkg/schema"
	"github.com/rendis/loom/pkg/workflow"
)

// ErrTypeExpression is the failure type of a run stopped by an expression
// that could not be evaluated.
const ErrTypeExpression = "PipelineExpression"

// Pipeline is a compiled pipeline definition.
type Pipeline struct {
	name             string
	description      string
	inputSchema      json.RawMessage
	executionTimeout time.Duration
	steps            []step
	output           string

	cel *expressions.CELEngine
	jq  *expressions.GoJQEngine
}

// Type returns the workflow type the pipeline registers as.
func (p *Pipeline) Type() string { return p.name }

// Register adds p to r as a workflow type. Every activity the pipeline calls
// must already be registered.
func (p *Pipeline) Register(r *registry.Registry) error {
	if err := p.missingActivities(r).ToError(); err != nil {
		return err
	}
	return r.AddWorkflow(&registry.WorkflowDefinition{
		Name:             p.name,
		Description:      p.description,
		InputSchema:      p.inputSchema,
		ExecutionTimeout: p.executionTimeout,
		Handler:          p.Run,
	})
}

func (p *Pipeline) missingActivities(r *registry.Registry) *schema.ValidationResult {
	res := &schema.ValidationResult{}
	for _, s := range p.steps {
		if s.activity == "" {
			continue
		}
		if _, err := r.Activity(s.activity); err != nil {
			res.AddError("steps."+s.id+".activity", schema.ErrCodeTypeNotRegistered,
				fmt.Sprintf("pipeline %q step %q: activity %q is not registered", p.name, s.id, s.activity))
		}
	}
	return res
}

// Run is the pipeline's workflow function.
//
// Expressions see three names: input (the workflow input), steps (results
// of the steps run so far, keyed by step id) and workflow (id, run_id, type).
// jq mappings receive them as the fields of one object. A step skipped by
// its condition records nothing. Without an output mapping the run returns
// the steps object.
func (p *Pipeline) Run(ctx workflow.Context, raw json.RawMessage) (json.RawMessage, error) {
	var input any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &input); err != nil {
			return nil, schema.NewNonRetryableApplicationError("pipeline input is not JSON", "InvalidInput", nil)
		}
	}
	info := workflow.GetInfo(ctx)
	logger := workflow.GetLogger(ctx).With("pipeline", p.name)
	results := map[string]any{}
	scope := map[string]any{
		expressions.VarInput: input,
		expressions.VarSteps: results,
		expressions.VarWorkflow: map[string]any{
			"id":     info.WorkflowID,
			"run_id": info.RunID,
			"type":   info.WorkflowType,
		},
	}
	evalCtx := context.Background()

	for _, s := range p.steps {
		if s.when != "" {
			ok, err := p.cel.EvaluateBool(evalCtx, s.when, scope)
			if err != nil {
				return nil, expressionFailure(s.id, err)
			}
			if !ok {
				logger.Debug("step skipped", "step", s.id)
				continue
			}
		}

		if s.sleep > 0 {
			if err := workflow.Sleep(ctx, s.sleep); err != nil {
				return nil, err
			}
			continue
		}

		stepInput := input
		if s.input != "" {
			v, err := p.jq.Query(evalCtx, s.input, scope)
			if err != nil {
				return nil, expressionFailure(s.id, err)
			}
			stepInput = v
		}
		actx := ctx
		if s.options != nil {
			actx = workflow.WithActivityOptions(ctx, *s.options)
		}
		var result any
		if err := workflow.ExecuteActivity(actx, s.activity, stepInput).Get(ctx, &result); err != nil {
			return nil, err
		}
		results[s.id] = result
		logger.Debug("step completed", "step", s.id, "activity", s.activity)
	}

	var out any = results
	if p.output != "" {
		v, err := p.jq.Query(evalCtx, p.output, scope)
		if err != nil {
			return nil, expressionFailure("output", err)
		}
		out = v
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, schema.NewNonRetryableApplicationError("pipeline output is not JSON", ErrTypeExpression, nil)
	}
	return encoded, nil
}

func expressionFailure(stepID string, err error) error {
	return schema.NewNonRetryableApplicationError(err.Error(), ErrTypeExpression, map[string]any{"step": stepID})
}

// LoadAndRegister parses every pipeline in dir and registers it with r.
func LoadAndRegister(l *Loader, dir string, r *registry.Registry) ([]string, error) {
	pipelines, err := l.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(pipelines))
	for _, p := range pipelines {
		if err := p.Register(r); err != nil {
			return names, err
		}
		names = append(names, p.Type())
	}
	return names, nil
}
