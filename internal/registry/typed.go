package registry

import (
	"context"
	"encoding/json"

	"github.com/rendis/loom/pkg/schema"
	"github.com/rendis/loom/pkg/workflow"
)

// RegisterWorkflow registers a typed workflow function. Input is decoded from
// JSON into In and the result is encoded back to JSON.
func RegisterWorkflow[In, Out any](r *Registry, name string, fn func(workflow.Context, In) (Out, error), opts ...Option) error {
	o := applyOptions(opts)
	return r.AddWorkflow(&WorkflowDefinition{
		Name:             name,
		Description:      o.description,
		InputSchema:      o.inputSchema,
		ExecutionTimeout: o.executionTimeout,
		Handler: func(ctx workflow.Context, raw json.RawMessage) (json.RawMessage, error) {
			in, err := decodeInput[In](raw)
			if err != nil {
				return nil, err
			}
			out, err := fn(ctx, in)
			if err != nil {
				return nil, err
			}
			return encodeOutput(out)
		},
	})
}

// RegisterActivity registers a typed activity function.
func RegisterActivity[In, Out any](r *Registry, name string, fn func(context.Context, In) (Out, error), opts ...Option) error {
	o := applyOptions(opts)
	return r.AddActivity(&ActivityDefinition{
		Name:        name,
		Description: o.description,
		InputSchema: o.inputSchema,
		Options:     o.activityOptions,
		Handler: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			in, err := decodeInput[In](raw)
			if err != nil {
				return nil, err
			}
			out, err := fn(ctx, in)
			if err != nil {
				return nil, err
			}
			return encodeOutput(out)
		},
	})
}

func decodeInput[In any](raw json.RawMessage) (In, error) {
	var in In
	if len(raw) == 0 || string(raw) == "null" {
		return in, nil
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, schema.NewNonRetryableApplicationError("invalid input: "+err.Error(), "InvalidInput", nil)
	}
	return in, nil
}

func encodeOutput(out any) (json.RawMessage, error) {
	b, err := json.Marshal(out)
	if err != nil {
		return nil, schema.NewNonRetryableApplicationError("encode result: "+err.Error(), "EncodeError", nil)
	}
	return b, nil
}
