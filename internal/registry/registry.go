// Package registry maps workflow and activity type names to their handlers
// and input schemas. Only registered types can be started or scheduled.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/loom/internal/validation"
	"github.com/rendis/loom/pkg/schema"
	"github.com/rendis/loom/pkg/workflow"
)

// WorkflowHandler runs workflow code on raw JSON input.
type WorkflowHandler func(ctx workflow.Context, input json.RawMessage) (json.RawMessage, error)

// ActivityHandler runs an activity on raw JSON input.
type ActivityHandler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// WorkflowDefinition is a registered workflow type.
type WorkflowDefinition struct {
	Name             string
	Description      string
	InputSchema      json.RawMessage
	ExecutionTimeout time.Duration
	Handler          WorkflowHandler
}

// ActivityDefinition is a registered activity type.
type ActivityDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	// Options overrides defaults for fields the caller leaves unset.
	Options *schema.ActivityOptions
	Handler ActivityHandler
}

// Option configures a registration.
type Option func(*options)

type options struct {
	description      string
	inputSchema      json.RawMessage
	executionTimeout time.Duration
	activityOptions  *schema.ActivityOptions
}

// WithDescription sets a human readable description.
func WithDescription(d string) Option { return func(o *options) { o.description = d } }

// WithInputSchema attaches a JSON Schema that every input must satisfy.
func WithInputSchema(s string) Option {
	return func(o *options) { o.inputSchema = json.RawMessage(s) }
}

// WithExecutionTimeout bounds a workflow run. Zero means unbounded.
func WithExecutionTimeout(d time.Duration) Option {
	return func(o *options) { o.executionTimeout = d }
}

// WithActivityOptions sets per-type activity defaults.
func WithActivityOptions(opts schema.ActivityOptions) Option {
	return func(o *options) { o.activityOptions = &opts }
}

// Registry holds workflow and activity definitions. Safe for concurrent use.
type Registry struct {
	validator validation.InputValidator

	mu         sync.RWMutex
	workflows  map[string]*WorkflowDefinition
	activities map[string]*ActivityDefinition
}

// New creates a Registry. validator compiles and checks input schemas; when
// nil a SchemaValidator is created.
func New(validator validation.InputValidator) (*Registry, error) {
	if validator == nil {
		v, err := validation.NewSchemaValidator()
		if err != nil {
			return nil, err
		}
		validator = v
	}
	return &Registry{
		validator:  validator,
		workflows:  make(map[string]*WorkflowDefinition),
		activities: make(map[string]*ActivityDefinition),
	}, nil
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// AddWorkflow registers a workflow definition.
func (r *Registry) AddWorkflow(def *WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition needs a name and a handler")
	}
	if err := r.validator.Compile(def.InputSchema); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %q: input schema", def.Name).WithCause(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[def.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow type %q already registered", def.Name)
	}
	r.workflows[def.Name] = def
	return nil
}

// AddActivity registers an activity definition.
func (r *Registry) AddActivity(def *ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return schema.NewError(schema.ErrCodeValidation, "activity definition needs a name and a handler")
	}
	if err := r.validator.Compile(def.InputSchema); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "activity %q: input schema", def.Name).WithCause(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.activities[def.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "activity type %q already registered", def.Name)
	}
	r.activities[def.Name] = def
	return nil
}

// Workflow returns the definition for name.
func (r *Registry) Workflow(name string) (*WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.workflows[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTypeNotRegistered, "workflow type %q is not registered", name)
	}
	return def, nil
}

// Activity returns the definition for name.
func (r *Registry) Activity(name string) (*ActivityDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.activities[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTypeNotRegistered, "activity type %q is not registered", name)
	}
	return def, nil
}

// ValidateWorkflowInput checks that name is registered and input satisfies
// its schema.
func (r *Registry) ValidateWorkflowInput(name string, input json.RawMessage) (*WorkflowDefinition, error) {
	def, err := r.Workflow(name)
	if err != nil {
		return nil, err
	}
	if err := r.validator.ValidateInput(input, def.InputSchema); err != nil {
		return nil, err
	}
	return def, nil
}

// ValidateActivityInput checks that name is registered and input satisfies
// its schema.
func (r *Registry) ValidateActivityInput(name string, input json.RawMessage) (*ActivityDefinition, error) {
	def, err := r.Activity(name)
	if err != nil {
		return nil, err
	}
	if err := r.validator.ValidateInput(input, def.InputSchema); err != nil {
		return nil, err
	}
	return def, nil
}

// WorkflowTypes returns the registered workflow type names, sorted.
func (r *Registry) WorkflowTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for n := range r.workflows {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ActivityTypes returns the registered activity type names, sorted.
func (r *Registry) ActivityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.activities))
	for n := range r.activities {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
