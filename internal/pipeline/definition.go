// Package pipeline turns declarative YAML or JSON documents into workflow
// types. A pipeline runs its steps in order: each step may be guarded by a
// CEL condition, builds its activity input with a jq mapping and records the
// activity's result under its id for later steps. Expressions only read the
// workflow input and recorded results, so replay is deterministic.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/loom/pkg/schema"
)

// Definition is the document form of a pipeline.
type Definition struct {
	Type             string         `yaml:"type" json:"type"`
	Description      string         `yaml:"description,omitempty" json:"description,omitempty"`
	InputSchema      map[string]any `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	Steps            []StepDef      `yaml:"steps" json:"steps"`
	Output           string         `yaml:"output,omitempty" json:"output,omitempty"`
	ExecutionTimeout string         `yaml:"execution_timeout,omitempty" json:"execution_timeout,omitempty"`
}

// StepDef is one step of a Definition. Exactly one of Activity and Sleep is set.
type StepDef struct {
	ID       string      `yaml:"id" json:"id"`
	Activity string      `yaml:"activity,omitempty" json:"activity,omitempty"`
	Sleep    string      `yaml:"sleep,omitempty" json:"sleep,omitempty"`
	Input    string      `yaml:"input,omitempty" json:"input,omitempty"`
	When     string      `yaml:"when,omitempty" json:"when,omitempty"`
	Options  *OptionsDef `yaml:"options,omitempty" json:"options,omitempty"`
}

type OptionsDef struct {
	ScheduleToStartTimeout string    `yaml:"schedule_to_start_timeout,omitempty" json:"schedule_to_start_timeout,omitempty"`
	StartToCloseTimeout    string    `yaml:"start_to_close_timeout,omitempty" json:"start_to_close_timeout,omitempty"`
	HeartbeatTimeout       string    `yaml:"heartbeat_timeout,omitempty" json:"heartbeat_timeout,omitempty"`
	Retry                  *RetryDef `yaml:"retry,omitempty" json:"retry,omitempty"`
}

type RetryDef struct {
	InitialInterval        string   `yaml:"initial_interval,omitempty" json:"initial_interval,omitempty"`
	BackoffCoefficient     float64  `yaml:"backoff_coefficient,omitempty" json:"backoff_coefficient,omitempty"`
	MaximumInterval        string   `yaml:"maximum_interval,omitempty" json:"maximum_interval,omitempty"`
	MaximumAttempts        int      `yaml:"maximum_attempts,omitempty" json:"maximum_attempts,omitempty"`
	NonRetryableErrorTypes []string `yaml:"non_retryable_error_types,omitempty" json:"non_retryable_error_types,omitempty"`
}

// step is a StepDef with its durations and options resolved.
type step struct {
	id       string
	activity string
	sleep    time.Duration
	input    string
	when     string
	options  *schema.ActivityOptions
}

func (o *OptionsDef) resolve() (*schema.ActivityOptions, error) {
	if o == nil {
		return nil, nil
	}
	var (
		out schema.ActivityOptions
		err error
	)
	if out.ScheduleToStartTimeout, err = parseDuration(o.ScheduleToStartTimeout); err != nil {
		return nil, err
	}
	if out.StartToCloseTimeout, err = parseDuration(o.StartToCloseTimeout); err != nil {
		return nil, err
	}
	if out.HeartbeatTimeout, err = parseDuration(o.HeartbeatTimeout); err != nil {
		return nil, err
	}
	if o.Retry != nil {
		p := schema.RetryPolicy{
			BackoffCoefficient:     o.Retry.BackoffCoefficient,
			MaximumAttempts:        o.Retry.MaximumAttempts,
			NonRetryableErrorTypes: o.Retry.NonRetryableErrorTypes,
		}
		if p.InitialInterval, err = parseDuration(o.Retry.InitialInterval); err != nil {
			return nil, err
		}
		if p.MaximumInterval, err = parseDuration(o.Retry.MaximumInterval); err != nil {
			return nil, err
		}
		out.RetryPolicy = &p
	}
	return &out, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

func (d *Definition) inputSchema() (json.RawMessage, error) {
	if len(d.InputSchema) == 0 {
		return nil, nil
	}
	return json.Marshal(d.InputSchema)
}
