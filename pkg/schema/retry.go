package schema

import "time"

// RetryPolicy controls how failed activity attempts are retried.
// Delay before attempt n+1 is min(MaximumInterval, InitialInterval * BackoffCoefficient^(n-1)).
type RetryPolicy struct {
	InitialInterval    time.Duration `json:"initial_interval,omitempty"`
	BackoffCoefficient float64       `json:"backoff_coefficient,omitempty"`
	MaximumInterval    time.Duration `json:"maximum_interval,omitempty"`
	// MaximumAttempts of 0 means unlimited.
	MaximumAttempts        int      `json:"maximum_attempts,omitempty"`
	NonRetryableErrorTypes []string `json:"non_retryable_error_types,omitempty"`
}

// DefaultRetryPolicy returns the policy applied when an activity sets none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    100 * time.Second,
		MaximumAttempts:    3,
	}
}

// WithDefaults fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = d.BackoffCoefficient
	}
	if p.MaximumInterval <= 0 {
		p.MaximumInterval = p.InitialInterval * 100
	}
	if p.MaximumAttempts < 0 {
		p.MaximumAttempts = d.MaximumAttempts
	}
	return p
}

// ActivityOptions carries the per-invocation timeouts and retry policy.
type ActivityOptions struct {
	ScheduleToStartTimeout time.Duration `json:"schedule_to_start_timeout,omitempty"`
	StartToCloseTimeout    time.Duration `json:"start_to_close_timeout,omitempty"`
	HeartbeatTimeout       time.Duration `json:"heartbeat_timeout,omitempty"`
	RetryPolicy            *RetryPolicy  `json:"retry_policy,omitempty"`
}

// DefaultActivityOptions returns a one minute start-to-close timeout and the
// default retry policy.
func DefaultActivityOptions() ActivityOptions {
	p := DefaultRetryPolicy()
	return ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy:         &p,
	}
}

// WithDefaults fills unset fields.
func (o ActivityOptions) WithDefaults() ActivityOptions {
	if o.StartToCloseTimeout <= 0 {
		o.StartToCloseTimeout = time.Minute
	}
	if o.RetryPolicy == nil {
		p := DefaultRetryPolicy()
		o.RetryPolicy = &p
	} else {
		p := o.RetryPolicy.WithDefaults()
		o.RetryPolicy = &p
	}
	return o
}
