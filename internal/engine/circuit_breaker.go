package engine

import (
	"sync"
	"time"

	"github.com/rendis/loom/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed attempts before
	// the activity type's circuit opens. Zero disables the breaker.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is let through.
	Cooldown time.Duration
	// HalfOpenMax is the number of probes allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns five failures, thirty seconds, one probe.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probes   int
}

// CircuitBreakerRegistry keeps one breaker per activity type. An open
// circuit fails attempts fast with a retryable CIRCUIT_OPEN failure, so the
// activity's retry policy spaces out calls to a dependency that is down.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil if an attempt of activityType may run.
func (r *CircuitBreakerRegistry) Allow(activityType string) error {
	if r == nil || r.config.FailureThreshold <= 0 {
		return nil
	}
	cb := r.get(activityType)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.openedAt)
		if elapsed < r.config.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for activity %q after %d consecutive failures", activityType, cb.failures).
				WithDetails(map[string]any{
					"activity_type":        activityType,
					"consecutive_failures": cb.failures,
					"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
				})
		}
		cb.state = CircuitHalfOpen
		cb.probes = 1
		return nil
	case CircuitHalfOpen:
		if cb.probes >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for activity %q: probe in flight", activityType)
		}
		cb.probes++
	}
	return nil
}

// Record updates the breaker with an attempt's outcome and returns the new
// state. Failures that are the caller's fault (non-retryable application
// errors, cancellation) do not count against the dependency.
func (r *CircuitBreakerRegistry) Record(activityType string, f *schema.Failure) CircuitState {
	if r == nil || r.config.FailureThreshold <= 0 {
		return CircuitClosed
	}
	cb := r.get(activityType)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if f == nil {
		cb.failures = 0
		cb.probes = 0
		cb.state = CircuitClosed
		return cb.state
	}
	if f.NonRetryable || f.Kind == schema.FailureCancelled {
		return cb.state
	}

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = r.now()
	}
	return cb.state
}

// State returns the current state for activityType.
func (r *CircuitBreakerRegistry) State(activityType string) CircuitState {
	cb := r.get(activityType)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && r.now().Sub(cb.openedAt) >= r.config.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

// Stats returns diagnostic information about one breaker.
func (r *CircuitBreakerRegistry) Stats(activityType string) map[string]any {
	cb := r.get(activityType)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]any{
		"activity_type":        activityType,
		"state":                cb.state.String(),
		"consecutive_failures": cb.failures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) get(activityType string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[activityType]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[activityType] = cb
	}
	return cb
}
