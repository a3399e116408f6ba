package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/loom/pkg/schema"
)

var transient = &schema.Failure{Kind: schema.FailureApplication, Message: "upstream 503"}

func newTestBreakers(threshold int, cooldown time.Duration) (*CircuitBreakerRegistry, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: cooldown, HalfOpenMax: 1})
	r.now = func() time.Time { return now }
	return r, &now
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	r, _ := newTestBreakers(3, time.Second)
	assert.NoError(t, r.Allow("fetchExternalData"))
	assert.Equal(t, CircuitClosed, r.State("fetchExternalData"))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	r, _ := newTestBreakers(3, 10*time.Second)

	r.Record("fetch", transient)
	r.Record("fetch", transient)
	assert.Equal(t, CircuitClosed, r.State("fetch"))

	assert.Equal(t, CircuitOpen, r.Record("fetch", transient))

	err := r.Allow("fetch")
	require.Error(t, err)
	var loomErr *schema.LoomError
	require.ErrorAs(t, err, &loomErr)
	assert.Equal(t, schema.ErrCodeCircuitOpen, loomErr.Code)
	assert.True(t, loomErr.IsRetryable())

	// Other activity types are unaffected.
	assert.NoError(t, r.Allow("processData"))
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	r, _ := newTestBreakers(3, 10*time.Second)
	r.Record("a", transient)
	r.Record("a", transient)
	r.Record("a", nil)
	r.Record("a", transient)
	r.Record("a", transient)
	assert.Equal(t, CircuitClosed, r.State("a"))
}

func TestCircuitBreaker_IgnoresNonRetryableFailures(t *testing.T) {
	r, _ := newTestBreakers(1, 10*time.Second)
	r.Record("a", &schema.Failure{Kind: schema.FailureApplication, NonRetryable: true})
	r.Record("a", &schema.Failure{Kind: schema.FailureCancelled})
	assert.Equal(t, CircuitClosed, r.State("a"))
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	r, now := newTestBreakers(2, 50*time.Millisecond)
	r.Record("a", transient)
	r.Record("a", transient)
	require.Error(t, r.Allow("a"))

	*now = now.Add(60 * time.Millisecond)
	assert.Equal(t, CircuitHalfOpen, r.State("a"))

	// One probe allowed, a second is rejected.
	require.NoError(t, r.Allow("a"))
	require.Error(t, r.Allow("a"))

	// Probe fails: reopen.
	assert.Equal(t, CircuitOpen, r.Record("a", transient))
	require.Error(t, r.Allow("a"))

	*now = now.Add(60 * time.Millisecond)
	require.NoError(t, r.Allow("a"))
	assert.Equal(t, CircuitClosed, r.Record("a", nil))
	assert.NoError(t, r.Allow("a"))
}

func TestCircuitBreaker_DisabledWithZeroThreshold(t *testing.T) {
	r, _ := newTestBreakers(0, time.Second)
	for i := 0; i < 10; i++ {
		r.Record("a", transient)
	}
	assert.NoError(t, r.Allow("a"))

	var nilRegistry *CircuitBreakerRegistry
	assert.NoError(t, nilRegistry.Allow("a"))
	assert.Equal(t, CircuitClosed, nilRegistry.Record("a", transient))
}

func TestCircuitBreaker_Stats(t *testing.T) {
	r, _ := newTestBreakers(3, time.Second)
	r.Record("a", transient)
	stats := r.Stats("a")
	assert.Equal(t, "a", stats["activity_type"])
	assert.Equal(t, 1, stats["consecutive_failures"])
	assert.Equal(t, "closed", stats["state"])
}
