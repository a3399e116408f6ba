package engine

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/rendis/loom/pkg/schema"
)

// RetryDelay returns the delay before the attempt that follows attempt n
// (1-based): min(MaximumInterval, InitialInterval * BackoffCoefficient^(n-1)).
func RetryDelay(policy schema.RetryPolicy, attempt int) time.Duration {
	p := policy.WithDefaults()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt-1))
	if delay > float64(p.MaximumInterval) || math.IsInf(delay, 0) {
		return p.MaximumInterval
	}
	return time.Duration(delay)
}

// ShouldRetryActivity decides whether a failed attempt gets another try.
// Cancellation, termination, non-retryable failures and failures whose type
// the policy lists as non-retryable stop immediately. Otherwise the attempt
// budget decides; a MaximumAttempts of zero never runs out.
func ShouldRetryActivity(f *schema.Failure, policy schema.RetryPolicy, attempt int) bool {
	if f == nil {
		return false
	}
	switch f.Kind {
	case schema.FailureCancelled, schema.FailureTerminated, schema.FailureNonDeterminism:
		return false
	}
	if f.NonRetryable {
		return false
	}
	for _, t := range policy.NonRetryableErrorTypes {
		if t != "" && t == f.Type {
			return false
		}
	}
	if policy.MaximumAttempts > 0 && attempt >= policy.MaximumAttempts {
		return false
	}
	return true
}

// IsRetryableError classifies infrastructure errors (store, queue, lock)
// raised while processing a task. Retryable errors release the task back to
// the queue with a backoff; the rest are logged and the task is dropped.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Shutdown.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var loomErr *schema.LoomError
	if errors.As(err, &loomErr) {
		return loomErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"database is locked",
		"i/o timeout",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// WaitForBackoff sleeps for delay or returns early if ctx is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
