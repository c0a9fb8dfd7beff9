package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/gridflow/gridflow/pkg/schema"
)

// IsTransient classifies whether a node failure is worth retrying under the
// node's retry policy. Transient: network errors, timeouts, deadline
// exceeded, typed errors carrying a retryable code. Permanent: validation
// failures, context cancellation (the run is shutting down), and typed
// errors with permanent codes.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// A single-attempt deadline is transient; the next attempt gets a
	// fresh timeout.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for errors surfaced by action handlers that
	// don't wrap a typed error.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// WaitForBackoff sleeps for the policy's linear backoff before the given
// attempt, or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, policy *schema.RetryPolicy, attempt int) error {
	delay := policy.Backoff(attempt)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
