package process

import (
	"time"
)

// DefaultMaxRetries bounds step retries when a configuration does not
// override it.
const DefaultMaxRetries = 3

// Configuration binds a process type to its graph and retry policy.
type Configuration struct {
	// ProcessType names the workflow; registration is exactly-once per type.
	ProcessType string
	// Graph is the immutable step DAG.
	Graph *Graph
	// IsRetryable decides whether a step failure should be retried. Nil
	// means no step failure is retryable.
	IsRetryable func(step, errMsg string) bool
	// MaxRetries bounds retries per step. Nil means DefaultMaxRetries.
	MaxRetries func(step string) int
	// RetryDelay returns the cooperative delay before re-dispatching a
	// retried step. Nil means exponential backoff capped at 30s.
	RetryDelay func(step string, attempt int) time.Duration
}

func (c Configuration) retryable(step, errMsg string) bool {
	if c.IsRetryable == nil {
		return false
	}
	return c.IsRetryable(step, errMsg)
}

func (c Configuration) maxRetries(step string) int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return c.MaxRetries(step)
}

func (c Configuration) retryDelay(step string, attempt int) time.Duration {
	if c.RetryDelay == nil {
		return defaultRetryDelay(attempt)
	}
	return c.RetryDelay(step, attempt)
}

// defaultRetryDelay is exponential with a 30s cap: attempt n (1-based)
// yields min(2^(n-1) * 1s, 30s).
func defaultRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second << uint(attempt-1)
	if d > 30*time.Second || d <= 0 {
		return 30 * time.Second
	}
	return d
}
