package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigurationDefaults(t *testing.T) {
	t.Parallel()
	var c Configuration

	// No predicate means nothing retries.
	assert.False(t, c.retryable("A", "timeout"))
	assert.Equal(t, DefaultMaxRetries, c.maxRetries("A"))

	// Exponential delay with a 30s cap.
	assert.Equal(t, time.Second, c.retryDelay("A", 1))
	assert.Equal(t, 2*time.Second, c.retryDelay("A", 2))
	assert.Equal(t, 8*time.Second, c.retryDelay("A", 4))
	assert.Equal(t, 30*time.Second, c.retryDelay("A", 6))
	assert.Equal(t, 30*time.Second, c.retryDelay("A", 60))
	assert.Equal(t, time.Second, c.retryDelay("A", 0))
}
