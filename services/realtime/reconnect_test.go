package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectBackoffSchedule(t *testing.T) {
	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, want := range expected {
		assert.Equal(t, want, ReconnectBackoff(attempt), "attempt %d", attempt)
	}

	assert.Equal(t, time.Second, ReconnectBackoff(-3))
	assert.Equal(t, 30*time.Second, ReconnectBackoff(100))
}
