package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{attempt: 0, min: 30 * time.Second, max: 30 * time.Second},
		{attempt: 1, min: 15 * time.Second, max: 30 * time.Second},
		{attempt: 3, min: time.Minute, max: 2 * time.Minute},
		{attempt: 40, min: 150 * time.Second, max: 5 * time.Minute},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := retryDelay(30*time.Second, 5*time.Minute, tt.attempt)
			assert.GreaterOrEqual(t, d, tt.min, "attempt %d", tt.attempt)
			assert.LessOrEqual(t, d, tt.max, "attempt %d", tt.attempt)
		}
	}
	assert.Zero(t, retryDelay(0, time.Minute, 3))
}
