package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // 16s capped
		{5, 10 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoff_NonDecreasing(t *testing.T) {
	p := DefaultPolicy()

	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, p.MaxInterval, "attempt %d", attempt)
		prev = d
	}
}

func TestBackoff_NegativeAttemptClamped(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, p.InitialInterval, p.Backoff(-3))
}
