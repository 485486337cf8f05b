// Package retry implements the exponential backoff policy used to space out
// delivery attempts for a failing notification. It is distinct from the
// infrastructure-level retry strategies applied to cache and queue calls.
package retry

import (
	"math"
	"time"
)

// Policy holds the backoff parameters for delivery retries.
type Policy struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// DefaultPolicy returns the standard backoff: 3 attempts, 1s initial interval,
// doubling, capped at 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		Multiplier:      2.0,
		MaxInterval:     10 * time.Second,
	}
}

// Backoff returns the delay before the given attempt number, growing
// exponentially from the initial interval and capped at the max interval.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxInterval) {
		return p.MaxInterval
	}

	return time.Duration(d)
}
