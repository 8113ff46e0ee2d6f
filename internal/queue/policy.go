package queue

import (
	"fmt"
	"math"
	"time"
)

// Policy bounds retries of a job.
type Policy struct {
	// MaxAttempts is the number of executions after which a job fails.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Minute,
	}
}

// Validate ensures the policy can be applied.
func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be > 0")
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be > 0")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay must be >= base delay")
	}
	return nil
}

// Backoff returns base * 2^attempts, capped at MaxDelay.
func (p Policy) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempts))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}
