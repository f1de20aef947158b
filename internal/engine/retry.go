package engine

import (
	"fmt"
	"time"
)

// RetryPolicy bounds how often a transiently failing item is attempted and
// how long it waits between attempts.
//
// Each item copies the policy at enqueue time, so changing the manager's
// policy later does not affect items already queued.
type RetryPolicy struct {
	// MaxAttempts is the number of transient failures after which an
	// item is marked failed.
	MaxAttempts int

	// Delays is the backoff before attempt n+1 after n failures. The last
	// value repeats once attempts exceed the list.
	Delays []time.Duration
}

// DefaultRetryPolicy is 3 attempts with 1s, 3s, 10s backoff.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	Delays:      []time.Duration{time.Second, 3 * time.Second, 10 * time.Second},
}

// Validate checks the policy is usable.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	for i, d := range p.Delays {
		if d < 0 {
			return fmt.Errorf("retry policy: delay %d is negative (%s)", i, d)
		}
	}
	return nil
}

// Delay returns the backoff after the given number of failed attempts.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	return retryDelay(p.Delays, attempts)
}

// Exhausted reports whether attempts has reached the limit.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

func retryDelay(delays []time.Duration, attempts int) time.Duration {
	if len(delays) == 0 || attempts < 1 {
		return 0
	}
	i := attempts - 1
	if i >= len(delays) {
		i = len(delays) - 1
	}
	return delays[i]
}
