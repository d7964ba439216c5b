package driver

import (
	"context"
	"math"
	"time"

	"github.com/gandaldf/sqltpl"
)

// RetryPolicy decides whether a failed statement is attempted again and how
// long to wait first. The zero value disables retries.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Multiplier:     2,
}

// Enabled reports whether the policy ever retries.
func (p RetryPolicy) Enabled() bool { return p.MaxAttempts > 0 }

// ShouldRetry reports whether a statement that failed with err after attempt
// previous retries (0 for the first failure) should run again, and the delay
// before doing so. Only transient errors are retried.
func (p RetryPolicy) ShouldRetry(attempt int, err error) (time.Duration, bool) {
	if !p.Enabled() || attempt < 0 || attempt >= p.MaxAttempts || !sqltpl.IsTransient(err) {
		return 0, false
	}
	return p.Backoff(attempt), true
}

// Backoff returns InitialBackoff * Multiplier^attempt capped at MaxBackoff.
// Multipliers below 1 are treated as 1, so delays never decrease.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(m, float64(attempt))
	if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
