package errs

import (
	"context"
	"math/rand"
	"time"
)

// Retry runs fn up to cfg.MaxAttempts times, backing off exponentially
// between attempts with JitterFrac of randomization. Only retryable
// errors (see IsRetryable) consume additional attempts; any other error
// returns immediately. The context is honored during backoff sleeps.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	backoff := cfg.BaseBackoff
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(jitter(backoff, cfg.JitterFrac)):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := float64(d) * frac
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}
