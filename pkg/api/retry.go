package api

import (
	"context"
	"time"
)

// RetryPolicy controls how a failing operation is retried.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// InitialBackoff is the delay before the first retry. Each further delay is
// multiplied by BackoffMultiplier (2.0 when <= 0) and capped at MaxBackoff
// when MaxBackoff > 0. A zero InitialBackoff retries immediately.
type RetryPolicy struct {
	MaxAttempts       int           `mapstructure:"maxAttempts" yaml:"maxAttempts"`
	InitialBackoff    time.Duration `mapstructure:"backoff" yaml:"backoff"`
	BackoffMultiplier float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxBackoff        time.Duration `mapstructure:"maxBackoff" yaml:"maxBackoff"`
}

// Attempts returns the effective number of attempts, at least 1.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait before retry number n (n >= 1).
func (p RetryPolicy) Delay(n int) time.Duration {
	if p.InitialBackoff <= 0 || n < 1 {
		return 0
	}
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := p.InitialBackoff
	for i := 1; i < n; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if p.MaxBackoff > 0 && delay > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	return delay
}

// Do calls fn until it succeeds, the attempts are exhausted or ctx is done.
// It returns the last error from fn, or ctx.Err() if cancelled while waiting.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error
	attempts := p.Attempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if delay := p.Delay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return lastErr
}
