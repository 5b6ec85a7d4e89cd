package saver

import (
	"context"
	"math/rand"
	"time"

	"github.com/bsaverbot/saver/ratelimit"
)

// RetryConfig bounds how infrastructure faults are retried. Business errors are never retried.
type RetryConfig struct {
	// MaxAttempts includes the first attempt, so 2 means "retried at most once".
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterPercent float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   2,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		JitterPercent: 0.1,
	}
}

// delay is the backoff before the given retry (1 = first retry).
func (c RetryConfig) delay(retry int) time.Duration {
	d := float64(c.BaseDelay)
	for i := 1; i < retry; i++ {
		d *= c.Multiplier
	}
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.JitterPercent > 0 {
		d += d * c.JitterPercent * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// Retry calls f until it succeeds, fails with a business error, the context ends, or MaxAttempts is reached. It
// returns the number of attempts made and the last error.
func Retry(ctx context.Context, cfg RetryConfig, f func(ctx context.Context, attempt int) error) (int, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if ratelimit.Sleep(ctx, cfg.delay(attempt-1)) != nil {
				return attempt - 1, err
			}
		}
		if err = f(ctx, attempt); err == nil || IsBusiness(err) {
			return attempt, err
		}
		if ctx.Err() != nil {
			return attempt, err
		}
	}
	return cfg.MaxAttempts, err
}
