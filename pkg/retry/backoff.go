// Package retry wraps transient operations in exponential backoff with
// jitter. It covers in-call retries of external services; the database job
// queue and the forward retry scheduler keep their own persistent schedules.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes the delay sequence. Attempt n waits
// InitialInterval * Multiplier^(n-1), capped at MaxInterval; with Jitter
// each delay lands uniformly in [delay/2, delay).
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxAttempts     int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxAttempts:     3,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialInterval
	}
	interval := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(attempt-1))
	if interval > float64(c.MaxInterval) {
		interval = float64(c.MaxInterval)
	}
	d := time.Duration(interval)
	if c.Jitter && d >= 2 {
		d = d/2 + time.Duration(rand.Int63n(int64(d/2)))
	}
	return d
}

type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks an error as not worth retrying; WithBackoff returns the
// wrapped error immediately.
func Permanent(err error) error {
	return permanentError{err: err}
}

// WithBackoff runs fn until it succeeds, returns a permanent error, the
// context ends, or MaxAttempts attempts are spent.
func WithBackoff(ctx context.Context, cfg BackoffConfig, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry aborted: %w", ctx.Err())
			case <-time.After(cfg.Delay(attempt - 1)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}
	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
