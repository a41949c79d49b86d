package source

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
)

// RetryPolicy decides whether and when a failed fetch is attempted again.
type RetryPolicy struct {
	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
	factor          float64
	retryableErrors []string
	jitter          func() float64
}

// NewRetryPolicy creates a policy from cfg, applying defaults to unset values.
func NewRetryPolicy(cfg config.RetryConfig) *RetryPolicy {
	factor := cfg.Factor
	if factor < 1 {
		factor = 2
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &RetryPolicy{
		maxAttempts:     attempts,
		initialInterval: config.Millis(cfg.InitialInterval, 500*time.Millisecond),
		maxInterval:     config.Millis(cfg.MaxInterval, 10*time.Second),
		factor:          factor,
		retryableErrors: cfg.RetryableErrors,
		jitter:          rand.Float64,
	}
}

// MaxAttempts returns the total number of attempts, including the first.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry reports whether err is worth another attempt. Permanent failures and
// cancellation never are.
func (p *RetryPolicy) ShouldRetry(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || exception.IsPermanent(err) {
		return false
	}
	if exception.IsTemporary(err) {
		return true
	}
	for _, name := range p.retryableErrors {
		if exception.IsErrorOfType(err, name) {
			return true
		}
	}
	return false
}

// BackoffInterval returns the wait before attempt+1: exponential in attempt, capped at
// the max interval, with up to 50% jitter subtracted.
func (p *RetryPolicy) BackoffInterval(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.initialInterval) * math.Pow(p.factor, float64(attempt-1))
	if d > float64(p.maxInterval) {
		d = float64(p.maxInterval)
	}
	return time.Duration(d * (1 - 0.5*p.jitter()))
}

// Do runs fn until it succeeds, returns a non-retryable error, or attempts run out.
// onRetry is called before each wait with the failed attempt number and its error.
func (p *RetryPolicy) Do(ctx context.Context, fn func(attempt int) error, onRetry func(attempt int, err error)) error {
	var err error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == p.maxAttempts || !p.ShouldRetry(err) {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		timer := time.NewTimer(p.BackoffInterval(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
