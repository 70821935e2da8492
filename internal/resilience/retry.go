// Package resilience provides the retry and circuit-breaker primitives used
// by the bus client, the outbox processor, and the inventory engine.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures exponential backoff with jitter. The zero value is
// not usable; start from DefaultRetryPolicy.
type RetryPolicy struct {
	// Base is the initial interval; attempt n waits about Base * 2^n.
	Base time.Duration
	// Cap bounds any single wait.
	Cap time.Duration
	// MaxAttempts bounds total tries (the first call counts as one).
	MaxAttempts int
}

// DefaultRetryPolicy matches the core defaults: 1 s base, 30 s cap, 5 tries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 5}
}

// Permanent marks err so Retry stops immediately instead of backing off.
func Permanent(err error) error { return backoff.Permanent(err) }

// Retry runs op with exponential backoff and ±20% jitter until it succeeds,
// returns a permanent error, exhausts MaxAttempts, or the context ends.
func Retry(ctx context.Context, p RetryPolicy, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Base
	bo.MaxInterval = p.Cap
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0 // bounded by attempts, not wall clock
	bo.Reset()

	var wrapped backoff.BackOff = backoff.WithContext(bo, ctx)
	if p.MaxAttempts > 0 {
		wrapped = backoff.WithMaxRetries(wrapped, uint64(p.MaxAttempts-1))
	}
	err := backoff.Retry(op, wrapped)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
