// Package retry holds the one retry policy shared by every outbound call
// that is allowed to retry. Call sites differ only in attempt count,
// backoff schedule, and what they consider retryable.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Policy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // first backoff interval
	Multiplier  float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		Multiplier:  2,
	}
}

// Do runs op until it succeeds, the retryable predicate rejects its error,
// attempts are exhausted, or ctx is done. Backoff is exponential with
// jitter from the backoff library's randomization factor.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, op func() (T, error)) (T, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 250 * time.Millisecond
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier

	wrapped := func() (T, error) {
		v, err := op()
		if err != nil && retryable != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)
}
