// Package retry runs operations against flaky collaborators with bounded
// exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/bardlex/poolcore/pkg/errors"
)

// Policy bounds how often and how quickly an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// JitterFraction adds up to this fraction of the computed delay at random.
	JitterFraction float64
}

// DefaultPolicy suits general internal calls.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// BrokerPolicy suits publishing to and reading from the message broker.
func BrokerPolicy() *Policy {
	return &Policy{
		MaxAttempts:    5,
		BaseDelay:      50 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Multiplier:     1.5,
		JitterFraction: 0.1,
	}
}

// StorePolicy suits SQL and cache round trips.
func StorePolicy() *Policy {
	return &Policy{
		MaxAttempts:    3,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, the context
// ends, or the policy's attempts are used up.
func Do(ctx context.Context, p *Policy, fn func() error) error {
	_, err := DoWithResult(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for operations that produce a value.
func DoWithResult[T any](ctx context.Context, p *Policy, fn func() (T, error)) (T, error) {
	if p == nil {
		p = DefaultPolicy()
	}
	attempts := max(p.MaxAttempts, 1)

	var zero T
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		res, err := fn()
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, errors.Wrap(lastErr, errors.ErrorTypeTimeout, "retry", "attempts exhausted").
		WithContext("max_attempts", attempts)
}

// Delay returns the backoff before attempt+1.
func (p *Policy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	delay = min(delay, float64(p.MaxDelay))
	if p.JitterFraction > 0 {
		delay += delay * p.JitterFraction * rand.Float64()
	}
	return time.Duration(delay)
}
