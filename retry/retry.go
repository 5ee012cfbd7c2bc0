// Package retry runs an operation under a bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned once every attempt allowed by a Policy has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes an exponential backoff schedule.
type Policy struct {
	MaxAttempts  int           // attempts before giving up; 0 retries until ctx is done
	InitialDelay time.Duration // wait after the first failure
	MaxDelay     time.Duration // cap for the doubled delay
}

// DefaultPolicy waits 1s, 2s, 4s ... up to 30s for at most 10 attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.InitialDelay
	if delay <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// Func is one attempt of an operation.
type Func func(ctx context.Context) error

// Notify is called after each failed attempt with the attempt number, the
// error and the wait before the next attempt.
type Notify func(attempt int, err error, next time.Duration)

// Do calls fn until it succeeds, the policy is exhausted, ctx is done or
// retryable reports false for the returned error. A nil retryable retries
// every error.
func Do(ctx context.Context, p Policy, fn Func, retryable func(error) bool, notify Notify) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}

		delay := p.Delay(attempt)
		if notify != nil {
			notify(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
