// Package retry runs calls against transient external capabilities with
// per-attempt timeouts and bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy configures a bounded retry loop.
type Policy struct {
	// MaxAttempts is the total number of calls made, first call included.
	// Defaults to 3 if zero.
	MaxAttempts int

	// InitialDelay is the wait before the second attempt. Defaults to 200ms.
	InitialDelay time.Duration

	// MaxDelay caps the exponential delay. Defaults to 5s.
	MaxDelay time.Duration

	// Multiplier grows the delay between attempts. Defaults to 2.
	Multiplier float64

	// AttemptTimeout bounds each individual call. Zero means no per-attempt limit.
	AttemptTimeout time.Duration
}

// DefaultPolicy returns the policy used when a component is given none.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2,
		AttemptTimeout: 30 * time.Second,
	}
}

// withDefaults fills zero-valued fields.
func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	return p
}

// Backoff returns the delay before the given attempt (attempt 1 is the first
// retry), growing by Multiplier and capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(delay, p.MaxDelay)
}

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	// Attempts is the number of calls made.
	Attempts int
	// Err is the error of the last attempt.
	Err error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %d attempts exhausted: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// OnRetry is called before each retry with the attempt about to run and the
// error that caused it.
type OnRetry func(attempt int, err error)

// Do calls fn until it succeeds, returns a Permanent error, the parent context
// ends, or MaxAttempts is reached. Each call receives a context bounded by
// AttemptTimeout.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry OnRetry) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
			timer := time.NewTimer(p.Backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		// The caller gave up; a retry cannot succeed.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
	}

	return &ExhaustedError{Attempts: p.MaxAttempts, Err: lastErr}
}
