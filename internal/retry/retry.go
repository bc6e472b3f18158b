// Package retry runs remote calls again on transient failures with
// exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero executes once.
	MaxRetries int

	// InitialBackoff is the delay before the first retry (default 200ms).
	InitialBackoff time.Duration

	// MaxBackoff caps any single delay (default 30s).
	MaxBackoff time.Duration

	// Multiplier grows the delay after each retry (default 2).
	Multiplier float64

	// Jitter randomises each delay by +/- the given fraction (0..1).
	Jitter float64

	// Retryable decides whether err warrants another attempt. Nil uses
	// IsRetryable.
	Retryable func(error) bool
}

// DefaultPolicy returns the policy used for remote submissions.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		Jitter:         0.1,
		Retryable:      IsRetryable,
	}
}

var (
	// ErrExhausted is reported when every attempt failed with a retryable error.
	ErrExhausted = errors.New("retry: attempts exhausted")

	// ErrPermanent is reported when an attempt failed with a non-retryable error.
	ErrPermanent = errors.New("retry: permanent failure")

	// ErrCanceled is reported when the context ended between attempts.
	ErrCanceled = errors.New("retry: canceled")
)

// Error describes a failed retry loop. It unwraps to the last attempt's
// error, so errors.Is/As still see the remote failure.
type Error struct {
	Last     error
	Attempts int
	Reason   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Reason, e.Attempts, e.Last)
}

func (e *Error) Unwrap() error {
	return e.Last
}

func (e *Error) Is(target error) bool {
	return target == e.Reason
}

// Do calls fn until it succeeds, fails permanently, or the policy runs out.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.normalize()

	var last error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				return err
			}
			return &Error{Last: last, Attempts: attempt, Reason: ErrCanceled}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err

		if !p.Retryable(err) {
			return &Error{Last: err, Attempts: attempt + 1, Reason: ErrPermanent}
		}
		if attempt == p.MaxRetries {
			break
		}

		timer := time.NewTimer(p.delay(attempt, err))
		select {
		case <-ctx.Done():
			timer.Stop()
			return &Error{Last: last, Attempts: attempt + 1, Reason: ErrCanceled}
		case <-timer.C:
		}
	}

	return &Error{Last: last, Attempts: p.MaxRetries + 1, Reason: ErrExhausted}
}

// DoValue is Do for calls that return a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// IsRetryable honours a Retryable() bool method anywhere in err's chain.
// Errors without one are not retried.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// delay computes the wait before the next attempt. A server-supplied
// Retry-After wins when it is longer than the computed backoff.
func (p Policy) delay(attempt int, err error) time.Duration {
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + rand.Float64()*2*spread
	}

	wait := time.Duration(d)

	var ra interface{ RetryAfter() time.Duration }
	if errors.As(err, &ra) {
		if hint := ra.RetryAfter(); hint > wait {
			wait = min(hint, p.MaxBackoff)
		}
	}

	return wait
}

func (p Policy) normalize() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 200 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	p.Jitter = max(0, min(p.Jitter, 1))
	if p.Retryable == nil {
		p.Retryable = IsRetryable
	}
	return p
}
