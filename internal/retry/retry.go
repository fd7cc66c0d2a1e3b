// Package retry implements a bounded retry combinator driven by backoff policies
// and an injectable clock.
package retry

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mzlad1/mirabeauty-sub001/errs"
	"github.com/mzlad1/mirabeauty-sub001/internal/clock"
)

// ErrExhausted is reported when every attempt completed without a result.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy bounds an operation by attempt count and spaces attempts with a backoff.
type Policy struct {
	MaxAttempts int
	// NewBackOff builds a fresh backoff per Do call; backoffs carry state.
	NewBackOff func() backoff.BackOff
}

// Constant spaces attempts by a fixed delay.
func Constant(maxAttempts int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(delay)
		},
	}
}

// Exponential spaces attempts by a jittered exponential delay capped at maxDelay.
func Exponential(maxAttempts int, initial, maxDelay time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			if initial > 0 {
				b.InitialInterval = initial
			}
			if maxDelay > 0 {
				b.MaxInterval = maxDelay
			}
			return b
		},
	}
}

func (p Policy) normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.NewBackOff == nil {
		p.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	}
	return p
}

// Attempt performs a single try. Returning ok=false with a nil error means the
// value is not available yet and the attempt should be repeated. Errors are
// treated as transient unless wrapped with backoff.Permanent.
type Attempt[T any] func(ctx context.Context, attempt int) (value T, ok bool, err error)

// Do runs fn until it reports ok, fails permanently, or the attempt bound is reached.
// It returns the number of attempts made. Exhaustion yields an error matching
// ErrExhausted that also wraps the last transient failure, if any.
func Do[T any](ctx context.Context, clk clock.Clock, policy Policy, fn Attempt[T]) (T, int, error) {
	var zero T
	if fn == nil {
		return zero, 0, errs.New("retry/do", errs.CodeInvalid, errs.WithMessage("nil attempt"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	clk = clock.OrReal(clk)
	policy = policy.normalize()
	b := policy.NewBackOff()
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		value, ok, err := fn(ctx, attempt)
		if err != nil {
			var permanent *backoff.PermanentError
			if errors.As(err, &permanent) {
				return zero, attempt, permanent.Err
			}
			lastErr = err
		} else if ok {
			return value, attempt, nil
		}

		if attempt == policy.MaxAttempts {
			return zero, attempt, exhausted(attempt, lastErr)
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return zero, attempt, exhausted(attempt, lastErr)
		}
		if err := clock.Sleep(ctx, clk, wait); err != nil {
			return zero, attempt, err
		}
	}
	return zero, policy.MaxAttempts, exhausted(policy.MaxAttempts, lastErr)
}

func exhausted(attempts int, last error) error {
	if last == nil {
		return ErrExhausted
	}
	return errors.Join(ErrExhausted, errs.New("retry/do", errs.CodeUnavailable,
		errs.WithMessage("last attempt failed"),
		errs.WithField("attempts", strconv.Itoa(attempts)),
		errs.WithCause(last),
	))
}
