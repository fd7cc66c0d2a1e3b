package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"

	"github.com/mzlad1/mirabeauty-sub001/internal/clock"
)

type outcome struct {
	value    string
	attempts int
	err      error
}

func runWithFakeClock(t *testing.T, policy Policy, fn Attempt[string], delays int, step time.Duration) (outcome, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Unix(0, 0))
	done := make(chan outcome, 1)
	go func() {
		v, n, err := Do(context.Background(), fake, policy, fn)
		done <- outcome{value: v, attempts: n, err: err}
	}()
	for i := 0; i < delays; i++ {
		fake.BlockUntil(1)
		fake.Advance(step)
	}
	select {
	case out := <-done:
		return out, fake
	case <-time.After(2 * time.Second):
		t.Fatalf("retry did not finish")
		return outcome{}, fake
	}
}

func TestDoSucceedsOnLastAttempt(t *testing.T) {
	calls := 0
	fn := func(_ context.Context, attempt int) (string, bool, error) {
		calls++
		if attempt < 5 {
			return "", false, nil
		}
		return "profile", true, nil
	}

	out, fake := runWithFakeClock(t, Constant(5, 500*time.Millisecond), fn, 4, 500*time.Millisecond)
	require.NoError(t, out.err)
	require.Equal(t, "profile", out.value)
	require.Equal(t, 5, out.attempts)
	require.Equal(t, 5, calls)
	require.Equal(t, 2*time.Second, fake.Now().Sub(time.Unix(0, 0)))
}

func TestDoExhaustsBound(t *testing.T) {
	fn := func(context.Context, int) (string, bool, error) { return "", false, nil }

	out, _ := runWithFakeClock(t, Constant(5, 500*time.Millisecond), fn, 4, 500*time.Millisecond)
	require.ErrorIs(t, out.err, ErrExhausted)
	require.Equal(t, 5, out.attempts)
	require.Empty(t, out.value)
}

func TestDoWrapsLastTransientError(t *testing.T) {
	transient := errors.New("unavailable")
	fn := func(context.Context, int) (string, bool, error) { return "", false, transient }

	out, _ := runWithFakeClock(t, Constant(2, time.Second), fn, 1, time.Second)
	require.ErrorIs(t, out.err, ErrExhausted)
	require.ErrorIs(t, out.err, transient)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	fatal := errors.New("forbidden")
	calls := 0
	fn := func(context.Context, int) (string, bool, error) {
		calls++
		return "", false, backoff.Permanent(fatal)
	}

	v, n, err := Do(context.Background(), clock.NewFake(time.Time{}), Constant(5, time.Second), fn)
	require.Same(t, fatal, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, calls)
	require.Empty(t, v)
}

func TestDoHonoursBackOffStop(t *testing.T) {
	policy := Policy{
		MaxAttempts: 10,
		NewBackOff:  func() backoff.BackOff { return &backoff.StopBackOff{} },
	}
	calls := 0
	_, n, err := Do(context.Background(), clock.NewFake(time.Time{}), policy, func(context.Context, int) (int, bool, error) {
		calls++
		return 0, false, nil
	})
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, n)
	require.Equal(t, 1, calls)
}

func TestDoDefaultsToSingleAttempt(t *testing.T) {
	_, n, err := Do(context.Background(), nil, Policy{}, func(context.Context, int) (int, bool, error) {
		return 0, false, nil
	})
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, n)
}

func TestDoRejectsNilAttempt(t *testing.T) {
	_, _, err := Do[int](context.Background(), nil, Policy{}, nil)
	require.Error(t, err)
}

// Jitter spreads each delay by up to half the capped interval.
func TestExponentialPolicyCapsInterval(t *testing.T) {
	b := Exponential(3, 100*time.Millisecond, 150*time.Millisecond).NewBackOff()
	for i := 0; i < 5; i++ {
		require.LessOrEqual(t, b.NextBackOff(), 225*time.Millisecond+time.Nanosecond)
	}
}
