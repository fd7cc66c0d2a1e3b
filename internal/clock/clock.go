// Package clock provides an injectable notion of time so timing contracts
// (floors, lingers, retry delays, ceilings) can be asserted without wall-clock waits.
package clock

import (
	"context"
	"time"
)

// Clock abstracts time lookups and timers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real returns the wall clock.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep blocks for d on the given clock, returning early with the context error
// when ctx is done first. Non-positive durations return immediately.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}

// Since reports the elapsed time on c since start.
func Since(c Clock, start time.Time) time.Duration {
	return c.Now().Sub(start)
}

// OrReal returns c, or the real clock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}
