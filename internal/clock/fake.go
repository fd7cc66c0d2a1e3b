package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced clock for deterministic tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed chan struct{}
}

type waiter struct {
	until time.Time
	ch    chan time.Time
}

// NewFake constructs a fake clock initialised to start.
func NewFake(start time.Time) *Fake {
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	return &Fake{now: start, changed: make(chan struct{})}
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that fires once the clock has been advanced past d.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, &waiter{until: f.now.Add(d), ch: ch})
	f.notifyLocked()
	return ch
}

// Advance moves the clock forward and fires every timer that has come due.
func (f *Fake) Advance(d time.Duration) {
	if d < 0 {
		return
	}
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	sort.SliceStable(f.waiters, func(i, j int) bool {
		return f.waiters[i].until.Before(f.waiters[j].until)
	})
	remaining := f.waiters[:0]
	var due []*waiter
	for _, w := range f.waiters {
		if !w.until.After(now) {
			due = append(due, w)
			continue
		}
		remaining = append(remaining, w)
	}
	f.waiters = remaining
	f.notifyLocked()
	f.mu.Unlock()

	for _, w := range due {
		w.ch <- now
	}
}

// Waiters reports how many timers are pending.
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// BlockUntil waits until at least n timers are pending.
func (f *Fake) BlockUntil(n int) {
	for {
		f.mu.Lock()
		if len(f.waiters) >= n {
			f.mu.Unlock()
			return
		}
		changed := f.changed
		f.mu.Unlock()
		<-changed
	}
}

func (f *Fake) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}
