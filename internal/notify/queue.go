// Package notify delivers change notifications in the order they were
// produced without holding the producer's lock during delivery.
package notify

import "sync"

// Queue is a FIFO of pending notifications with a single active drainer.
// Producers Push while holding the lock that orders their state changes, then
// call Drain after releasing it. Values pushed while another goroutine is
// draining are delivered by that goroutine, so delivery order always matches
// push order. The zero value is ready to use.
type Queue[T any] struct {
	mu       sync.Mutex
	pending  []T
	draining bool
}

// Push appends v to the queue.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.pending = append(q.pending, v)
	q.mu.Unlock()
}

// Drain delivers pending values in order until the queue is empty. If another
// goroutine is already draining, Drain returns immediately. A deliver callback
// may Push and Drain again; the nested call returns at once and the value is
// delivered after the current one.
func (q *Queue[T]) Drain(deliver func(T)) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	finished := false
	defer func() {
		if !finished {
			q.mu.Lock()
			q.draining = false
			q.mu.Unlock()
		}
	}()
	for len(q.pending) > 0 {
		v := q.pending[0]
		var zero T
		q.pending[0] = zero
		q.pending = q.pending[1:]
		q.mu.Unlock()
		deliver(v)
		q.mu.Lock()
	}
	q.pending = nil
	q.draining = false
	finished = true
	q.mu.Unlock()
}

// Len reports the number of undelivered values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
