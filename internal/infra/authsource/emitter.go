// Package authsource adapts identity providers to the identity.Provider port.
package authsource

import (
	"sync"

	"github.com/google/uuid"

	"github.com/mzlad1/mirabeauty-sub001/internal/domain/identity"
	"github.com/mzlad1/mirabeauty-sub001/internal/notify"
)

// Emitter is an in-process identity provider. Subscribers receive the current
// identity on subscribe once one has been emitted, then every change, in the
// order the changes were emitted.
type Emitter struct {
	mu          sync.Mutex
	current     *identity.Record
	known       bool
	subscribers map[string]func(*identity.Record)
	deliveries  notify.Queue[delivery]
}

type delivery struct {
	record  *identity.Record
	targets []func(*identity.Record)
}

// NewEmitter constructs an emitter with no known identity.
func NewEmitter() *Emitter {
	return &Emitter{subscribers: make(map[string]func(*identity.Record))}
}

// Subscribe implements identity.Provider.
func (e *Emitter) Subscribe(onChange func(*identity.Record)) func() {
	if onChange == nil {
		return func() {}
	}
	id := uuid.NewString()
	e.mu.Lock()
	e.subscribers[id] = onChange
	if e.known {
		e.deliveries.Push(delivery{record: clone(e.current), targets: []func(*identity.Record){onChange}})
	}
	e.mu.Unlock()
	e.flush()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subscribers, id)
			e.mu.Unlock()
		})
	}
}

// Emit publishes an identity change. A nil record signals sign-out.
func (e *Emitter) Emit(record *identity.Record) {
	e.mu.Lock()
	e.current = clone(record)
	e.known = true
	if len(e.subscribers) > 0 {
		subs := make([]func(*identity.Record), 0, len(e.subscribers))
		for _, fn := range e.subscribers {
			subs = append(subs, fn)
		}
		e.deliveries.Push(delivery{record: clone(record), targets: subs})
	}
	e.mu.Unlock()
	e.flush()
}

func (e *Emitter) flush() {
	e.deliveries.Drain(func(d delivery) {
		for _, fn := range d.targets {
			fn(clone(d.record))
		}
	})
}

// Current returns the last emitted identity.
func (e *Emitter) Current() (*identity.Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return clone(e.current), e.known
}

func clone(r *identity.Record) *identity.Record {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}
