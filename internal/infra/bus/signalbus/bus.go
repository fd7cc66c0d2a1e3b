// Package signalbus provides a process-wide publish/subscribe signal without
// payloads. Consumers react to a signal by re-reading the state it announces.
package signalbus

import (
	"context"
	"strings"

	"github.com/mzlad1/mirabeauty-sub001/errs"
)

// CartChanged announces that the persisted cart blob was rewritten.
const CartChanged = "cart:changed"

// Handler reacts to a signal. Handlers run before Publish returns.
type Handler func(ctx context.Context, signal string)

// Unsubscribe stops delivery to a handler. It is safe to call more than once.
type Unsubscribe func()

// Bus delivers named signals to subscribed handlers.
type Bus interface {
	Publish(ctx context.Context, signal string) error
	Subscribe(signal string, handler Handler) (Unsubscribe, error)
}

// MemoryConfig configures the in-memory bus.
type MemoryConfig struct {
	// FanoutWorkers bounds how many handlers of one signal run concurrently.
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}

func validateSignal(op, signal string) error {
	if strings.TrimSpace(signal) == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("signal name required"))
	}
	return nil
}
