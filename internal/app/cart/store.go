// Package cart implements the persistent cart store: every mutation rewrites the
// whole blob in durable storage and then announces the change on the signal bus.
// Readers never share an in-memory copy; each read goes back to storage.
package cart

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/mzlad1/mirabeauty-sub001/errs"
	cartdomain "github.com/mzlad1/mirabeauty-sub001/internal/domain/cart"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/bus/signalbus"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/kv"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/telemetry"
	"github.com/mzlad1/mirabeauty-sub001/internal/observability"
)

// Store is the persistent cart store.
type Store struct {
	kv     kv.Store
	bus    signalbus.Bus
	key    string
	logger observability.Logger

	mutationCounter  metric.Int64Counter
	recoveredCounter metric.Int64Counter
}

// Option configures a Store.
type Option func(*Store)

// WithKey overrides the storage key of the cart blob.
func WithKey(key string) Option {
	return func(s *Store) {
		if strings.TrimSpace(key) != "" {
			s.key = key
		}
	}
}

// WithLogger overrides the store logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore constructs a cart store over durable storage and a signal bus.
func NewStore(store kv.Store, bus signalbus.Bus, opts ...Option) *Store {
	s := &Store{
		kv:     store,
		bus:    bus,
		key:    cartdomain.DefaultKey,
		logger: observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	meter := otel.Meter("cart")
	s.mutationCounter, _ = meter.Int64Counter("cart.mutations",
		metric.WithDescription("Cart mutations by operation and result"),
		metric.WithUnit("{mutation}"))
	s.recoveredCounter, _ = meter.Int64Counter("cart.read.recovered",
		metric.WithDescription("Reads that fell back to an empty cart"),
		metric.WithUnit("{read}"))
	return s
}

// Key returns the storage key of the cart blob.
func (s *Store) Key() string { return s.key }

// Load reads the persisted cart. Missing, unreadable or malformed data yields an
// empty snapshot; Load never fails.
func (s *Store) Load(ctx context.Context) cartdomain.Snapshot {
	if s.kv == nil {
		return cartdomain.Empty()
	}
	blob, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		s.recovered(ctx, "read_failed", err)
		return cartdomain.Empty()
	}
	if !ok {
		return cartdomain.Empty()
	}
	snapshot, err := cartdomain.Decode(blob)
	if err != nil {
		s.recovered(ctx, "malformed", err)
		return cartdomain.Empty()
	}
	return snapshot
}

// Add merges qty units of item into the cart. Non-positive quantities add one unit.
func (s *Store) Add(ctx context.Context, item cartdomain.Item, qty int) (cartdomain.Snapshot, error) {
	if strings.TrimSpace(item.ItemID) == "" {
		return cartdomain.Snapshot{}, errs.New("cart/add", errs.CodeInvalid, errs.WithMessage("item id required"))
	}
	if qty <= 0 {
		qty = 1
	}
	return s.mutate(ctx, "add", func(current cartdomain.Snapshot) cartdomain.Snapshot {
		return current.Add(item, qty)
	})
}

// AddOne adds a single unit of item.
func (s *Store) AddOne(ctx context.Context, item cartdomain.Item) (cartdomain.Snapshot, error) {
	return s.Add(ctx, item, 1)
}

// SetQuantity replaces the quantity of a line; qty <= 0 removes it. Unknown ids
// leave the lines untouched but the cart is still persisted and announced.
func (s *Store) SetQuantity(ctx context.Context, itemID string, qty int) (cartdomain.Snapshot, error) {
	return s.mutate(ctx, "set_quantity", func(current cartdomain.Snapshot) cartdomain.Snapshot {
		return current.SetQuantity(itemID, qty)
	})
}

// Remove drops the line for itemID if present.
func (s *Store) Remove(ctx context.Context, itemID string) (cartdomain.Snapshot, error) {
	return s.mutate(ctx, "remove", func(current cartdomain.Snapshot) cartdomain.Snapshot {
		return current.Remove(itemID)
	})
}

// Clear persists an empty cart.
func (s *Store) Clear(ctx context.Context) (cartdomain.Snapshot, error) {
	return s.mutate(ctx, "clear", func(cartdomain.Snapshot) cartdomain.Snapshot {
		return cartdomain.Empty()
	})
}

// Totals sums sanitised unit price times quantity over the persisted lines.
func (s *Store) Totals(ctx context.Context) decimal.Decimal {
	return s.Load(ctx).Total()
}

// Count returns the total quantity across persisted lines.
func (s *Store) Count(ctx context.Context) int {
	return s.Load(ctx).Count()
}

// Watch calls fn with a freshly loaded snapshot every time the cart changes.
func (s *Store) Watch(fn func(context.Context, cartdomain.Snapshot)) (signalbus.Unsubscribe, error) {
	if fn == nil {
		return nil, errs.New("cart/watch", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	if s.bus == nil {
		return nil, errs.New("cart/watch", errs.CodeUnavailable, errs.WithMessage("nil signal bus"))
	}
	return s.bus.Subscribe(signalbus.CartChanged, func(ctx context.Context, _ string) {
		fn(ctx, s.Load(ctx))
	})
}

// mutate is read-modify-write of the whole blob followed by the change signal.
// The signal is only published once the write has completed; a failed write
// publishes nothing and is returned to the caller.
func (s *Store) mutate(ctx context.Context, op string, fn func(cartdomain.Snapshot) cartdomain.Snapshot) (cartdomain.Snapshot, error) {
	if s.kv == nil {
		return cartdomain.Snapshot{}, errs.New("cart/"+op, errs.CodeUnavailable, errs.WithMessage("nil storage"))
	}
	next := fn(s.Load(ctx))
	blob, err := cartdomain.Encode(next)
	if err != nil {
		s.recordMutation(ctx, op, err)
		return cartdomain.Snapshot{}, err
	}
	if err := s.kv.Set(ctx, s.key, blob); err != nil {
		s.recordMutation(ctx, op, err)
		return cartdomain.Snapshot{}, errs.New("cart/"+op, errs.CodeUnavailable,
			errs.WithMessage("persist cart"), errs.WithField("key", s.key), errs.WithCause(err))
	}
	s.recordMutation(ctx, op, nil)
	s.announce(ctx, op)
	return next, nil
}

func (s *Store) announce(ctx context.Context, op string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, signalbus.CartChanged); err != nil {
		s.logger.Warn("cart change signal not published",
			observability.F("operation", op),
			observability.F("error", err))
	}
}

func (s *Store) recovered(ctx context.Context, reason string, err error) {
	s.logger.Warn("cart blob unreadable; treating as empty",
		observability.F("key", s.key),
		observability.F("reason", reason),
		observability.F("error", err))
	if s.recoveredCounter != nil {
		s.recoveredCounter.Add(ctx, 1, telemetry.Attrs(telemetry.AttrResult.String(reason)))
	}
}

func (s *Store) recordMutation(ctx context.Context, op string, err error) {
	if s.mutationCounter != nil {
		s.mutationCounter.Add(ctx, 1, telemetry.Attrs(telemetry.OperationResultAttributes(op, telemetry.ResultOf(err))...))
	}
}
