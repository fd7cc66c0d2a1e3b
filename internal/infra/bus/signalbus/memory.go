package signalbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/mzlad1/mirabeauty-sub001/errs"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/telemetry"
	"github.com/mzlad1/mirabeauty-sub001/internal/observability"
)

// MemoryBus is an in-process Bus. Publish invokes every handler registered for
// the signal at the time of the call and returns once all of them have finished.
type MemoryBus struct {
	cfg    MemoryConfig
	logger observability.Logger

	mu          sync.RWMutex
	subscribers map[string][]*subscription
	closed      bool

	publishedCounter     metric.Int64Counter
	handlerErrorCounter  metric.Int64Counter
	subscriberGauge      metric.Int64UpDownCounter
	fanoutHistogram      metric.Int64Histogram
	publishDurationHisto metric.Float64Histogram
}

type subscription struct {
	id      string
	signal  string
	handler Handler
	once    sync.Once
}

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithLogger overrides the logger used to report handler panics.
func WithLogger(logger observability.Logger) MemoryOption {
	return func(b *MemoryBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewMemoryBus constructs an in-memory signal bus.
func NewMemoryBus(cfg MemoryConfig, opts ...MemoryOption) *MemoryBus {
	bus := &MemoryBus{
		cfg:         cfg.normalize(),
		logger:      observability.Log(),
		subscribers: make(map[string][]*subscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(bus)
		}
	}

	meter := otel.Meter("signalbus")
	bus.publishedCounter, _ = meter.Int64Counter("signalbus.published",
		metric.WithDescription("Number of signals published"),
		metric.WithUnit("{signal}"))
	bus.handlerErrorCounter, _ = meter.Int64Counter("signalbus.handler.errors",
		metric.WithDescription("Number of handler invocations that panicked"),
		metric.WithUnit("{error}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("signalbus.subscribers",
		metric.WithDescription("Number of active subscriptions"),
		metric.WithUnit("{subscriber}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("signalbus.fanout.size",
		metric.WithDescription("Number of handlers per publish"),
		metric.WithUnit("{subscriber}"))
	bus.publishDurationHisto, _ = meter.Float64Histogram("signalbus.publish.duration",
		metric.WithDescription("Latency of publish including handler execution"),
		metric.WithUnit("ms"))
	return bus
}

// Publish delivers the signal to all current subscribers and waits for them.
// A panicking handler is recovered and reported; it never fails the publish.
func (b *MemoryBus) Publish(ctx context.Context, signal string) error {
	if err := validateSignal("signalbus/publish", signal); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errs.New("signalbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	subs := make([]*subscription, len(b.subscribers[signal]))
	copy(subs, b.subscribers[signal])
	b.mu.RUnlock()

	attrs := telemetry.Attrs(telemetry.AttrSignal.String(signal))
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(subs)), attrs)
	}

	switch len(subs) {
	case 0:
	case 1:
		b.invoke(ctx, subs[0], signal)
	default:
		p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
		for _, sub := range subs {
			sub := sub
			p.Go(func() {
				b.invoke(ctx, sub, signal)
			})
		}
		p.Wait()
	}

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, attrs)
	}
	if b.publishDurationHisto != nil {
		b.publishDurationHisto.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, attrs)
	}
	return nil
}

// Subscribe registers handler for signal.
func (b *MemoryBus) Subscribe(signal string, handler Handler) (Unsubscribe, error) {
	if err := validateSignal("signalbus/subscribe", signal); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errs.New("signalbus/subscribe", errs.CodeInvalid, errs.WithMessage("handler required"))
	}

	sub := &subscription{id: uuid.NewString(), signal: signal, handler: handler}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errs.New("signalbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	b.subscribers[signal] = append(b.subscribers[signal], sub)
	b.mu.Unlock()

	b.adjustGauge(signal, 1)
	return func() { b.unsubscribe(sub) }, nil
}

// Subscribers reports the number of handlers registered for signal.
func (b *MemoryBus) Subscribers(signal string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[signal])
}

// Close drops every subscription and rejects further use.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = make(map[string][]*subscription)
}

func (b *MemoryBus) unsubscribe(sub *subscription) {
	sub.once.Do(func() {
		removed := false
		b.mu.Lock()
		subs := b.subscribers[sub.signal]
		for i, candidate := range subs {
			if candidate == sub {
				b.subscribers[sub.signal] = append(subs[:i:i], subs[i+1:]...)
				removed = true
				break
			}
		}
		if len(b.subscribers[sub.signal]) == 0 {
			delete(b.subscribers, sub.signal)
		}
		b.mu.Unlock()
		if removed {
			b.adjustGauge(sub.signal, -1)
		}
	})
}

func (b *MemoryBus) invoke(ctx context.Context, sub *subscription, signal string) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("signalbus: handler panicked",
				observability.F("signal", signal),
				observability.F("subscription", sub.id),
				observability.F("panic", fmt.Sprint(r)),
			)
			if b.handlerErrorCounter != nil {
				b.handlerErrorCounter.Add(ctx, 1, telemetry.Attrs(telemetry.AttrSignal.String(signal)))
			}
		}
	}()
	sub.handler(ctx, signal)
}

func (b *MemoryBus) adjustGauge(signal string, delta int64) {
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), delta, telemetry.Attrs(telemetry.AttrSignal.String(signal)))
	}
}
