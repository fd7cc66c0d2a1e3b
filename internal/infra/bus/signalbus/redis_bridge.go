package signalbus

import (
	"context"
	"errors"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/mzlad1/mirabeauty-sub001/errs"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/telemetry"
	"github.com/mzlad1/mirabeauty-sub001/internal/observability"
)

// DefaultRedisChannel is the pub/sub channel used to relay signals between processes.
const DefaultRedisChannel = "storefront:signals"

type envelope struct {
	Origin string    `json:"origin"`
	Signal string    `json:"signal"`
	At     time.Time `json:"at"`
}

// RedisBridge relays signals between processes sharing a Redis instance. Local
// publishes are delivered in-process first and then forwarded; signals received
// from other nodes are delivered to local subscribers only.
type RedisBridge struct {
	local   Bus
	client  *redis.Client
	channel string
	nodeID  string
	logger  observability.Logger

	forwardedCounter metric.Int64Counter
	receivedCounter  metric.Int64Counter
}

// BridgeOption configures a RedisBridge.
type BridgeOption func(*RedisBridge)

// WithChannel overrides the Redis channel name.
func WithChannel(channel string) BridgeOption {
	return func(b *RedisBridge) {
		if strings.TrimSpace(channel) != "" {
			b.channel = channel
		}
	}
}

// WithNodeID fixes the origin identifier used to skip self-published messages.
func WithNodeID(id string) BridgeOption {
	return func(b *RedisBridge) {
		if strings.TrimSpace(id) != "" {
			b.nodeID = id
		}
	}
}

// WithBridgeLogger overrides the bridge logger.
func WithBridgeLogger(logger observability.Logger) BridgeOption {
	return func(b *RedisBridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewRedisBridge wraps local with cross-process relaying over client.
func NewRedisBridge(local Bus, client *redis.Client, opts ...BridgeOption) *RedisBridge {
	b := &RedisBridge{
		local:   local,
		client:  client,
		channel: DefaultRedisChannel,
		nodeID:  uuid.NewString(),
		logger:  observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	meter := otel.Meter("signalbus.redis")
	b.forwardedCounter, _ = meter.Int64Counter("signalbus.redis.forwarded",
		metric.WithDescription("Signals forwarded to Redis"),
		metric.WithUnit("{signal}"))
	b.receivedCounter, _ = meter.Int64Counter("signalbus.redis.received",
		metric.WithDescription("Signals received from other nodes"),
		metric.WithUnit("{signal}"))
	return b
}

// NodeID returns the origin identifier of this bridge.
func (b *RedisBridge) NodeID() string { return b.nodeID }

// Publish delivers locally, then forwards the signal to other nodes.
func (b *RedisBridge) Publish(ctx context.Context, signal string) error {
	if b.local == nil {
		return errs.New("signalbus/redis.publish", errs.CodeUnavailable, errs.WithMessage("nil local bus"))
	}
	if err := b.local.Publish(ctx, signal); err != nil {
		return err
	}
	if b.client == nil {
		return errs.New("signalbus/redis.publish", errs.CodeUnavailable, errs.WithMessage("nil redis client"))
	}
	payload, err := json.Marshal(envelope{Origin: b.nodeID, Signal: signal, At: time.Now().UTC()})
	if err != nil {
		return errs.New("signalbus/redis.publish", errs.CodeInternal, errs.WithCause(err))
	}
	err = b.client.Publish(ctx, b.channel, payload).Err()
	if b.forwardedCounter != nil {
		b.forwardedCounter.Add(ctx, 1, telemetry.Attrs(
			telemetry.AttrSignal.String(signal),
			telemetry.AttrResult.String(telemetry.ResultOf(err)),
		))
	}
	if err != nil {
		return errs.New("signalbus/redis.publish", errs.CodeUnavailable,
			errs.WithField("channel", b.channel), errs.WithCause(err))
	}
	return nil
}

// Subscribe registers a local handler.
func (b *RedisBridge) Subscribe(signal string, handler Handler) (Unsubscribe, error) {
	if b.local == nil {
		return nil, errs.New("signalbus/redis.subscribe", errs.CodeUnavailable, errs.WithMessage("nil local bus"))
	}
	return b.local.Subscribe(signal, handler)
}

// Run consumes signals from other nodes until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	if b.client == nil {
		return errs.New("signalbus/redis.run", errs.CodeUnavailable, errs.WithMessage("nil redis client"))
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer func() {
		_ = pubsub.Close()
	}()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errs.New("signalbus/redis.run", errs.CodeUnavailable,
			errs.WithMessage("subscribe"), errs.WithField("channel", b.channel), errs.WithCause(err))
	}
	b.logger.Info("signal bridge subscribed",
		observability.F("channel", b.channel),
		observability.F("node", b.nodeID))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			b.deliver(ctx, msg.Payload)
		}
	}
}

func (b *RedisBridge) deliver(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn("signal bridge: malformed envelope", observability.F("error", err))
		return
	}
	if env.Origin == b.nodeID || strings.TrimSpace(env.Signal) == "" {
		return
	}
	if b.receivedCounter != nil {
		b.receivedCounter.Add(ctx, 1, telemetry.Attrs(telemetry.AttrSignal.String(env.Signal)))
	}
	if err := b.local.Publish(ctx, env.Signal); err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Warn("signal bridge: local delivery failed",
			observability.F("signal", env.Signal),
			observability.F("error", err))
	}
}
