package signalbus

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/mzlad1/mirabeauty-sub001/internal/infra/telemetry"
	"github.com/mzlad1/mirabeauty-sub001/internal/observability"
)

const (
	defaultRelayBuffer  = 16
	defaultWriteTimeout = 5 * time.Second
)

// Frame is the message pushed to remote surfaces when a signal fires.
type Frame struct {
	Signal string    `json:"signal"`
	At     time.Time `json:"at"`
}

// Relay pushes signals to remote UI surfaces over websocket connections. Each
// connection receives one frame per signal and re-reads state on its own.
type Relay struct {
	bus            Bus
	signals        []string
	logger         observability.Logger
	buffer         int
	writeTimeout   time.Duration
	originPatterns []string

	clientsGauge   metric.Int64UpDownCounter
	droppedCounter metric.Int64Counter
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayLogger overrides the relay logger.
func WithRelayLogger(logger observability.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRelayBuffer sets the per-connection frame buffer.
func WithRelayBuffer(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.buffer = size
		}
	}
}

// WithOriginPatterns authorises cross-origin websocket upgrades.
func WithOriginPatterns(patterns ...string) RelayOption {
	return func(r *Relay) {
		r.originPatterns = append(r.originPatterns, patterns...)
	}
}

// NewRelay constructs a relay forwarding the given signals from bus.
func NewRelay(bus Bus, signals []string, opts ...RelayOption) *Relay {
	r := &Relay{
		bus:          bus,
		signals:      append([]string(nil), signals...),
		logger:       observability.Log(),
		buffer:       defaultRelayBuffer,
		writeTimeout: defaultWriteTimeout,
	}
	if len(r.signals) == 0 {
		r.signals = []string{CartChanged}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	meter := otel.Meter("signalbus.relay")
	r.clientsGauge, _ = meter.Int64UpDownCounter("signalbus.relay.clients",
		metric.WithDescription("Connected websocket relay clients"),
		metric.WithUnit("{client}"))
	r.droppedCounter, _ = meter.Int64Counter("signalbus.relay.dropped",
		metric.WithDescription("Frames dropped because a client fell behind"),
		metric.WithUnit("{frame}"))
	return r
}

// ServeHTTP upgrades the request and streams frames until the client leaves.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{OriginPatterns: r.originPatterns})
	if err != nil {
		r.logger.Warn("signal relay: accept failed", observability.F("error", err))
		return
	}
	defer func() {
		_ = conn.CloseNow()
	}()

	// Clients never send application data; CloseRead handles control frames.
	ctx := conn.CloseRead(req.Context())

	frames := make(chan Frame, r.buffer)
	var mu sync.Mutex
	enqueue := func(_ context.Context, signal string) {
		mu.Lock()
		defer mu.Unlock()
		frame := Frame{Signal: signal, At: time.Now().UTC()}
		select {
		case frames <- frame:
			return
		default:
		}
		select {
		case <-frames:
			if r.droppedCounter != nil {
				r.droppedCounter.Add(context.Background(), 1, telemetry.Attrs(telemetry.AttrSignal.String(signal)))
			}
		default:
		}
		select {
		case frames <- frame:
		default:
		}
	}

	var unsubscribes []Unsubscribe
	defer func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}()
	for _, signal := range r.signals {
		unsubscribe, err := r.bus.Subscribe(signal, enqueue)
		if err != nil {
			r.logger.Warn("signal relay: subscribe failed", observability.F("signal", signal), observability.F("error", err))
			_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
			return
		}
		unsubscribes = append(unsubscribes, unsubscribe)
	}

	r.adjustClients(1)
	defer r.adjustClients(-1)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case frame := <-frames:
			if err := r.write(ctx, conn, frame); err != nil {
				r.logger.Debug("signal relay: client write failed", observability.F("error", err))
				return
			}
		}
	}
}

func (r *Relay) write(ctx context.Context, conn *websocket.Conn, frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}

func (r *Relay) adjustClients(delta int64) {
	if r.clientsGauge != nil {
		r.clientsGauge.Add(context.Background(), delta, telemetry.Attrs())
	}
}
