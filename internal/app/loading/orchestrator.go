// Package loading coordinates loading sessions: a registry of weighted tasks,
// aggregate progress pushed to listeners, and combinators that wrap work with a
// minimum visible duration and a short linger at 100%.
package loading

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/mzlad1/mirabeauty-sub001/internal/clock"
	domain "github.com/mzlad1/mirabeauty-sub001/internal/domain/loading"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/telemetry"
	"github.com/mzlad1/mirabeauty-sub001/internal/notify"
	"github.com/mzlad1/mirabeauty-sub001/internal/observability"
)

const (
	// DefaultMinLoadingTime is the minimum visible duration of a session.
	DefaultMinLoadingTime = 500 * time.Millisecond
	// DefaultLinger is how long a finished session stays at 100% before closing.
	DefaultLinger = 200 * time.Millisecond
	// DefaultTaskID names the task registered by WithLoading.
	DefaultTaskID = "default"
)

// Config holds orchestrator defaults.
type Config struct {
	MinLoadingTime time.Duration
	Linger         time.Duration
}

func (c Config) normalize() Config {
	if c.MinLoadingTime < 0 {
		c.MinLoadingTime = 0
	}
	if c.Linger < 0 {
		c.Linger = 0
	}
	return c
}

// DefaultConfig returns the standard floor and linger.
func DefaultConfig() Config {
	return Config{MinLoadingTime: DefaultMinLoadingTime, Linger: DefaultLinger}
}

// Listener observes orchestrator status changes.
type Listener func(domain.Status)

// Orchestrator tracks exactly one loading session at a time. Starting a session
// while another is outstanding replaces the registry; overlapping loading UIs
// must be serialised by the caller.
type Orchestrator struct {
	cfg    Config
	clock  clock.Clock
	logger observability.Logger

	mu        sync.Mutex
	registry  *domain.Registry
	state     domain.State
	sessionID string
	startedAt time.Time
	// updates is pushed under mu so listeners see statuses in mutation order.
	updates notify.Queue[domain.Status]

	listenersMu  sync.RWMutex
	listeners    map[uint64]Listener
	nextListener uint64

	sessionCounter  metric.Int64Counter
	sessionDuration metric.Float64Histogram
	replacedCounter metric.Int64Counter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock injects the clock used for floors and lingers.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger overrides the orchestrator logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator constructs an idle orchestrator.
func NewOrchestrator(cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg.normalize(),
		clock:     clock.Real(),
		logger:    observability.Log(),
		registry:  domain.NewRegistry(),
		state:     domain.StateIdle,
		listeners: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	meter := otel.Meter("loading")
	o.sessionCounter, _ = meter.Int64Counter("loading.sessions",
		metric.WithDescription("Loading sessions by kind and result"),
		metric.WithUnit("{session}"))
	o.sessionDuration, _ = meter.Float64Histogram("loading.session.duration",
		metric.WithDescription("Visible duration of loading sessions"),
		metric.WithUnit("ms"))
	o.replacedCounter, _ = meter.Int64Counter("loading.sessions.replaced",
		metric.WithDescription("Sessions replaced by an overlapping session"),
		metric.WithUnit("{session}"))
	return o
}

// Config returns the orchestrator defaults.
func (o *Orchestrator) Config() Config { return o.cfg }

// RegisterTask adds a task at progress 0, starting a session if none is active.
// Non-positive weights count as 1.
func (o *Orchestrator) RegisterTask(id string, weight float64) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	o.mu.Lock()
	if o.state == domain.StateIdle {
		o.beginLocked()
	}
	o.registry.Register(id, weight)
	o.updates.Push(o.statusLocked())
	o.mu.Unlock()
	o.flush()
}

// UpdateTask sets a task's progress, clamped to [0,100].
func (o *Orchestrator) UpdateTask(id string, progress float64) {
	o.mu.Lock()
	if !o.registry.Update(id, progress) {
		o.mu.Unlock()
		return
	}
	o.updates.Push(o.statusLocked())
	o.mu.Unlock()
	o.flush()
}

// CompleteTask forces a task to 100.
func (o *Orchestrator) CompleteTask(id string) {
	o.mu.Lock()
	if !o.registry.Complete(id) {
		o.mu.Unlock()
		return
	}
	o.updates.Push(o.statusLocked())
	o.mu.Unlock()
	o.flush()
}

// Progress returns the weighted mean progress of the active session.
func (o *Orchestrator) Progress() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.registry.Progress()
}

// State returns the session phase.
func (o *Orchestrator) State() domain.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status returns a snapshot of the session.
func (o *Orchestrator) Status() domain.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

// Reset closes any active session and returns to idle.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.registry = domain.NewRegistry()
	o.state = domain.StateIdle
	o.sessionID = ""
	o.startedAt = time.Time{}
	o.updates.Push(o.statusLocked())
	o.mu.Unlock()
	o.flush()
}

// Subscribe registers a listener for status changes. The returned function
// removes it.
func (o *Orchestrator) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	o.listenersMu.Lock()
	o.nextListener++
	id := o.nextListener
	o.listeners[id] = listener
	o.listenersMu.Unlock()
	return func() {
		o.listenersMu.Lock()
		delete(o.listeners, id)
		o.listenersMu.Unlock()
	}
}

// session is a handle to one started session; operations through a stale
// handle are ignored once the session has been replaced or closed.
type session struct {
	id    string
	start time.Time
	kind  string
}

func (o *Orchestrator) begin(kind string) session {
	o.mu.Lock()
	if o.state != domain.StateIdle {
		o.logger.Warn("loading session replaced by overlapping session",
			observability.F("session", o.sessionID),
			observability.F("tasks", o.registry.Len()))
		if o.replacedCounter != nil {
			o.replacedCounter.Add(context.Background(), 1, telemetry.Attrs(telemetry.AttrKind.String(kind)))
		}
	}
	o.beginLocked()
	s := session{id: o.sessionID, start: o.startedAt, kind: kind}
	o.updates.Push(o.statusLocked())
	o.mu.Unlock()
	o.flush()
	return s
}

func (o *Orchestrator) beginLocked() {
	o.registry = domain.NewRegistry()
	o.state = domain.StateRunning
	o.sessionID = uuid.NewString()
	o.startedAt = o.clock.Now()
}

func (o *Orchestrator) register(s session, id string, weight float64) {
	o.withSession(s, func() { o.registry.Register(id, weight) })
}

func (o *Orchestrator) update(s session, id string, progress float64) {
	o.withSession(s, func() { o.registry.Update(id, progress) })
}

func (o *Orchestrator) complete(s session, id string) {
	o.withSession(s, func() { o.registry.Complete(id) })
}

func (o *Orchestrator) markCompleting(s session) {
	o.withSession(s, func() { o.state = domain.StateCompleting })
}

func (o *Orchestrator) withSession(s session, fn func()) {
	o.mu.Lock()
	if o.sessionID != s.id {
		o.mu.Unlock()
		return
	}
	fn()
	o.updates.Push(o.statusLocked())
	o.mu.Unlock()
	o.flush()
}

// finish holds the session open until the floor has elapsed since it started,
// lingers, then closes it. It ignores ctx cancellation so the orchestrator is
// always returned to a consistent state.
func (o *Orchestrator) finish(ctx context.Context, s session, minLoading, linger time.Duration, err error) {
	o.markCompleting(s)
	hold := context.WithoutCancel(ctx)
	if remaining := minLoading - clock.Since(o.clock, s.start); remaining > 0 {
		_ = clock.Sleep(hold, o.clock, remaining)
	}
	_ = clock.Sleep(hold, o.clock, linger)

	o.mu.Lock()
	if o.sessionID != s.id {
		o.mu.Unlock()
		o.record(ctx, s, err)
		return
	}
	o.registry = domain.NewRegistry()
	o.state = domain.StateIdle
	o.sessionID = ""
	o.startedAt = time.Time{}
	o.updates.Push(o.statusLocked())
	o.mu.Unlock()
	o.flush()
	o.record(ctx, s, err)
}

func (o *Orchestrator) record(ctx context.Context, s session, err error) {
	attrs := telemetry.Attrs(
		telemetry.AttrKind.String(s.kind),
		telemetry.AttrResult.String(telemetry.ResultOf(err)),
	)
	if o.sessionCounter != nil {
		o.sessionCounter.Add(ctx, 1, attrs)
	}
	if o.sessionDuration != nil {
		o.sessionDuration.Record(ctx, float64(clock.Since(o.clock, s.start).Microseconds())/1000.0, attrs)
	}
}

func (o *Orchestrator) statusLocked() domain.Status {
	return domain.Status{
		SessionID: o.sessionID,
		State:     o.state,
		Progress:  o.registry.Progress(),
		Tasks:     o.registry.Tasks(),
		StartedAt: o.startedAt,
	}
}

// flush delivers queued statuses in the order they were produced.
func (o *Orchestrator) flush() {
	o.updates.Drain(o.notify)
}

func (o *Orchestrator) notify(status domain.Status) {
	o.listenersMu.RLock()
	if len(o.listeners) == 0 {
		o.listenersMu.RUnlock()
		return
	}
	listeners := make([]Listener, 0, len(o.listeners))
	for _, l := range o.listeners {
		listeners = append(listeners, l)
	}
	o.listenersMu.RUnlock()
	for _, l := range listeners {
		l(status)
	}
}
