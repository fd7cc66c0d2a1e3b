// Package identity joins identity-provider events to profile records that may
// appear some time after the identity itself.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/mzlad1/mirabeauty-sub001/errs"
	"github.com/mzlad1/mirabeauty-sub001/internal/clock"
	domain "github.com/mzlad1/mirabeauty-sub001/internal/domain/identity"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/telemetry"
	"github.com/mzlad1/mirabeauty-sub001/internal/notify"
	"github.com/mzlad1/mirabeauty-sub001/internal/observability"
	"github.com/mzlad1/mirabeauty-sub001/internal/retry"
)

const (
	// DefaultMaxAttempts bounds profile lookups for one identity.
	DefaultMaxAttempts = 5
	// DefaultRetryDelay spaces profile lookups.
	DefaultRetryDelay = 500 * time.Millisecond
	// DefaultReadyCeiling caps WaitForReady.
	DefaultReadyCeiling = 5 * time.Second
)

var errSuperseded = errors.New("identity changed during hydration")

// Config bounds profile hydration.
type Config struct {
	MaxAttempts  int
	RetryDelay   time.Duration
	ReadyCeiling time.Duration
}

// DefaultConfig returns the standard hydration bounds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  DefaultMaxAttempts,
		RetryDelay:   DefaultRetryDelay,
		ReadyCeiling: DefaultReadyCeiling,
	}
}

func (c Config) normalize() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.ReadyCeiling <= 0 {
		c.ReadyCeiling = DefaultReadyCeiling
	}
	return c
}

// Listener observes hydrator state changes.
type Listener func(domain.State)

// Hydrator follows an identity provider and, for every signed-in identity,
// fetches its profile with bounded retry. A hydrated session only exists while
// both records are present for the same identity id.
type Hydrator struct {
	provider domain.Provider
	profiles domain.ProfileStore
	cfg      Config
	clock    clock.Clock
	logger   observability.Logger

	mu          sync.Mutex
	state       domain.State
	generation  uint64
	ready       chan struct{}
	readyClosed bool
	started     bool
	unsubscribe func()
	ctx         context.Context
	// updates is pushed under mu so listeners see states in transition order.
	updates notify.Queue[domain.State]

	listenersMu  sync.RWMutex
	listeners    map[uint64]Listener
	nextListener uint64

	attemptCounter  metric.Int64Counter
	resultCounter   metric.Int64Counter
	hydrationTiming metric.Float64Histogram
}

// Option configures a Hydrator.
type Option func(*Hydrator)

// WithClock injects the clock used for retry delays and the ready ceiling.
func WithClock(c clock.Clock) Option {
	return func(h *Hydrator) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithLogger overrides the hydrator logger.
func WithLogger(logger observability.Logger) Option {
	return func(h *Hydrator) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHydrator constructs a hydrator. Call Start to begin following provider.
func NewHydrator(provider domain.Provider, profiles domain.ProfileStore, cfg Config, opts ...Option) *Hydrator {
	h := &Hydrator{
		provider:  provider,
		profiles:  profiles,
		cfg:       cfg.normalize(),
		clock:     clock.Real(),
		logger:    observability.Log(),
		state:     domain.State{Phase: domain.PhaseSignedOut},
		ready:     make(chan struct{}),
		listeners: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	meter := otel.Meter("identity")
	h.attemptCounter, _ = meter.Int64Counter("identity.profile.attempts",
		metric.WithDescription("Profile lookups by result"),
		metric.WithUnit("{attempt}"))
	h.resultCounter, _ = meter.Int64Counter("identity.hydration.result",
		metric.WithDescription("Hydration outcomes by terminal phase"),
		metric.WithUnit("{hydration}"))
	h.hydrationTiming, _ = meter.Float64Histogram("identity.hydration.duration",
		metric.WithDescription("Time from identity change to settled phase"),
		metric.WithUnit("ms"))
	return h
}

// Start subscribes to the identity provider. Hydration work derives from ctx
// but is not cancelled with it; retries always run to their bound.
func (h *Hydrator) Start(ctx context.Context) error {
	if h.provider == nil {
		return errs.New("identity/start", errs.CodeInvalid, errs.WithMessage("identity provider required"))
	}
	if h.profiles == nil {
		return errs.New("identity/start", errs.CodeInvalid, errs.WithMessage("profile store required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return errs.New("identity/start", errs.CodeConflict, errs.WithMessage("hydrator already started"))
	}
	h.started = true
	h.ctx = context.WithoutCancel(ctx)
	h.mu.Unlock()

	unsubscribe := h.provider.Subscribe(h.onChange)

	h.mu.Lock()
	h.unsubscribe = unsubscribe
	h.mu.Unlock()
	return nil
}

// Close stops following the provider. In-flight hydrations finish their
// current attempt and then stop.
func (h *Hydrator) Close() {
	h.mu.Lock()
	unsubscribe := h.unsubscribe
	h.unsubscribe = nil
	h.generation++
	h.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// State returns a snapshot of the hydrator state.
func (h *Hydrator) State() domain.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return copyState(h.state)
}

// Session returns the hydrated session when one exists.
func (h *Hydrator) Session() (domain.Session, bool) {
	state := h.State()
	if !state.Authenticated() {
		return domain.Session{}, false
	}
	return *state.Session, true
}

// SignedIn reports whether authenticated UI may be shown.
func (h *Hydrator) SignedIn() bool {
	return h.State().Authenticated()
}

// Subscribe registers a listener for state changes. The returned function
// removes it.
func (h *Hydrator) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	h.listenersMu.Lock()
	h.nextListener++
	id := h.nextListener
	h.listeners[id] = listener
	h.listenersMu.Unlock()
	return func() {
		h.listenersMu.Lock()
		delete(h.listeners, id)
		h.listenersMu.Unlock()
	}
}

// WaitForReady blocks until the hydrator settles for the current identity
// (hydrated, signed out, or signed out with a warning), ctx ends, or the ready
// ceiling elapses. Reaching the ceiling is not an error: the caller proceeds
// without a guaranteed session and ok is false.
func (h *Hydrator) WaitForReady(ctx context.Context) (domain.Session, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	var deadline <-chan time.Time
	for {
		h.mu.Lock()
		ready := h.ready
		settled := h.readyClosed && h.state.Phase.Settled()
		h.mu.Unlock()
		if settled {
			return h.Session()
		}
		if deadline == nil {
			deadline = h.clock.After(h.cfg.ReadyCeiling)
		}
		select {
		case <-ready:
		case <-deadline:
			h.logger.Debug("identity ready ceiling reached",
				observability.F("ceiling", h.cfg.ReadyCeiling.String()),
				observability.F("phase", string(h.State().Phase)))
			return h.Session()
		case <-ctx.Done():
			return h.Session()
		}
	}
}

// RefreshUserData fetches the profile for the current identity once and
// replaces the session profile. Identity state is left untouched; an identity
// that is still pending, or had been signed out with a warning, becomes
// hydrated when its profile is now visible. A successful refresh settles the
// ready gate and supersedes any hydration still retrying for the identity.
func (h *Hydrator) RefreshUserData(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	h.mu.Lock()
	gen := h.generation
	var record domain.Record
	if h.state.Identity != nil {
		record = *h.state.Identity
	}
	h.mu.Unlock()

	if record.IdentityID == "" {
		return errs.New("identity/refresh", errs.CodeInvalid, errs.WithMessage("no signed-in identity"))
	}
	profile, err := h.profiles.GetProfile(ctx, record.IdentityID)
	h.recordAttempt(ctx, profile, err)
	if err != nil {
		return errs.New("identity/refresh", errs.CodeUnavailable,
			errs.WithField("identity", record.IdentityID),
			errs.WithCause(err))
	}
	session, ok := domain.NewSession(record, profile, h.clock.Now())
	if !ok {
		return errs.New("identity/refresh", errs.CodeNotFound,
			errs.WithMessage("profile not visible"),
			errs.WithField("identity", record.IdentityID))
	}

	h.mu.Lock()
	if h.generation != gen {
		h.mu.Unlock()
		return nil
	}
	h.generation++
	h.state.Phase = domain.PhaseHydrated
	h.state.Session = &session
	h.state.Warning = nil
	h.settleLocked()
	h.updates.Push(copyState(h.state))
	h.mu.Unlock()
	h.flush()
	return nil
}

func (h *Hydrator) onChange(record *domain.Record) {
	h.mu.Lock()
	if h.sameIdentityLocked(record) {
		rec := *record
		h.state.Identity = &rec
		if h.state.Session != nil {
			h.state.Session.Identity = rec
		}
		h.updates.Push(copyState(h.state))
		h.mu.Unlock()
		h.flush()
		return
	}
	h.generation++
	gen := h.generation
	if h.readyClosed {
		h.ready = make(chan struct{})
		h.readyClosed = false
	}

	if record == nil || strings.TrimSpace(record.IdentityID) == "" {
		h.state = domain.State{Phase: domain.PhaseSignedOut}
		h.settleLocked()
		h.updates.Push(copyState(h.state))
		h.mu.Unlock()
		h.flush()
		return
	}

	rec := *record
	h.state = domain.State{Phase: domain.PhaseIdentityPending, Identity: &rec}
	ctx := h.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	h.updates.Push(copyState(h.state))
	h.mu.Unlock()
	h.flush()

	go h.hydrate(ctx, gen, rec)
}

// sameIdentityLocked reports whether record re-announces the identity that is
// already hydrated or being hydrated. Such re-emissions refresh the record in
// place instead of restarting hydration.
func (h *Hydrator) sameIdentityLocked(record *domain.Record) bool {
	if record == nil || h.state.Identity == nil {
		return false
	}
	id := strings.TrimSpace(record.IdentityID)
	if id == "" || id != strings.TrimSpace(h.state.Identity.IdentityID) {
		return false
	}
	switch h.state.Phase {
	case domain.PhaseHydrated, domain.PhaseIdentityPending, domain.PhaseProfilePending:
		return true
	default:
		return false
	}
}

func (h *Hydrator) hydrate(ctx context.Context, gen uint64, record domain.Record) {
	start := h.clock.Now()
	if !h.transition(gen, func(s *domain.State) { s.Phase = domain.PhaseProfilePending }) {
		return
	}

	policy := retry.Constant(h.cfg.MaxAttempts, h.cfg.RetryDelay)
	profile, attempts, err := retry.Do(ctx, h.clock, policy, func(ctx context.Context, attempt int) (*domain.Profile, bool, error) {
		if !h.current(gen) {
			return nil, false, backoff.Permanent(errSuperseded)
		}
		profile, err := h.profiles.GetProfile(ctx, record.IdentityID)
		h.recordAttempt(ctx, profile, err)
		if err != nil {
			h.logger.Debug("profile lookup failed",
				observability.F("identity", record.IdentityID),
				observability.F("attempt", attempt),
				observability.F("error", err.Error()))
			return nil, false, err
		}
		if profile == nil || profile.IdentityID != record.IdentityID {
			return nil, false, nil
		}
		return profile, true, nil
	})
	if errors.Is(err, errSuperseded) {
		return
	}

	if err == nil {
		if h.transition(gen, func(s *domain.State) {
			if s.Identity != nil {
				record = *s.Identity
			}
			session, _ := domain.NewSession(record, profile, h.clock.Now())
			s.Phase = domain.PhaseHydrated
			s.Session = &session
			s.Warning = nil
		}) {
			h.recordResult(ctx, domain.PhaseHydrated, start)
		}
		return
	}

	warning := domain.Warning{
		IdentityID: record.IdentityID,
		Attempts:   attempts,
		Reason:     "profile not found after bounded retry",
	}
	if h.transition(gen, func(s *domain.State) {
		s.Phase = domain.PhaseSignedOutWithWarning
		s.Session = nil
		s.Warning = &warning
	}) {
		h.logger.Warn("identity has no profile, treating as signed out",
			observability.F("identity", record.IdentityID),
			observability.F("attempts", attempts),
			observability.F("error", err.Error()))
		h.recordResult(ctx, domain.PhaseSignedOutWithWarning, start)
	}
}

// transition applies fn when gen is still current, settling the ready gate
// when the resulting phase is terminal.
func (h *Hydrator) transition(gen uint64, fn func(*domain.State)) bool {
	h.mu.Lock()
	if h.generation != gen {
		h.mu.Unlock()
		return false
	}
	fn(&h.state)
	if h.state.Phase.Settled() {
		h.settleLocked()
	}
	h.updates.Push(copyState(h.state))
	h.mu.Unlock()
	h.flush()
	return true
}

func (h *Hydrator) current(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generation == gen
}

func (h *Hydrator) settleLocked() {
	if !h.readyClosed {
		close(h.ready)
		h.readyClosed = true
	}
}

func (h *Hydrator) recordAttempt(ctx context.Context, profile *domain.Profile, err error) {
	if h.attemptCounter == nil {
		return
	}
	result := telemetry.ResultSuccess
	switch {
	case err != nil:
		result = telemetry.ResultError
	case profile == nil:
		result = telemetry.ResultMissing
	}
	h.attemptCounter.Add(ctx, 1, telemetry.Attrs(telemetry.AttrResult.String(result)))
}

func (h *Hydrator) recordResult(ctx context.Context, phase domain.Phase, start time.Time) {
	attrs := telemetry.Attrs(telemetry.AttrPhase.String(string(phase)))
	if h.resultCounter != nil {
		h.resultCounter.Add(ctx, 1, attrs)
	}
	if h.hydrationTiming != nil {
		h.hydrationTiming.Record(ctx, float64(clock.Since(h.clock, start).Microseconds())/1000.0, attrs)
	}
}

// flush delivers queued states in the order they were produced.
func (h *Hydrator) flush() {
	h.updates.Drain(h.notify)
}

func (h *Hydrator) notify(state domain.State) {
	h.listenersMu.RLock()
	if len(h.listeners) == 0 {
		h.listenersMu.RUnlock()
		return
	}
	listeners := make([]Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		listeners = append(listeners, l)
	}
	h.listenersMu.RUnlock()
	for _, l := range listeners {
		l(state)
	}
}

func copyState(s domain.State) domain.State {
	out := domain.State{Phase: s.Phase}
	if s.Identity != nil {
		rec := *s.Identity
		out.Identity = &rec
	}
	if s.Session != nil {
		session := *s.Session
		session.Profile = *s.Session.Profile.Clone()
		out.Session = &session
	}
	if s.Warning != nil {
		w := *s.Warning
		out.Warning = &w
	}
	return out
}
