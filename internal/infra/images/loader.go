// Package images checks image references so they can be warmed before display.
package images

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/mzlad1/mirabeauty-sub001/errs"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/telemetry"
)

// Loader checks one image reference.
type Loader interface {
	Load(ctx context.Context, ref string) error
}

// Router dispatches checks to a loader chosen by URL scheme.
type Router struct {
	mu      sync.RWMutex
	loaders map[string]Loader

	checks   metric.Int64Counter
	duration metric.Float64Histogram
}

// NewRouter constructs an empty router.
func NewRouter() *Router {
	r := &Router{loaders: make(map[string]Loader)}
	meter := otel.Meter("images")
	r.checks, _ = meter.Int64Counter("images.checks",
		metric.WithDescription("Image checks by scheme and result"),
		metric.WithUnit("{check}"))
	r.duration, _ = meter.Float64Histogram("images.check.duration",
		metric.WithDescription("Image check latency"),
		metric.WithUnit("ms"))
	return r
}

// Handle registers loader for scheme, replacing any previous registration.
func (r *Router) Handle(scheme string, loader Loader) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || loader == nil {
		return
	}
	r.mu.Lock()
	r.loaders[scheme] = loader
	r.mu.Unlock()
}

// Load implements Loader.
func (r *Router) Load(ctx context.Context, ref string) error {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return errs.New("images/route", errs.CodeInvalid,
			errs.WithField("ref", ref),
			errs.WithCause(err))
	}
	scheme := strings.ToLower(u.Scheme)
	r.mu.RLock()
	loader, ok := r.loaders[scheme]
	r.mu.RUnlock()
	if !ok {
		return errs.New("images/route", errs.CodeInvalid,
			errs.WithMessage("unsupported image scheme"),
			errs.WithField("scheme", scheme))
	}

	start := time.Now()
	err = loader.Load(ctx, ref)
	attrs := telemetry.Attrs(
		telemetry.AttrScheme.String(scheme),
		telemetry.AttrResult.String(telemetry.ResultOf(err)),
	)
	if r.checks != nil {
		r.checks.Add(ctx, 1, attrs)
	}
	if r.duration != nil {
		r.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, attrs)
	}
	return err
}
