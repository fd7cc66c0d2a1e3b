// Package telemetry provides OpenTelemetry initialisation and shared metric attributes.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	serviceName    = "storefront"
	serviceVersion = "1.0.0"
)

var globalEnvironment atomic.Value

// Config defines OpenTelemetry configuration parameters.
type Config struct {
	Enabled          bool
	OTLPEndpoint     string
	OTLPInsecure     bool
	MetricInterval   time.Duration
	ShutdownTimeout  time.Duration
	ServiceName      string
	ServiceVersion   string
	ServiceNamespace string
	Environment      string
}

// DefaultConfig returns the telemetry configuration derived from OTEL_* environment variables.
func DefaultConfig() Config {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	svcName := os.Getenv("OTEL_SERVICE_NAME")
	if svcName == "" {
		svcName = serviceName
	}
	env := strings.TrimSpace(os.Getenv("OTEL_RESOURCE_ENVIRONMENT"))
	if env == "" {
		env = strings.TrimSpace(os.Getenv("STOREFRONT_ENV"))
	}
	if env == "" {
		env = "development"
	}
	return Config{
		Enabled:          os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint:     endpoint,
		OTLPInsecure:     os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		MetricInterval:   30 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		ServiceName:      svcName,
		ServiceVersion:   serviceVersion,
		ServiceNamespace: os.Getenv("OTEL_SERVICE_NAMESPACE"),
		Environment:      env,
	}
}

// Provider manages the OpenTelemetry meter provider.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	config        Config
}

// NewProvider initialises metrics export. A disabled config still records the
// environment label and leaves the global no-op meter provider in place.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	SetEnvironment(cfg.Environment)

	if !cfg.Enabled {
		return &Provider{config: cfg}, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	mp, err := newMeterProvider(ctx, res, cfg)
	if err != nil {
		return nil, fmt.Errorf("create meter provider: %w", err)
	}
	otel.SetMeterProvider(mp)
	return &Provider{meterProvider: mp, config: cfg}, nil
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	if p.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ShutdownTimeout)
		defer cancel()
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter: %w", err)
	}
	return nil
}

// Meter returns a meter with the given name.
func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if p == nil || p.meterProvider == nil {
		return otel.Meter(name, opts...)
	}
	return p.meterProvider.Meter(name, opts...)
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	}
	if cfg.ServiceNamespace != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceNamespaceKey.String(cfg.ServiceNamespace)))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, resource.WithAttributes(AttrEnvironment.String(strings.ToLower(cfg.Environment))))
	}
	attrs = append(attrs, resource.WithProcessRuntimeName(), resource.WithProcessRuntimeVersion(), resource.WithHost())
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}
	return res, nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint))}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithView(histogramViews()...),
	), nil
}

// histogramViews sets bucket boundaries for the duration histograms.
func histogramViews() []sdkmetric.View {
	return []sdkmetric.View{
		// Loading sessions: floor is 500ms by default, long tails come from image checks.
		durationView("loading.session.duration", []float64{100, 250, 500, 750, 1000, 2000, 5000, 10000, 30000}),
		// Hydration: bounded by the retry window and the readiness ceiling.
		durationView("identity.hydration.duration", []float64{10, 50, 100, 500, 1000, 2000, 3000, 5000}),
		durationView("images.check.duration", []float64{10, 50, 100, 250, 500, 1000, 5000, 30000}),
	}
}

func durationView(name string, boundaries []float64) sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{
			Name:  name,
			Kind:  sdkmetric.InstrumentKindHistogram,
			Unit:  "ms",
			Scope: instrumentation.Scope{},
		},
		sdkmetric.Stream{
			Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: boundaries},
		},
	)
}

// stripScheme removes an http:// or https:// prefix; the OTLP HTTP exporter expects host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return endpoint
}

// SetEnvironment records the environment label attached to every metric.
func SetEnvironment(env string) {
	globalEnvironment.Store(strings.ToLower(strings.TrimSpace(env)))
}

// Environment returns the configured environment name for use in metric labels.
func Environment() string {
	if env, _ := globalEnvironment.Load().(string); env != "" {
		return env
	}
	return "development"
}

// Attrs prefixes the environment label to the provided attributes.
func Attrs(kv ...attribute.KeyValue) metric.MeasurementOption {
	all := make([]attribute.KeyValue, 0, len(kv)+1)
	all = append(all, AttrEnvironment.String(Environment()))
	all = append(all, kv...)
	return metric.WithAttributes(all...)
}
