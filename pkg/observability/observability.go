// Package observability wires OpenTelemetry traces and metrics for a mesh node.
//
// A disabled Provider is safe to use: every Record method becomes a no-op and spans come from
// the global (no-op) tracer.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "meshnode"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // host:port of an OTLP gRPC collector
	Insecure       bool
	Enabled        bool
	ExportInterval time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "meshnode",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		Insecure:       true,
		ExportInterval: 15 * time.Second,
	}
}

// Provider owns the trace and metric providers and the node's instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	verified  metric.Int64Counter
	duration  metric.Float64Histogram
	collected metric.Int64Counter
}

// New builds a Provider. With Enabled false nothing is exported.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	interval := config.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(p.meterProvider.Meter(instrumentationName)); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
	)
	return p, nil
}

// NewWithMeterProvider builds a Provider recording into mp. Used by tests with a manual reader.
func NewWithMeterProvider(mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config: DefaultConfig(),
		logger: slog.Default().With("component", "observability"),
	}
	if err := p.initInstruments(mp.Meter(instrumentationName)); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initInstruments(m metric.Meter) error {
	var err error
	p.meter = m

	p.verified, err = m.Int64Counter("mesh.offers.verified",
		metric.WithDescription("Offers run through the verifier, by outcome"),
		metric.WithUnit("{offer}"),
	)
	if err != nil {
		return err
	}

	p.duration, err = m.Float64Histogram("mesh.offers.verify.duration",
		metric.WithDescription("Offer verification latency"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 1000),
	)
	if err != nil {
		return err
	}

	p.collected, err = m.Int64Counter("mesh.negotiation.collected",
		metric.WithDescription("Verified offers returned by collect"),
		metric.WithUnit("{offer}"),
	)
	return err
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan starts a span on the provider's tracer. A nil Provider is allowed.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordVerification counts one verifier outcome and its latency.
func (p *Provider) RecordVerification(ctx context.Context, valid bool, reason string, d time.Duration) {
	if p == nil || p.verified == nil {
		return
	}
	outcome := "invalid"
	if valid {
		outcome = "valid"
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("reason", reason),
	)
	p.verified.Add(ctx, 1, attrs)
	p.duration.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCollected counts the offers one collect call returned.
func (p *Provider) RecordCollected(ctx context.Context, n int) {
	if p == nil || p.collected == nil {
		return
	}
	p.collected.Add(ctx, int64(n))
}
