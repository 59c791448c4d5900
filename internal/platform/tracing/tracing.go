// Package tracing wires OpenTelemetry distributed tracing for the engine
// process, grounded on the tracer-provider setup pattern used across the
// pack's agent frameworks (resource + sampler + batch exporter, registered
// as the global provider) rather than on anything in the teacher itself —
// the teacher's own internal/services/telemetry.go turned out to be
// lesson/quiz analytics, unrelated to distributed tracing.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowforge/orchestrator/internal/platform/config"
	"github.com/flowforge/orchestrator/internal/platform/logger"
)

// Config controls whether and how spans are exported. The only supported
// exporter is stdout: the engine is meant to run self-hosted next to
// whatever collector an operator already has, and a stdout exporter piped
// into that collector's agent covers every backend without pulling an
// OTLP/gRPC dependency the rest of this repo never otherwise needs.
type Config struct {
	Enabled      bool
	ServiceName  string
	SamplingRate float64
}

func LoadConfig(log *logger.Logger) Config {
	return Config{
		Enabled:      config.GetEnvAsBool("TRACING_ENABLED", false, log),
		ServiceName:  config.GetEnv("TRACING_SERVICE_NAME", "orchestrator", log),
		SamplingRate: sampleRateFromEnv(log),
	}
}

func sampleRateFromEnv(log *logger.Logger) float64 {
	pct := config.GetEnvAsInt("TRACING_SAMPLE_PERCENT", 100, log)
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return float64(pct) / 100.0
}

// Provider owns the process-wide TracerProvider and its exporter.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider builds a tracer provider from cfg and registers it as the
// global provider and propagator. A disabled config returns a nil Provider;
// callers should treat a nil *Provider as "tracing off" rather than erroring.
func NewProvider(ctx context.Context, cfg Config, log *logger.Logger) (*Provider, error) {
	if !cfg.Enabled {
		if log != nil {
			log.Info("tracing disabled")
		}
		return nil, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("tracing: create stdout exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if log != nil {
		log.Info("tracing enabled", "service_name", cfg.ServiceName, "sample_rate", cfg.SamplingRate)
	}

	return &Provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName)}, nil
}

// Tracer returns the provider's tracer, or the global no-op tracer when
// tracing is disabled, so callers never need to nil-check before starting
// a span.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer("orchestrator")
	}
	return p.tracer
}

// Start begins a span using the provider's tracer, or a no-op span when p
// is nil.
func (p *Provider) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, spanName, opts...)
}

// Shutdown flushes and stops the exporter. Safe to call on a nil Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
