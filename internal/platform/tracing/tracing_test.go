package tracing

import (
	"context"
	"testing"

	"github.com/flowforge/orchestrator/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return l
}

func TestNewProviderDisabledReturnsNil(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false}, testLogger(t))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil provider when disabled, got %v", p)
	}
	// A nil *Provider must be safe to use: Tracer/Start/Shutdown never panic.
	if p.Tracer() == nil {
		t.Fatal("expected a non-nil fallback tracer from a nil provider")
	}
	if _, span := p.Start(context.Background(), "span-on-nil-provider"); span == nil {
		t.Fatal("expected a non-nil no-op span from a nil provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown on nil provider: %v", err)
	}
}

func TestNewProviderEnabledProducesSpans(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: true, ServiceName: "test-engine", SamplingRate: 1.0}, testLogger(t))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p == nil {
		t.Fatal("expected a non-nil provider when enabled")
	}
	ctx, span := p.Start(context.Background(), "unit-test-span")
	if ctx == nil || span == nil {
		t.Fatal("expected a usable context and span")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSampleRateFromEnvClampsToValidRange(t *testing.T) {
	t.Setenv("TRACING_SAMPLE_PERCENT", "250")
	if rate := sampleRateFromEnv(testLogger(t)); rate != 1.0 {
		t.Fatalf("expected clamped rate 1.0, got %v", rate)
	}
	t.Setenv("TRACING_SAMPLE_PERCENT", "-10")
	if rate := sampleRateFromEnv(testLogger(t)); rate != 0.0 {
		t.Fatalf("expected clamped rate 0.0, got %v", rate)
	}
}
