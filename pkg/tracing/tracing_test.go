package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName != "routerd" {
		t.Errorf("expected service name 'routerd', got '%s'", cfg.ServiceName)
	}
	if cfg.Enabled {
		t.Error("tracing should be disabled by default")
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected sample rate 1.0, got %f", cfg.SampleRate)
	}
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(DefaultConfig(), "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown of disabled provider failed: %v", err)
	}
}

func TestStartSpan(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test.operation")
	if span == nil {
		t.Fatal("expected non-nil span")
	}
	AddSpanAttributes(ctx,
		attribute.String("test.key", "test.value"),
		attribute.Int("test.number", 42),
	)
	RecordError(ctx, errors.New("test error"))
	MeasureDuration(ctx, time.Now().Add(-5*time.Millisecond), "test.operation")
	span.End()
}

func TestSpanHelpers(t *testing.T) {
	ctx := context.Background()

	_, span := TraceHTTPRequest(ctx, "GET", "/api/v1/hosts")
	span.End()

	_, span = TraceHandshake(ctx, "conn_1")
	span.End()

	_, span = TraceSessionSetup(ctx, "conn_1", "host-1")
	span.End()

	_, span = TraceBrokerMessage(ctx, "connect_request", "client")
	span.End()
}

func hasAttribute(attrs []attribute.KeyValue, want attribute.KeyValue) bool {
	for _, kv := range attrs {
		if kv.Key == want.Key && kv.Value.Emit() == want.Value.Emit() {
			return true
		}
	}
	return false
}

func TestResourceAttributes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Environment = "staging"
	attrs := resourceAttributes(cfg, "1.2.3")

	for _, want := range []attribute.KeyValue{
		semconv.ServiceNameKey.String("routerd"),
		semconv.ServiceVersionKey.String("1.2.3"),
		semconv.DeploymentEnvironmentKey.String("staging"),
	} {
		if !hasAttribute(attrs, want) {
			t.Errorf("missing resource attribute %s=%s", want.Key, want.Value.Emit())
		}
	}
}

func TestTraceHTTPRequestUsesSemanticKeys(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(previous)

	_, span := TraceHTTPRequest(context.Background(), "GET", "/api/v1/hosts/:id")
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(ended))
	}
	attrs := ended[0].Attributes()
	if !hasAttribute(attrs, semconv.HTTPMethodKey.String("GET")) {
		t.Error("missing http.method attribute")
	}
	if !hasAttribute(attrs, semconv.HTTPRouteKey.String("/api/v1/hosts/:id")) {
		t.Error("missing http.route attribute")
	}
}
