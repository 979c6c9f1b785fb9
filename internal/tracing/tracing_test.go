package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	SetPropagator()
	return exporter
}

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{
			name:     "with SERVICE_VERSION set",
			envValue: "v1.2.3",
			expected: "v1.2.3",
		},
		{
			name:     "with empty SERVICE_VERSION",
			envValue: "",
			expected: "dev",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVICE_VERSION", tt.envValue)

			if result := getVersion(); result != tt.expected {
				t.Errorf("getVersion() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestGetInstanceID(t *testing.T) {
	tests := []struct {
		name        string
		hostnameEnv string
		podNameEnv  string
		expected    string
	}{
		{
			name:        "with HOSTNAME set",
			hostnameEnv: "build-box-01",
			expected:    "build-box-01",
		},
		{
			name:       "with POD_NAME set (no HOSTNAME)",
			podNameEnv: "pushtrigger-abc123",
			expected:   "pushtrigger-abc123",
		},
		{
			name:        "HOSTNAME takes precedence",
			hostnameEnv: "build-box-01",
			podNameEnv:  "pushtrigger-abc123",
			expected:    "build-box-01",
		},
		{
			name:     "with neither set",
			expected: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOSTNAME", tt.hostnameEnv)
			t.Setenv("POD_NAME", tt.podNameEnv)

			if result := getInstanceID(); result != tt.expected {
				t.Errorf("getInstanceID() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestGetOTLPEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		envValue   string
		expected   string
	}{
		{
			name:       "configured with http:// prefix",
			configured: "http://tempo:4318",
			expected:   "tempo:4318",
		},
		{
			name:       "configured with https:// prefix",
			configured: "https://tempo:4318",
			expected:   "tempo:4318",
		},
		{
			name:       "configured wins over environment",
			configured: "collector:4318",
			envValue:   "http://tempo:4318",
			expected:   "collector:4318",
		},
		{
			name:     "environment when nothing configured",
			envValue: "http://otel-collector.monitoring.svc.cluster.local:4318",
			expected: "otel-collector.monitoring.svc.cluster.local:4318",
		},
		{
			name:     "default",
			expected: DefaultEndpoint,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.envValue)

			if result := getOTLPEndpoint(tt.configured); result != tt.expected {
				t.Errorf("getOTLPEndpoint(%q) = %q, want %q", tt.configured, result, tt.expected)
			}
		})
	}
}

func TestStartSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	tests := []struct {
		name     string
		spanName string
		attrs    []attribute.KeyValue
	}{
		{
			name:     "span without attributes",
			spanName: "listener.accept",
		},
		{
			name:     "span with attributes",
			spanName: "effect.rerun",
			attrs: []attribute.KeyValue{
				attribute.String("task", "runProduction"),
				attribute.String("branch", "beta"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter.Reset()

			_, span := StartSpan(context.Background(), tt.spanName, tt.attrs...)
			span.End()

			spans := exporter.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			if spans[0].Name != tt.spanName {
				t.Errorf("span name = %q, want %q", spans[0].Name, tt.spanName)
			}
			if len(spans[0].Attributes) != len(tt.attrs) {
				t.Errorf("span attributes = %d, want %d", len(spans[0].Attributes), len(tt.attrs))
			}
		})
	}
}

func TestAddSpanEvent(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "test-span")
	AddSpanEvent(ctx, "pull.finished", attribute.Int("exit_code", 1))
	span.End()

	// No span in context must not panic
	AddSpanEvent(context.Background(), "orphan")

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if len(spans[0].Events) != 1 || spans[0].Events[0].Name != "pull.finished" {
		t.Errorf("span events = %+v, want one pull.finished event", spans[0].Events)
	}
}

func TestSetSpanError(t *testing.T) {
	exporter := setupTestTracer(t)

	tests := []struct {
		name       string
		err        error
		wantStatus codes.Code
	}{
		{
			name:       "error marks span",
			err:        errors.New("task not found"),
			wantStatus: codes.Error,
		},
		{
			name:       "nil error leaves span unset",
			err:        nil,
			wantStatus: codes.Unset,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter.Reset()

			ctx, span := StartSpan(context.Background(), "test-span")
			SetSpanError(ctx, tt.err)
			span.End()

			spans := exporter.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			if spans[0].Status.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", spans[0].Status.Code, tt.wantStatus)
			}
		})
	}

	// No span in context must not panic
	SetSpanError(context.Background(), errors.New("x"))
}

func TestGetTraceAndSpanID(t *testing.T) {
	setupTestTracer(t)

	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID() without span = %q, want empty", id)
	}
	if id := GetSpanID(context.Background()); id != "" {
		t.Errorf("GetSpanID() without span = %q, want empty", id)
	}

	ctx, span := StartSpan(context.Background(), "test-span")
	defer span.End()

	if id := GetTraceID(ctx); len(id) != 32 {
		t.Errorf("GetTraceID() = %q, want 32 hex characters", id)
	}
	if id := GetSpanID(ctx); len(id) != 16 {
		t.Errorf("GetSpanID() = %q, want 16 hex characters", id)
	}
}

func TestExtractHeaders(t *testing.T) {
	setupTestTracer(t)

	tests := []struct {
		name      string
		headers   map[string]string
		wantTrace string
	}{
		{
			name:    "empty headers",
			headers: map[string]string{},
		},
		{
			name: "valid traceparent",
			headers: map[string]string{
				"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
			},
			wantTrace: "4bf92f3577b34da6a3ce929d0e0e4736",
		},
		{
			name: "invalid traceparent",
			headers: map[string]string{
				"traceparent": "invalid-trace-context",
			},
		},
		{
			name:    "nil headers",
			headers: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ExtractHeaders(context.Background(), tt.headers)
			ctx, span := StartSpan(ctx, "child")
			defer span.End()

			got := GetTraceID(ctx)
			if tt.wantTrace != "" && got != tt.wantTrace {
				t.Errorf("trace ID = %q, want %q", got, tt.wantTrace)
			}
		})
	}
}

func TestTraceRoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "listener.connection")
	defer span.End()

	originalTraceID := GetTraceID(ctx)
	if originalTraceID == "" {
		t.Fatal("no trace ID on the original context")
	}

	headers := InjectHeaders(ctx)
	if _, ok := headers["traceparent"]; !ok {
		t.Fatalf("InjectHeaders() = %v, want a traceparent header", headers)
	}

	newCtx := ExtractHeaders(context.Background(), headers)
	newCtx, childSpan := StartSpan(newCtx, "fanout.consume")
	defer childSpan.End()

	if got := GetTraceID(newCtx); got != originalTraceID {
		t.Errorf("trace ID after round-trip = %s, want %s", got, originalTraceID)
	}
}

func TestTracerNameConstant(t *testing.T) {
	expected := "github.com/austindbirch/pushtrigger"
	if TracerName != expected {
		t.Errorf("TracerName constant = %q, want %q", TracerName, expected)
	}
}
