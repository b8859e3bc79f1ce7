package telemetry

import (
	"testing"

	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry provides in-memory telemetry for testing.
type TestTelemetry struct {
	*Telemetry

	SpanRecorder *tracetest.SpanRecorder
}

// NewTestTelemetry creates telemetry with an in-memory span recorder.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	spanRecorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(spanRecorder))

	t := &Telemetry{
		config:         cfg,
		tracerProvider: tp,
	}
	t.healthy.Store(true)

	return &TestTelemetry{
		Telemetry:    t,
		SpanRecorder: spanRecorder,
	}
}

// Spans returns all recorded spans.
func (t *TestTelemetry) Spans() []trace.ReadOnlySpan {
	return t.SpanRecorder.Ended()
}

// SpanByName finds a span by name, or nil if not found.
func (t *TestTelemetry) SpanByName(name string) trace.ReadOnlySpan {
	for _, span := range t.Spans() {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

// AssertSpanExists verifies a span with the given name was recorded.
func (t *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if t.SpanByName(name) == nil {
		tb.Errorf("expected span %q not found, got: %v", name, t.spanNames())
	}
}

func (t *TestTelemetry) spanNames() []string {
	spans := t.Spans()
	names := make([]string, len(spans))
	for i, span := range spans {
		names[i] = span.Name()
	}
	return names
}
