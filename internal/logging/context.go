package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if ns := NamespaceFromContext(ctx); ns != "" {
		fields = append(fields, zap.String("workflow.namespace", ns))
	}

	if phase := PhaseFromContext(ctx); phase != "" {
		fields = append(fields, zap.String("workflow.phase", phase))
	}

	return fields
}

// Context key types
type namespaceCtxKey struct{}
type phaseCtxKey struct{}
type loggerCtxKey struct{}

// NamespaceFromContext extracts the workflow namespace from context.
func NamespaceFromContext(ctx context.Context) string {
	if ns, ok := ctx.Value(namespaceCtxKey{}).(string); ok {
		return ns
	}
	return ""
}

// WithNamespace adds the workflow namespace to context.
func WithNamespace(ctx context.Context, namespace string) context.Context {
	return context.WithValue(ctx, namespaceCtxKey{}, namespace)
}

// PhaseFromContext extracts the current phase name from context.
func PhaseFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(phaseCtxKey{}).(string); ok {
		return p
	}
	return ""
}

// WithPhase adds the current phase name to context.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseCtxKey{}, phase)
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
