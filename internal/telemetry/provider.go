package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// newResource creates a resource describing the service.
// Standalone rather than merged with resource.Default() to avoid schema
// URL conflicts across semconv versions.
func newResource(cfg *Config) (*resource.Resource, error) {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	), nil
}

// newTracerProvider creates a TracerProvider with an OTLP gRPC exporter.
func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*trace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	var sampler trace.Sampler
	switch {
	case cfg.Sampling.Rate >= 1.0:
		sampler = trace.AlwaysSample()
	case cfg.Sampling.Rate <= 0:
		sampler = trace.NeverSample()
	default:
		sampler = trace.TraceIDRatioBased(cfg.Sampling.Rate)
	}
	sampler = trace.ParentBased(sampler)

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(sampler),
	)

	return tp, nil
}

// newMeterProvider creates a MeterProvider with an OTLP gRPC exporter.
func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*metric.MeterProvider, error) {
	if !cfg.Metrics.Enabled {
		return nil, nil
	}

	// Cumulative temporality is required for Prometheus-compatible backends.
	// This overrides OTEL_EXPORTER_OTLP_METRICS_TEMPORALITY_PREFERENCE which
	// may be set by parent processes.
	cumulativeSelector := func(metric.InstrumentKind) metricdata.Temporality {
		return metricdata.CumulativeTemporality
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithTemporalitySelector(cumulativeSelector),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(
			metric.NewPeriodicReader(
				exporter,
				metric.WithInterval(cfg.Metrics.ExportInterval.Duration()),
			),
		),
	)

	return mp, nil
}
