package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Telemetry provides OpenTelemetry instrumentation for spb.
//
// It manages TracerProvider, MeterProvider, and graceful shutdown.
// Telemetry failures do not crash the application; they degrade gracefully.
type Telemetry struct {
	config *Config

	tracerProvider *trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	healthy  atomic.Bool
	degraded atomic.Bool
}

// New creates a new Telemetry instance and initializes providers.
//
// If telemetry is disabled in config, returns a no-op instance.
// Provider initialization errors don't fail; the instance degrades.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{
		config: cfg,
	}
	t.healthy.Store(true)

	if !cfg.Enabled {
		return t, nil
	}

	res, err := newResource(cfg)
	if err != nil {
		t.setDegraded()
		return t, nil
	}

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		t.setDegraded()
	} else {
		t.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		t.setDegraded()
	} else if mp != nil {
		t.meterProvider = mp
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return t, nil
}

// Tracer returns a tracer for the given instrumentation scope.
//
// Returns a no-op tracer if telemetry is disabled or degraded.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter returns a meter for the given instrumentation scope.
//
// Returns a no-op meter if telemetry is disabled or degraded.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// Shutdown gracefully shuts down all telemetry providers.
//
// Should be called during application shutdown to flush pending telemetry.
// Uses the shutdown timeout from config when the context has no deadline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok && t.config != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Shutdown.Timeout.Duration())
		defer cancel()
	}

	var errs []error

	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}

	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	t.healthy.Store(false)
	return errors.Join(errs...)
}

// ForceFlush immediately exports all pending telemetry data.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error

	if t.tracerProvider != nil {
		if err := t.tracerProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace flush: %w", err))
		}
	}

	if t.meterProvider != nil {
		if err := t.meterProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter flush: %w", err))
		}
	}

	return errors.Join(errs...)
}

// IsEnabled returns true if telemetry is enabled and healthy.
func (t *Telemetry) IsEnabled() bool {
	if t == nil || t.config == nil {
		return false
	}
	return t.config.Enabled && t.healthy.Load()
}

// IsDegraded returns true if a provider failed to initialize.
func (t *Telemetry) IsDegraded() bool {
	if t == nil {
		return true
	}
	return t.degraded.Load()
}

func (t *Telemetry) setDegraded() {
	t.degraded.Store(true)
}
