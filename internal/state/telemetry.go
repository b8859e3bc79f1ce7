package state

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/arkaigrowth/scout-plan-build-sub003/internal/state"

// instrumentedStore decorates a Store with spans and counters. It
// implements the same contract and delegates, so any backend can be
// wrapped without knowing about telemetry.
type instrumentedStore struct {
	inner Store

	tracer            trace.Tracer
	saveCounter       metric.Int64Counter
	checkpointCounter metric.Int64Counter
	restoreCounter    metric.Int64Counter
}

// WithTelemetry wraps a Store with OpenTelemetry instrumentation.
func WithTelemetry(inner Store) Store {
	s := &instrumentedStore{
		inner:  inner,
		tracer: otel.Tracer(instrumentationName),
	}
	meter := otel.Meter(instrumentationName)
	s.saveCounter, _ = meter.Int64Counter(
		"spb.state.saves_total",
		metric.WithDescription("Total state saves"),
		metric.WithUnit("{save}"),
	)
	s.checkpointCounter, _ = meter.Int64Counter(
		"spb.state.checkpoints_total",
		metric.WithDescription("Total checkpoints created"),
		metric.WithUnit("{checkpoint}"),
	)
	s.restoreCounter, _ = meter.Int64Counter(
		"spb.state.restores_total",
		metric.WithDescription("Total checkpoint restores"),
		metric.WithUnit("{restore}"),
	)
	return s
}

func (s *instrumentedStore) span(ctx context.Context, op, namespace string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "state."+op, trace.WithAttributes(
		attribute.String("state.namespace", namespace),
	))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *instrumentedStore) Save(ctx context.Context, namespace, key string, value any) error {
	ctx, span := s.span(ctx, "save", namespace)
	err := s.inner.Save(ctx, namespace, key, value)
	if err == nil && s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1)
	}
	finish(span, err)
	return err
}

func (s *instrumentedStore) Load(ctx context.Context, namespace, key string, out any) error {
	ctx, span := s.span(ctx, "load", namespace)
	err := s.inner.Load(ctx, namespace, key, out)
	finish(span, err)
	return err
}

func (s *instrumentedStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	ctx, span := s.span(ctx, "keys", namespace)
	keys, err := s.inner.Keys(ctx, namespace)
	finish(span, err)
	return keys, err
}

func (s *instrumentedStore) Checkpoint(ctx context.Context, namespace, name string) (*Checkpoint, error) {
	ctx, span := s.span(ctx, "checkpoint", namespace)
	span.SetAttributes(attribute.String("state.checkpoint", name))
	cp, err := s.inner.Checkpoint(ctx, namespace, name)
	if err == nil && s.checkpointCounter != nil {
		s.checkpointCounter.Add(ctx, 1)
	}
	finish(span, err)
	return cp, err
}

func (s *instrumentedStore) Restore(ctx context.Context, namespace, ref string) (*Checkpoint, error) {
	ctx, span := s.span(ctx, "restore", namespace)
	span.SetAttributes(attribute.String("state.checkpoint_ref", ref))
	cp, err := s.inner.Restore(ctx, namespace, ref)
	if err == nil && s.restoreCounter != nil {
		s.restoreCounter.Add(ctx, 1)
	}
	finish(span, err)
	return cp, err
}

func (s *instrumentedStore) GetCheckpoint(ctx context.Context, namespace, ref string) (*Checkpoint, error) {
	ctx, span := s.span(ctx, "get_checkpoint", namespace)
	cp, err := s.inner.GetCheckpoint(ctx, namespace, ref)
	finish(span, err)
	return cp, err
}

func (s *instrumentedStore) ListCheckpoints(ctx context.Context, namespace string) ([]*Checkpoint, error) {
	ctx, span := s.span(ctx, "list_checkpoints", namespace)
	cps, err := s.inner.ListCheckpoints(ctx, namespace)
	finish(span, err)
	return cps, err
}

func (s *instrumentedStore) Close() error {
	return s.inner.Close()
}
