package recovery

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arkaigrowth/scout-plan-build-sub003/internal/state"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/validate"
)

const instrumentationName = "github.com/arkaigrowth/scout-plan-build-sub003/internal/recovery"

// Config configures the recovery manager.
type Config struct {
	// Policy is the default retry policy for attempts that don't carry
	// their own.
	Policy RetryPolicy

	// TimeoutScale multiplies a timed-out phase's deadline on retry.
	TimeoutScale float64
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	c.Policy.ApplyDefaults()
	if c.TimeoutScale == 0 {
		c.TimeoutScale = 2.0
	}
}

// Manager applies the per-category recovery strategies. It uses the state
// store to restore checkpoints on corruption and never lets an expected
// failure escape as a panic.
type Manager struct {
	cfg    Config
	store  state.Store
	logger *zap.Logger

	tracer         trace.Tracer
	handleCounter  metric.Int64Counter
	recoverCounter metric.Int64Counter
}

// New creates a recovery manager.
func New(cfg Config, store state.Store, logger *zap.Logger) (*Manager, error) {
	cfg.ApplyDefaults()
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		cfg:    cfg,
		store:  store,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	m.handleCounter, _ = meter.Int64Counter(
		"spb.recovery.handled_total",
		metric.WithDescription("Failures handled by category"),
		metric.WithUnit("{failure}"),
	)
	m.recoverCounter, _ = meter.Int64Counter(
		"spb.recovery.recovered_total",
		metric.WithDescription("Failures recovered, including fallbacks"),
		metric.WithUnit("{recovery}"),
	)

	return m, nil
}

// Handle classifies a failure and applies the category's strategy. The
// returned Outcome is always structurally valid: callers read Succeeded,
// Fallback, and Halt, never a panic.
func (m *Manager) Handle(ctx context.Context, cause error, attempt Attempt) Outcome {
	category := Classify(cause)

	ctx, span := m.tracer.Start(ctx, "recovery.handle", trace.WithAttributes(
		attribute.String("recovery.category", string(category)),
		attribute.String("workflow.phase", attempt.Phase),
	))
	defer span.End()

	if m.handleCounter != nil {
		m.handleCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("category", string(category)),
		))
	}

	// Attempts without their own policy inherit the configured default;
	// cfg.Policy is fully populated by New.
	attempt.Policy.fillFrom(m.cfg.Policy)

	m.logger.Info("handling failure",
		zap.String("category", string(category)),
		zap.String("namespace", attempt.Namespace),
		zap.String("phase", attempt.Phase),
		zap.Error(cause),
	)

	var outcome Outcome
	switch category {
	case CategoryValidation:
		outcome = m.handleValidation(ctx, cause, attempt)
	case CategoryStateCorruption:
		outcome = m.handleCorruption(ctx, cause, attempt)
	case CategoryDiscoveryExhausted:
		// Discovery's own level 4 already returned a valid empty
		// result; pass it through as success.
		outcome = Outcome{Succeeded: true, Strategy: "pass_through_empty"}
	case CategoryPhaseTimeout:
		outcome = m.handleTimeout(ctx, cause, attempt)
	case CategoryPhaseExecution:
		outcome = m.handleExecution(ctx, cause, attempt)
	default:
		outcome = m.handleUnknown(ctx, cause, attempt)
	}

	outcome.Category = category
	if outcome.Succeeded && m.recoverCounter != nil {
		m.recoverCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("category", string(category)),
			attribute.Bool("fallback", outcome.Fallback),
		))
	}
	span.SetAttributes(
		attribute.Bool("recovery.succeeded", outcome.Succeeded),
		attribute.Bool("recovery.fallback", outcome.Fallback),
		attribute.String("recovery.strategy", outcome.Strategy),
	)
	return outcome
}

// handleValidation retries once with the validator's suggestion; without
// one the failure is terminal immediately.
func (m *Manager) handleValidation(ctx context.Context, cause error, attempt Attempt) Outcome {
	var vErr *validate.ResultError
	if !errors.As(cause, &vErr) || vErr.Result.Suggestion == "" {
		return m.exhausted(ctx, attempt, "not_retryable", 0, cause)
	}
	if attempt.Execute == nil {
		return m.exhausted(ctx, attempt, "not_retryable", 0, cause)
	}

	output, err := attempt.Execute(ctx, ExecOptions{Suggestion: vErr.Result.Suggestion})
	if err != nil {
		return m.exhausted(ctx, attempt, "apply_suggestion", 1, err)
	}
	return Outcome{Succeeded: true, Strategy: "apply_suggestion", Attempts: 1, Output: output}
}

// handleCorruption restores the most recent checkpoint in the namespace
// and retries the operation once from there.
func (m *Manager) handleCorruption(ctx context.Context, cause error, attempt Attempt) Outcome {
	ref := attempt.CheckpointID
	if ref == "" {
		cps, err := m.store.ListCheckpoints(ctx, attempt.Namespace)
		if err != nil || len(cps) == 0 {
			return m.exhausted(ctx, attempt, "restore_checkpoint", 0,
				fmt.Errorf("no checkpoint to restore in %s: %w", attempt.Namespace, cause))
		}
		ref = cps[len(cps)-1].ID
	}

	restored, err := m.store.Restore(ctx, attempt.Namespace, ref)
	if err != nil {
		return m.exhausted(ctx, attempt, "restore_checkpoint", 0,
			fmt.Errorf("failed to restore checkpoint: %w", err))
	}
	m.logger.Info("restored checkpoint after state corruption",
		zap.String("namespace", attempt.Namespace),
		zap.String("checkpoint", restored.ID),
	)

	if attempt.Execute == nil {
		// Nothing to re-run: the restore itself is the recovery and the
		// caller retries the phase from the restored state.
		return Outcome{Succeeded: true, Strategy: "restore_checkpoint", RestoredCheckpoint: restored.ID}
	}

	output, err := attempt.Execute(ctx, ExecOptions{})
	if err != nil {
		out := m.exhausted(ctx, attempt, "restore_checkpoint", 1, err)
		out.RestoredCheckpoint = restored.ID
		return out
	}
	return Outcome{
		Succeeded:          true,
		Strategy:           "restore_checkpoint",
		Attempts:           1,
		Output:             output,
		RestoredCheckpoint: restored.ID,
	}
}

// checkpointBeforeRetry snapshots the namespace before a failed phase is
// re-run, so a retry that makes things worse can be undone.
func (m *Manager) checkpointBeforeRetry(ctx context.Context, attempt Attempt) {
	if attempt.Namespace == "" {
		return
	}
	if _, err := m.store.Checkpoint(ctx, attempt.Namespace, "recovery_"+attempt.Phase); err != nil {
		m.logger.Warn("failed to checkpoint before retry",
			zap.String("namespace", attempt.Namespace),
			zap.String("phase", attempt.Phase),
			zap.Error(err),
		)
	}
}

// handleTimeout retries with the deadline extended by the configured
// multiplier, compounding per attempt, bounded by the policy cap.
func (m *Manager) handleTimeout(ctx context.Context, cause error, attempt Attempt) Outcome {
	if attempt.Execute == nil {
		return m.exhausted(ctx, attempt, "extend_timeout", 0, cause)
	}
	m.checkpointBeforeRetry(ctx, attempt)

	scale := m.cfg.TimeoutScale
	lastErr := cause
	for n := 1; n <= attempt.Policy.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return m.exhausted(ctx, attempt, "extend_timeout", n-1, err)
		}

		output, err := attempt.Execute(ctx, ExecOptions{TimeoutScale: scale})
		if err == nil {
			return Outcome{Succeeded: true, Strategy: "extend_timeout", Attempts: n, Output: output}
		}
		lastErr = err
		if Classify(err) != CategoryPhaseTimeout {
			// The failure changed shape; do not keep extending.
			return m.exhausted(ctx, attempt, "extend_timeout", n, err)
		}
		scale *= m.cfg.TimeoutScale
	}
	return m.exhausted(ctx, attempt, "extend_timeout", attempt.Policy.MaxAttempts, lastErr)
}

// handleExecution retries with exponential backoff up to the attempt cap.
func (m *Manager) handleExecution(ctx context.Context, cause error, attempt Attempt) Outcome {
	if attempt.Execute == nil {
		return m.exhausted(ctx, attempt, "backoff_retry", 0, cause)
	}
	m.checkpointBeforeRetry(ctx, attempt)

	lastErr := cause
	for n := 1; n <= attempt.Policy.MaxAttempts; n++ {
		if err := sleep(ctx, nextBackoff(attempt.Policy, attempt.Namespace, attempt.Phase, n)); err != nil {
			return m.exhausted(ctx, attempt, "backoff_retry", n-1, err)
		}

		output, err := attempt.Execute(ctx, ExecOptions{})
		if err == nil {
			return Outcome{Succeeded: true, Strategy: "backoff_retry", Attempts: n, Output: output}
		}
		lastErr = err
		m.logger.Warn("retry failed",
			zap.String("phase", attempt.Phase),
			zap.Int("attempt", n),
			zap.Int("max_attempts", attempt.Policy.MaxAttempts),
			zap.Error(err),
		)
	}
	return m.exhausted(ctx, attempt, "backoff_retry", attempt.Policy.MaxAttempts, lastErr)
}

// handleUnknown performs a single cautious retry.
func (m *Manager) handleUnknown(ctx context.Context, cause error, attempt Attempt) Outcome {
	if attempt.Execute == nil {
		return m.exhausted(ctx, attempt, "single_retry", 0, cause)
	}
	m.checkpointBeforeRetry(ctx, attempt)

	output, err := attempt.Execute(ctx, ExecOptions{})
	if err != nil {
		return m.exhausted(ctx, attempt, "single_retry", 1, err)
	}
	return Outcome{Succeeded: true, Strategy: "single_retry", Attempts: 1, Output: output}
}

// exhausted ends recovery: non-critical attempts degrade to the fallback
// when one exists, critical attempts halt the workflow.
func (m *Manager) exhausted(ctx context.Context, attempt Attempt, strategy string, attempts int, cause error) Outcome {
	if !attempt.Critical && attempt.Fallback != nil {
		if output, ok := attempt.Fallback(ctx); ok {
			m.logger.Warn("recovery exhausted, accepting fallback",
				zap.String("phase", attempt.Phase),
				zap.String("strategy", strategy),
				zap.Error(cause),
			)
			return Outcome{
				Succeeded: true,
				Strategy:  strategy,
				Attempts:  attempts,
				Output:    output,
				Fallback:  true,
				Err:       cause,
			}
		}
	}
	// Critical phases halt the workflow; non-critical ones without a
	// fallback are marked failed and the workflow continues degraded.
	return Outcome{
		Strategy: strategy,
		Attempts: attempts,
		Halt:     attempt.Critical,
		Err:      cause,
	}
}
