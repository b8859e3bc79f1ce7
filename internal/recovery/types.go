package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/arkaigrowth/scout-plan-build-sub003/internal/discovery"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/state"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/validate"
)

// Category is one class of the failure taxonomy.
type Category string

const (
	// CategoryValidation is bad or unsafe input. Retried only when the
	// validator supplied a sanitized suggestion.
	CategoryValidation Category = "validation_failure"

	// CategoryStateCorruption is a violated checkpoint/restore invariant.
	// Always recoverable by restoring the most recent checkpoint.
	CategoryStateCorruption Category = "state_corruption"

	// CategoryDiscoveryExhausted means all four fallback levels were
	// attempted. Never fatal: the empty result passes through as success.
	CategoryDiscoveryExhausted Category = "discovery_exhausted"

	// CategoryPhaseTimeout is an external command exceeding its deadline.
	CategoryPhaseTimeout Category = "phase_timeout"

	// CategoryPhaseExecution is an external command failing with a
	// nonzero exit.
	CategoryPhaseExecution Category = "phase_execution_failure"

	// CategoryUnknown is anything outside the taxonomy.
	CategoryUnknown Category = "unknown"
)

// timeoutError is implemented by command errors that represent a deadline
// expiry rather than a program failure.
type timeoutError interface {
	TimedOut() bool
}

// exitError is implemented by command errors carrying a process exit code.
type exitError interface {
	ExitCode() int
}

// Classify maps an error onto the failure taxonomy.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var vErr *validate.ResultError
	if errors.As(err, &vErr) {
		return CategoryValidation
	}
	if errors.Is(err, state.ErrCorruption) {
		return CategoryStateCorruption
	}
	if errors.Is(err, discovery.ErrExhausted) {
		return CategoryDiscoveryExhausted
	}

	var tErr timeoutError
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &tErr) && tErr.TimedOut()) {
		return CategoryPhaseTimeout
	}

	var eErr exitError
	if errors.As(err, &eErr) {
		return CategoryPhaseExecution
	}
	return CategoryUnknown
}

// ExecOptions adjust a retried execution.
type ExecOptions struct {
	// Suggestion replaces the failed input with the validator's
	// sanitized value.
	Suggestion string

	// TimeoutScale multiplies the phase timeout; zero means unchanged.
	TimeoutScale float64
}

// Attempt describes the failed operation being recovered. Execute re-runs
// it, honoring the options; Fallback produces a degraded result (last
// known good output, or a skip marker) and reports whether one exists.
type Attempt struct {
	Namespace    string
	Phase        string
	Critical     bool
	CheckpointID string
	Policy       RetryPolicy

	Execute  func(ctx context.Context, opts ExecOptions) (string, error)
	Fallback func(ctx context.Context) (string, bool)
}

// Outcome is the typed result of handling one failure.
type Outcome struct {
	// Succeeded reports whether the operation eventually produced a
	// usable result, including via fallback.
	Succeeded bool

	// Category is the classification of the original failure.
	Category Category `json:"category"`

	// Strategy names the recovery strategy that ran.
	Strategy string `json:"strategy"`

	// Attempts counts executions performed during recovery.
	Attempts int `json:"attempts"`

	// Output is the recovered result when Succeeded.
	Output string `json:"output,omitempty"`

	// Fallback marks a degraded success: the output came from the
	// fallback, not a true retry.
	Fallback bool `json:"fallback"`

	// RestoredCheckpoint is the ID of the restore-point checkpoint when
	// state was rolled back.
	RestoredCheckpoint string `json:"restored_checkpoint,omitempty"`

	// Halt tells the orchestrator to stop the workflow.
	Halt bool `json:"halt"`

	// Err is the terminal error when recovery was exhausted.
	Err error `json:"-"`
}

// RetryPolicy is an explicit retry configuration, passed by value and
// never inferred from ambient state.
type RetryPolicy struct {
	MaxAttempts    int           `koanf:"max_attempts" json:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" json:"max_backoff"`
	Multiplier     float64       `koanf:"multiplier" json:"multiplier"`
	Jitter         bool          `koanf:"jitter" json:"jitter"`
}

// DefaultRetryPolicy returns the standard bounded policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// ApplyDefaults fills in zero values.
func (p *RetryPolicy) ApplyDefaults() {
	p.fillFrom(DefaultRetryPolicy())
}

// fillFrom copies def into zero fields, leaving explicit overrides
// intact.
func (p *RetryPolicy) fillFrom(def RetryPolicy) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.Multiplier == 0 {
		p.Multiplier = def.Multiplier
	}
	if !p.Jitter {
		p.Jitter = def.Jitter
	}
}
