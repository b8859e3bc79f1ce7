// Package report publishes workflow milestones to an external issue
// tracker. Reporting is strictly best-effort: implementations log failures
// and swallow them, so a tracker outage never fails a workflow.
package report

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arkaigrowth/scout-plan-build-sub003/internal/config"
)

// WorkflowEvent describes a workflow that has started.
type WorkflowEvent struct {
	Namespace string
	Task      string
	Workflow  string
}

// PhaseEvent describes a finished phase.
type PhaseEvent struct {
	Namespace string
	Phase     string
	Status    string
	Attempts  int
	Duration  time.Duration
}

// WorkflowOutcome describes a finished workflow.
type WorkflowOutcome struct {
	Namespace string
	Status    string
	Duration  time.Duration
	Phases    []PhaseEvent
}

// Reporter receives workflow milestones. Implementations must be safe for
// concurrent use; phases in a parallel group complete at the same time.
type Reporter interface {
	WorkflowStarted(ctx context.Context, event WorkflowEvent)
	PhaseCompleted(ctx context.Context, event PhaseEvent)
	WorkflowCompleted(ctx context.Context, outcome WorkflowOutcome)
}

// NoopReporter discards all events. It is the default when reporting is
// disabled.
type NoopReporter struct{}

func (NoopReporter) WorkflowStarted(context.Context, WorkflowEvent) {}

func (NoopReporter) PhaseCompleted(context.Context, PhaseEvent) {}

func (NoopReporter) WorkflowCompleted(context.Context, WorkflowOutcome) {}

// New creates a Reporter from configuration. Disabled or unconfigured
// reporting yields a NoopReporter.
func New(cfg config.ReportConfig, logger *zap.Logger) (Reporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		return NoopReporter{}, nil
	}

	switch cfg.Provider {
	case "", "noop":
		return NoopReporter{}, nil
	case "github":
		return newGitHubReporter(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown report provider: %s", cfg.Provider)
	}
}
