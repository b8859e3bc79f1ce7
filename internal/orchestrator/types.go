package orchestrator

import "time"

// PhaseStatus tracks a phase through its lifecycle.
type PhaseStatus string

const (
	StatusPending   PhaseStatus = "pending"
	StatusRunning   PhaseStatus = "running"
	StatusCompleted PhaseStatus = "completed"
	StatusFailed    PhaseStatus = "failed"
	StatusRecovered PhaseStatus = "recovered"
)

// WorkflowStatus is the terminal state of a whole run.
type WorkflowStatus string

const (
	// WorkflowCompleted means every phase finished cleanly or via a
	// successful retry.
	WorkflowCompleted WorkflowStatus = "completed"

	// WorkflowDegraded means the run finished, but at least one phase
	// fell back to stale output or was skipped after exhausting
	// recovery.
	WorkflowDegraded WorkflowStatus = "degraded"

	// WorkflowFailed means a critical phase exhausted recovery and the
	// run was halted.
	WorkflowFailed WorkflowStatus = "failed"
)

// PhaseResult records one phase's outcome.
type PhaseResult struct {
	Name             string        `json:"name"`
	Status           PhaseStatus   `json:"status"`
	Output           string        `json:"output,omitempty"`
	Error            string        `json:"error,omitempty"`
	Duration         time.Duration `json:"duration"`
	CheckpointIDs    []string      `json:"checkpoint_ids,omitempty"`
	RecoveryStrategy string        `json:"recovery_strategy,omitempty"`
	Attempts         int           `json:"attempts"`

	// Fallback marks output that came from a degraded fallback rather
	// than a real execution.
	Fallback bool `json:"fallback,omitempty"`
}

// WorkflowResult is the structured outcome of one run.
type WorkflowResult struct {
	ID             string         `json:"id"`
	Namespace      string         `json:"namespace"`
	Status         WorkflowStatus `json:"status"`
	Phases         []PhaseResult  `json:"phases"`
	FailedPhase    string         `json:"failed_phase,omitempty"`
	LastCheckpoint string         `json:"last_checkpoint,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
}

// Phase looks up a phase result by name.
func (r *WorkflowResult) Phase(name string) *PhaseResult {
	for i := range r.Phases {
		if r.Phases[i].Name == name {
			return &r.Phases[i]
		}
	}
	return nil
}
