// Package orchestrator drives multi-phase workflows over external
// commands. A WorkflowSpec declares ordered phases (optionally grouped
// into parallel stages); the orchestrator validates each phase's command,
// checkpoints state around it, executes it with a bounded timeout, scrubs
// the output, and delegates failures to the recovery manager. Every run
// produces a structured WorkflowResult; progress is persisted per phase so
// an interrupted namespace can be resumed.
package orchestrator
