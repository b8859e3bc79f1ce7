package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arkaigrowth/scout-plan-build-sub003/internal/recovery"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/report"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/state"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/validate"
)

func fastRetry() recovery.RetryPolicy {
	return recovery.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

// recordingReporter collects milestone events for assertions.
type recordingReporter struct {
	mu        sync.Mutex
	started   []report.WorkflowEvent
	phases    []report.PhaseEvent
	completed []report.WorkflowOutcome
}

func (r *recordingReporter) WorkflowStarted(_ context.Context, e report.WorkflowEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, e)
}

func (r *recordingReporter) PhaseCompleted(_ context.Context, e report.PhaseEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, e)
}

func (r *recordingReporter) WorkflowCompleted(_ context.Context, o report.WorkflowOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, o)
}

type testHarness struct {
	orch     *Orchestrator
	store    state.Store
	runner   *ScriptedRunner
	reporter *recordingReporter
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	store := state.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	validator, err := validate.New(validate.Config{})
	require.NoError(t, err)

	recoverer, err := recovery.New(recovery.Config{Policy: fastRetry()}, store, zaptest.NewLogger(t))
	require.NoError(t, err)

	runner := NewScriptedRunner()
	reporter := &recordingReporter{}

	orch, err := New(Options{
		Store:     store,
		Validator: validator,
		Recovery:  recoverer,
		Runner:    runner,
		Reporter:  reporter,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	return &testHarness{orch: orch, store: store, runner: runner, reporter: reporter}
}

// fastSpec returns the standard pipeline with millisecond retry backoffs.
func fastSpec() WorkflowSpec {
	spec := ScoutPlanBuildSpec()
	for i := range spec.Phases {
		spec.Phases[i].Retry = fastRetry()
		spec.Phases[i].Timeout = time.Second
	}
	return spec
}

func TestRun_AllPhasesComplete(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	req := RunRequest{Namespace: "adw-1", Task: "add-pagination"}

	h.runner.Script("claude -p scout add-pagination", ScriptStep{Stdout: "scout done"})
	h.runner.Script("claude -p plan add-pagination", ScriptStep{Stdout: "plan done"})
	h.runner.Script("claude -p build add-pagination", ScriptStep{Stdout: "build done"})

	result, err := h.orch.Run(ctx, fastSpec(), req)
	require.NoError(t, err)

	assert.Equal(t, WorkflowCompleted, result.Status)
	require.Len(t, result.Phases, 3)
	for _, pr := range result.Phases {
		assert.Equal(t, StatusCompleted, pr.Status)
		assert.Equal(t, 1, pr.Attempts)
	}
	assert.Equal(t, "scout done", result.Phase("scout").Output)
	assert.NotEmpty(t, result.LastCheckpoint)

	// Per-phase results are persisted under the namespace.
	var saved PhaseResult
	require.NoError(t, h.store.Load(ctx, "adw-1", "phase/build/result", &saved))
	assert.Equal(t, StatusCompleted, saved.Status)

	// Checkpoints bracket each phase.
	checkpoints, err := h.store.ListCheckpoints(ctx, "adw-1")
	require.NoError(t, err)
	names := make([]string, 0, len(checkpoints))
	for _, cp := range checkpoints {
		names = append(names, cp.Name)
	}
	assert.Contains(t, names, "pre_scout")
	assert.Contains(t, names, "post_scout")
	assert.Contains(t, names, "post_build")
}

func TestRun_RecoversAfterTransientFailures(t *testing.T) {
	h := newTestHarness(t)
	req := RunRequest{Namespace: "adw-2", Task: "fix-bug"}

	h.runner.Script("claude -p scout fix-bug",
		ScriptStep{ExitCode: 1, Stderr: "transient"},
		ScriptStep{ExitCode: 1, Stderr: "transient"},
		ScriptStep{Stdout: "scout done"},
	)

	result, err := h.orch.Run(context.Background(), fastSpec(), req)
	require.NoError(t, err)

	assert.Equal(t, WorkflowCompleted, result.Status)
	scout := result.Phase("scout")
	require.NotNil(t, scout)
	assert.Equal(t, StatusRecovered, scout.Status)
	assert.False(t, scout.Fallback)
	assert.Equal(t, "scout done", scout.Output)
	assert.Equal(t, "backoff_retry", scout.RecoveryStrategy)
	assert.Equal(t, 3, h.runner.CallCount("claude -p scout fix-bug"))
}

func TestRun_CriticalPhaseHaltsWorkflow(t *testing.T) {
	h := newTestHarness(t)
	req := RunRequest{Namespace: "adw-3", Task: "fix-bug"}

	h.runner.Script("claude -p plan fix-bug", ScriptStep{ExitCode: 2, Stderr: "broken"})

	result, err := h.orch.Run(context.Background(), fastSpec(), req)
	require.NoError(t, err)

	assert.Equal(t, WorkflowFailed, result.Status)
	assert.Equal(t, "plan", result.FailedPhase)
	assert.Equal(t, StatusFailed, result.Phase("plan").Status)
	assert.Zero(t, h.runner.CallCount("claude -p build fix-bug"), "halt must stop later phases")
}

func TestRun_TimeoutExtendedOnRetry(t *testing.T) {
	h := newTestHarness(t)
	req := RunRequest{Namespace: "adw-4", Task: "slow-task"}

	h.runner.Script("claude -p scout slow-task",
		ScriptStep{TimedOut: true},
		ScriptStep{Stdout: "scout done"},
	)

	result, err := h.orch.Run(context.Background(), fastSpec(), req)
	require.NoError(t, err)

	scout := result.Phase("scout")
	assert.Equal(t, StatusRecovered, scout.Status)
	assert.Equal(t, "extend_timeout", scout.RecoveryStrategy)
	assert.Equal(t, WorkflowCompleted, result.Status)
}

func TestRun_NonCriticalFailureDegradesAndContinues(t *testing.T) {
	h := newTestHarness(t)
	req := RunRequest{Namespace: "adw-5", Task: "doc-task"}

	spec := WorkflowSpec{ID: "with-optional", Phases: []Phase{
		{Name: "lint", Command: "claude -p lint {{task}}", Timeout: time.Second, Retry: fastRetry()},
		{Name: "build", Command: "claude -p build {{task}}", Timeout: time.Second, Retry: fastRetry(), Critical: true},
	}}
	h.runner.Script("claude -p lint doc-task", ScriptStep{ExitCode: 1})
	h.runner.Script("claude -p build doc-task", ScriptStep{Stdout: "built"})

	result, err := h.orch.Run(context.Background(), spec, req)
	require.NoError(t, err)

	assert.Equal(t, WorkflowDegraded, result.Status)
	assert.Equal(t, StatusFailed, result.Phase("lint").Status)
	assert.Equal(t, StatusCompleted, result.Phase("build").Status)
	assert.Empty(t, result.FailedPhase)
}

func TestRun_FallbackUsesLastKnownGoodOutput(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	req := RunRequest{Namespace: "adw-6", Task: "refresh"}

	// A previous run left a good result behind.
	require.NoError(t, h.store.Save(ctx, "adw-6", "phase/lint/result", PhaseResult{
		Name:   "lint",
		Status: StatusCompleted,
		Output: "cached lint report",
	}))

	spec := WorkflowSpec{ID: "fallback", Phases: []Phase{
		{Name: "lint", Command: "claude -p lint {{task}}", Timeout: time.Second, Retry: fastRetry()},
	}}
	h.runner.Script("claude -p lint refresh", ScriptStep{ExitCode: 1})

	result, err := h.orch.Run(ctx, spec, req)
	require.NoError(t, err)

	assert.Equal(t, WorkflowDegraded, result.Status)
	lint := result.Phase("lint")
	assert.Equal(t, StatusRecovered, lint.Status)
	assert.True(t, lint.Fallback)
	assert.Equal(t, "cached lint report", lint.Output)
}

func TestRun_ValidationFailureWithoutSuggestionFailsFast(t *testing.T) {
	h := newTestHarness(t)
	req := RunRequest{Namespace: "adw-7", Task: "task"}

	spec := WorkflowSpec{ID: "badcmd", Phases: []Phase{
		{Name: "evil", Command: "rm -rf {{task}}", Timeout: time.Second, Critical: true},
	}}

	result, err := h.orch.Run(context.Background(), spec, req)
	require.NoError(t, err)

	assert.Equal(t, WorkflowFailed, result.Status)
	assert.Equal(t, "evil", result.FailedPhase)
	assert.Zero(t, h.runner.CallCount("rm -rf task"), "disallowed command must never execute")
}

func TestRun_OutputSchemaEnforced(t *testing.T) {
	h := newTestHarness(t)

	schema := &validate.Schema{Fields: []validate.FieldSpec{
		{Name: "files", Type: validate.TypeList, Required: true},
	}}
	spec := WorkflowSpec{ID: "schema", Phases: []Phase{
		{Name: "scout", Command: "claude -p scout {{task}}", Timeout: time.Second,
			Retry: fastRetry(), Critical: true, OutputSchema: schema},
	}}

	t.Run("conforming output", func(t *testing.T) {
		h.runner.Script("claude -p scout task", ScriptStep{Stdout: `{"files": ["a.go"]}`})
		result, err := h.orch.Run(context.Background(), spec, RunRequest{Namespace: "adw-8a", Task: "task"})
		require.NoError(t, err)
		assert.Equal(t, WorkflowCompleted, result.Status)
	})

	t.Run("missing field", func(t *testing.T) {
		h.runner.Script("claude -p scout task", ScriptStep{Stdout: `{"notes": "none"}`})
		result, err := h.orch.Run(context.Background(), spec, RunRequest{Namespace: "adw-8b", Task: "task"})
		require.NoError(t, err)
		assert.Equal(t, WorkflowFailed, result.Status)
	})
}

func TestRun_ParallelGroupRunsAllPhases(t *testing.T) {
	h := newTestHarness(t)
	req := RunRequest{Namespace: "adw-9", Task: "task"}

	spec := WorkflowSpec{ID: "parallel", Phases: []Phase{
		{Name: "build", Command: "claude -p build {{task}}", Timeout: time.Second, Critical: true},
		{Name: "review", Command: "claude -p review {{task}}", Timeout: time.Second, Group: "post", Retry: fastRetry()},
		{Name: "document", Command: "claude -p document {{task}}", Timeout: time.Second, Group: "post", Retry: fastRetry()},
	}}
	h.runner.Script("claude -p build task", ScriptStep{Stdout: "built"})
	h.runner.Script("claude -p review task", ScriptStep{Stdout: "reviewed"})
	h.runner.Script("claude -p document task", ScriptStep{Stdout: "documented"})

	result, err := h.orch.Run(context.Background(), spec, req)
	require.NoError(t, err)

	assert.Equal(t, WorkflowCompleted, result.Status)
	require.Len(t, result.Phases, 3)
	// Merge order matches declaration order regardless of scheduling.
	assert.Equal(t, "review", result.Phases[1].Name)
	assert.Equal(t, "document", result.Phases[2].Name)
	assert.Equal(t, "reviewed", result.Phases[1].Output)
}

func TestRun_ParallelGroupHaltWaitsForSiblings(t *testing.T) {
	h := newTestHarness(t)
	req := RunRequest{Namespace: "adw-14", Task: "task"}

	spec := WorkflowSpec{ID: "halting-pair", Phases: []Phase{
		{Name: "verify", Command: "claude -p verify {{task}}", Timeout: time.Second, Group: "pair", Critical: true, Retry: fastRetry()},
		{Name: "document", Command: "claude -p document {{task}}", Timeout: time.Second, Group: "pair", Retry: fastRetry()},
	}}
	// verify exhausts recovery almost immediately; document is still
	// sleeping when the halt is decided.
	h.runner.Script("claude -p verify task", ScriptStep{ExitCode: 1, Stderr: "broken"})
	h.runner.Script("claude -p document task", ScriptStep{Sleep: 50 * time.Millisecond, Stdout: "documented"})

	result, err := h.orch.Run(context.Background(), spec, req)
	require.NoError(t, err)

	assert.Equal(t, WorkflowFailed, result.Status)
	assert.Equal(t, "verify", result.FailedPhase)

	// The sibling ran to completion instead of being cancelled.
	require.Len(t, result.Phases, 2)
	assert.Equal(t, StatusCompleted, result.Phase("document").Status)
	assert.Equal(t, "documented", result.Phase("document").Output)
	assert.Equal(t, 1, h.runner.CallCount("claude -p document task"))
}

func TestRun_ResumeSkipsFinishedPhases(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.runner.Script("claude -p scout resume-task", ScriptStep{Stdout: "scout done"})
	h.runner.Script("claude -p plan resume-task", ScriptStep{Stdout: "plan done"})
	h.runner.Script("claude -p build resume-task", ScriptStep{Stdout: "build done"})

	first, err := h.orch.Run(ctx, fastSpec(), RunRequest{Namespace: "adw-10", Task: "resume-task"})
	require.NoError(t, err)
	require.Equal(t, WorkflowCompleted, first.Status)
	callsAfterFirst := len(h.runner.Calls())

	second, err := h.orch.Run(ctx, fastSpec(), RunRequest{Namespace: "adw-10", Task: "resume-task", Resume: true})
	require.NoError(t, err)

	assert.Equal(t, WorkflowCompleted, second.Status)
	assert.Len(t, h.runner.Calls(), callsAfterFirst, "resume must not re-run finished phases")
	assert.Equal(t, "plan done", second.Phase("plan").Output)
}

func TestRun_ReporterReceivesMilestones(t *testing.T) {
	h := newTestHarness(t)
	req := RunRequest{Namespace: "adw-11", Task: "task"}

	h.runner.Script("claude -p scout task", ScriptStep{Stdout: "s"})
	h.runner.Script("claude -p plan task", ScriptStep{Stdout: "p"})
	h.runner.Script("claude -p build task", ScriptStep{Stdout: "b"})

	_, err := h.orch.Run(context.Background(), fastSpec(), req)
	require.NoError(t, err)

	require.Len(t, h.reporter.started, 1)
	assert.Equal(t, "scout-plan-build", h.reporter.started[0].Workflow)
	assert.Len(t, h.reporter.phases, 3)
	require.Len(t, h.reporter.completed, 1)
	assert.Equal(t, "completed", h.reporter.completed[0].Status)
	assert.Len(t, h.reporter.completed[0].Phases, 3)
}

func TestRun_RejectsBadInput(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.orch.Run(context.Background(), fastSpec(), RunRequest{Namespace: "Bad Namespace", Task: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid namespace")

	_, err = h.orch.Run(context.Background(), WorkflowSpec{ID: "empty"}, RunRequest{Namespace: "ok-ns", Task: "t"})
	require.Error(t, err)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
