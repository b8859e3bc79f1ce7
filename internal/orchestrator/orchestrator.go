package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arkaigrowth/scout-plan-build-sub003/internal/logging"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/recovery"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/report"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/secrets"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/state"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/validate"
)

const instrumentationName = "github.com/arkaigrowth/scout-plan-build-sub003/internal/orchestrator"

// Options wires the orchestrator's collaborators. Store, Validator, and
// Recovery are required; the rest default to safe no-ops.
type Options struct {
	Store     state.Store
	Validator *validate.Validator
	Recovery  *recovery.Manager
	Runner    Runner
	Scrubber  secrets.Scrubber
	Reporter  report.Reporter
	Logger    *zap.Logger
}

// Orchestrator executes workflow specs phase by phase.
type Orchestrator struct {
	store     state.Store
	validator *validate.Validator
	recovery  *recovery.Manager
	runner    Runner
	scrubber  secrets.Scrubber
	reporter  report.Reporter
	logger    *zap.Logger

	tracer     trace.Tracer
	phases     metric.Int64Counter
	recoveries metric.Int64Counter
	workflows  metric.Int64Counter
}

// New creates an Orchestrator from the given options.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator requires a state store")
	}
	if opts.Validator == nil {
		return nil, fmt.Errorf("orchestrator requires a validator")
	}
	if opts.Recovery == nil {
		return nil, fmt.Errorf("orchestrator requires a recovery manager")
	}
	if opts.Runner == nil {
		opts.Runner = NewRunner("")
	}
	if opts.Scrubber == nil {
		opts.Scrubber = secrets.NoopScrubber{}
	}
	if opts.Reporter == nil {
		opts.Reporter = report.NoopReporter{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	meter := otel.Meter(instrumentationName)
	phases, err := meter.Int64Counter("spb.orchestrator.phases",
		metric.WithDescription("Phases executed, labeled by terminal status"))
	if err != nil {
		return nil, fmt.Errorf("failed to create phases counter: %w", err)
	}
	recoveries, err := meter.Int64Counter("spb.orchestrator.recoveries",
		metric.WithDescription("Phase failures handed to the recovery manager"))
	if err != nil {
		return nil, fmt.Errorf("failed to create recoveries counter: %w", err)
	}
	workflows, err := meter.Int64Counter("spb.orchestrator.workflows",
		metric.WithDescription("Workflows finished, labeled by terminal status"))
	if err != nil {
		return nil, fmt.Errorf("failed to create workflows counter: %w", err)
	}

	return &Orchestrator{
		store:      opts.Store,
		validator:  opts.Validator,
		recovery:   opts.Recovery,
		runner:     opts.Runner,
		scrubber:   opts.Scrubber,
		reporter:   opts.Reporter,
		logger:     opts.Logger.Named("orchestrator"),
		tracer:     otel.Tracer(instrumentationName),
		phases:     phases,
		recoveries: recoveries,
		workflows:  workflows,
	}, nil
}

// RunRequest identifies one workflow execution.
type RunRequest struct {
	// Namespace isolates this run's state and checkpoints.
	Namespace string

	// Task is the free-form task description expanded into commands.
	Task string

	// Resume skips phases whose persisted result is already terminal.
	Resume bool
}

// Run executes the spec and returns the structured result. The returned
// error covers pre-flight problems only; phase failures are reported
// through the result's status.
func (o *Orchestrator) Run(ctx context.Context, spec WorkflowSpec, req RunRequest) (*WorkflowResult, error) {
	if err := validate.ValidateIdentifier(req.Namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace %q: %w", req.Namespace, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	ctx = logging.WithNamespace(ctx, req.Namespace)
	ctx, span := o.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow.id", spec.ID),
			attribute.String("workflow.namespace", req.Namespace),
			attribute.Bool("workflow.resume", req.Resume),
		))
	defer span.End()

	result := &WorkflowResult{
		ID:        spec.ID,
		Namespace: req.Namespace,
		Status:    WorkflowCompleted,
		StartedAt: time.Now(),
	}

	o.logger.Info("workflow started",
		zap.String("workflow", spec.ID),
		zap.String("namespace", req.Namespace),
		zap.Bool("resume", req.Resume))
	o.reporter.WorkflowStarted(ctx, report.WorkflowEvent{
		Namespace: req.Namespace,
		Task:      req.Task,
		Workflow:  spec.ID,
	})

	degraded := false

stages:
	for _, stage := range spec.stages() {
		results, halts := o.runStage(ctx, stage, req)
		for i, pr := range results {
			result.Phases = append(result.Phases, pr)
			if len(pr.CheckpointIDs) > 0 {
				result.LastCheckpoint = pr.CheckpointIDs[len(pr.CheckpointIDs)-1]
			}
			if pr.Fallback {
				degraded = true
			}
			if pr.Status == StatusFailed {
				if halts[i] {
					result.Status = WorkflowFailed
					result.FailedPhase = pr.Name
					break stages
				}
				degraded = true
			}
		}
	}

	if result.Status != WorkflowFailed && degraded {
		result.Status = WorkflowDegraded
	}
	result.FinishedAt = time.Now()

	if result.Status == WorkflowFailed {
		span.SetStatus(codes.Error, "workflow failed")
	}
	o.workflows.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(result.Status))))
	o.logger.Info("workflow finished",
		zap.String("workflow", spec.ID),
		zap.String("namespace", req.Namespace),
		zap.String("status", string(result.Status)),
		zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)))

	outcome := report.WorkflowOutcome{
		Namespace: req.Namespace,
		Status:    string(result.Status),
		Duration:  result.FinishedAt.Sub(result.StartedAt),
	}
	for _, pr := range result.Phases {
		outcome.Phases = append(outcome.Phases, report.PhaseEvent{
			Namespace: req.Namespace,
			Phase:     pr.Name,
			Status:    string(pr.Status),
			Attempts:  pr.Attempts,
			Duration:  pr.Duration,
		})
	}
	o.reporter.WorkflowCompleted(ctx, outcome)

	return result, nil
}

// runStage executes one stage: a single phase inline, a parallel group
// through an errgroup. Results are merged only after the whole group
// returns.
func (o *Orchestrator) runStage(ctx context.Context, stage []Phase, req RunRequest) ([]PhaseResult, []bool) {
	results := make([]PhaseResult, len(stage))
	halts := make([]bool, len(stage))

	if len(stage) == 1 {
		results[0], halts[0] = o.runPhase(ctx, stage[0], req)
		return results, halts
	}

	// A halting member must not cancel its siblings: the whole group runs
	// to completion and the halt takes effect after the merge.
	var g errgroup.Group
	for i := range stage {
		g.Go(func() error {
			results[i], halts[i] = o.runPhase(ctx, stage[i], req)
			return nil
		})
	}
	_ = g.Wait()
	return results, halts
}

func phaseResultKey(name string) string {
	return "phase/" + name + "/result"
}

// expand substitutes the command template's placeholders.
func expand(template string, req RunRequest, phase string) string {
	return strings.NewReplacer(
		"{{task}}", req.Task,
		"{{namespace}}", req.Namespace,
		"{{phase}}", phase,
	).Replace(template)
}

// runPhase executes one phase end to end, delegating failures to the
// recovery manager. The bool reports whether the workflow must halt.
func (o *Orchestrator) runPhase(ctx context.Context, phase Phase, req RunRequest) (PhaseResult, bool) {
	ctx = logging.WithPhase(ctx, phase.Name)
	ctx, span := o.tracer.Start(ctx, "workflow.phase",
		trace.WithAttributes(attribute.String("phase.name", phase.Name)))
	defer span.End()

	start := time.Now()
	pr := PhaseResult{Name: phase.Name, Status: StatusRunning}
	logger := o.logger.With(zap.String("namespace", req.Namespace), zap.String("phase", phase.Name))

	if req.Resume {
		var prev PhaseResult
		err := o.store.Load(ctx, req.Namespace, phaseResultKey(phase.Name), &prev)
		if err == nil && (prev.Status == StatusCompleted || prev.Status == StatusRecovered) {
			logger.Info("skipping phase with persisted result", zap.String("status", string(prev.Status)))
			return prev, false
		}
	}

	command := expand(phase.Command, req, phase.Name)

	if phase.CheckpointBefore {
		cp, err := o.store.Checkpoint(ctx, req.Namespace, "pre_"+phase.Name)
		if err != nil {
			logger.Error("pre-phase checkpoint failed", zap.Error(err))
			return o.recoverPhase(ctx, phase, req, pr, err, command, start)
		}
		pr.CheckpointIDs = append(pr.CheckpointIDs, cp.ID)
	}

	output, err := o.execute(ctx, phase, command)
	pr.Attempts = 1
	if err == nil {
		pr.Status = StatusCompleted
		pr.Output = output
		return o.finishPhase(ctx, phase, req, pr, start), false
	}

	logger.Warn("phase failed, delegating to recovery", zap.Error(err))
	return o.recoverPhase(ctx, phase, req, pr, err, command, start)
}

// execute runs one validated execution of the phase command: expand has
// already happened; this validates the argv, runs it, scrubs the output,
// and applies the output schema when declared.
func (o *Orchestrator) execute(ctx context.Context, phase Phase, command string) (string, error) {
	res := o.validator.Command(command)
	if err := res.Err(); err != nil {
		return "", err
	}

	result, err := o.runner.Run(ctx, res.Argv, phase.Timeout)
	if err != nil {
		return "", err
	}

	output := o.scrubber.Scrub(result.Stdout).Scrubbed

	if phase.OutputSchema != nil {
		var payload map[string]any
		if jsonErr := json.Unmarshal([]byte(output), &payload); jsonErr != nil {
			return "", fmt.Errorf("phase %s output is not a JSON object: %w", phase.Name, jsonErr)
		}
		if verr := o.validator.Payload(payload, *phase.OutputSchema).Err(); verr != nil {
			return "", verr
		}
	}

	return output, nil
}

// recoverPhase hands a failure to the recovery manager and applies its
// outcome to the phase result.
func (o *Orchestrator) recoverPhase(ctx context.Context, phase Phase, req RunRequest, pr PhaseResult, cause error, command string, start time.Time) (PhaseResult, bool) {
	o.recoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase.Name)))

	checkpointID := ""
	if len(pr.CheckpointIDs) > 0 {
		checkpointID = pr.CheckpointIDs[len(pr.CheckpointIDs)-1]
	}

	outcome := o.recovery.Handle(ctx, cause, recovery.Attempt{
		Namespace:    req.Namespace,
		Phase:        phase.Name,
		Critical:     phase.Critical,
		CheckpointID: checkpointID,
		Policy:       phase.Retry,
		Execute: func(ctx context.Context, opts recovery.ExecOptions) (string, error) {
			cmdline := command
			if opts.Suggestion != "" {
				cmdline = opts.Suggestion
			}
			retryPhase := phase
			if opts.TimeoutScale > 0 {
				retryPhase.Timeout = time.Duration(float64(phase.Timeout) * opts.TimeoutScale)
			}
			return o.execute(ctx, retryPhase, cmdline)
		},
		Fallback: func(ctx context.Context) (string, bool) {
			var prev PhaseResult
			if err := o.store.Load(ctx, req.Namespace, phaseResultKey(phase.Name), &prev); err != nil {
				return "", false
			}
			if prev.Status != StatusCompleted && prev.Status != StatusRecovered {
				return "", false
			}
			return prev.Output, true
		},
	})

	pr.Attempts += outcome.Attempts
	pr.RecoveryStrategy = outcome.Strategy
	if outcome.RestoredCheckpoint != "" {
		pr.CheckpointIDs = append(pr.CheckpointIDs, outcome.RestoredCheckpoint)
	}

	if outcome.Succeeded {
		pr.Status = StatusRecovered
		pr.Output = outcome.Output
		pr.Fallback = outcome.Fallback
		if outcome.Err != nil {
			pr.Error = outcome.Err.Error()
		}
		return o.finishPhase(ctx, phase, req, pr, start), false
	}

	pr.Status = StatusFailed
	if outcome.Err != nil {
		pr.Error = outcome.Err.Error()
	} else {
		pr.Error = cause.Error()
	}
	pr.Duration = time.Since(start)

	if err := o.store.Save(ctx, req.Namespace, phaseResultKey(phase.Name), pr); err != nil {
		o.logger.Warn("failed to persist failed phase result",
			zap.String("phase", phase.Name), zap.Error(err))
	}
	o.phases.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(pr.Status))))
	o.reporter.PhaseCompleted(ctx, report.PhaseEvent{
		Namespace: req.Namespace,
		Phase:     pr.Name,
		Status:    string(pr.Status),
		Attempts:  pr.Attempts,
		Duration:  pr.Duration,
	})
	return pr, outcome.Halt
}

// finishPhase persists a successful result, takes the post checkpoint,
// and emits the completion milestone.
func (o *Orchestrator) finishPhase(ctx context.Context, phase Phase, req RunRequest, pr PhaseResult, start time.Time) PhaseResult {
	pr.Duration = time.Since(start)

	if err := o.store.Save(ctx, req.Namespace, phaseResultKey(phase.Name), pr); err != nil {
		o.logger.Warn("failed to persist phase result",
			zap.String("phase", phase.Name), zap.Error(err))
	}

	if phase.CheckpointAfter {
		cp, err := o.store.Checkpoint(ctx, req.Namespace, "post_"+phase.Name)
		if err != nil {
			o.logger.Warn("post-phase checkpoint failed",
				zap.String("phase", phase.Name), zap.Error(err))
		} else {
			pr.CheckpointIDs = append(pr.CheckpointIDs, cp.ID)
		}
	}

	o.phases.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(pr.Status))))
	o.logger.Info("phase finished",
		zap.String("namespace", req.Namespace),
		zap.String("phase", pr.Name),
		zap.String("status", string(pr.Status)),
		zap.Int("attempts", pr.Attempts),
		zap.Duration("duration", pr.Duration))
	o.reporter.PhaseCompleted(ctx, report.PhaseEvent{
		Namespace: req.Namespace,
		Phase:     pr.Name,
		Status:    string(pr.Status),
		Attempts:  pr.Attempts,
		Duration:  pr.Duration,
	})
	return pr
}
