package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arkaigrowth/scout-plan-build-sub003/internal/orchestrator"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/report"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/secrets"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/telemetry"
)

var (
	runTask     string
	runWorkflow string
	runPreset   string
	runResume   string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runTask, "task", "", "task description (required)")
	runCmd.Flags().StringVar(&runWorkflow, "workflow", "", "workflow spec YAML file")
	runCmd.Flags().StringVar(&runPreset, "preset", "scout-plan-build", "built-in workflow preset (scout-plan-build, sdlc)")
	runCmd.Flags().StringVar(&runResume, "resume", "", "resume an existing namespace, skipping finished phases")
	_ = runCmd.MarkFlagRequired("task")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a workflow for a task",
	Long: `Execute a workflow for a task and print the structured result as JSON.

Examples:
  # Run the standard scout -> plan -> build pipeline
  spb run --task "add pagination to the users endpoint"

  # Run the full SDLC pipeline
  spb run --task "fix flaky login test" --preset sdlc

  # Run a custom workflow spec
  spb run --task "migrate the schema" --workflow ./workflow.yaml

  # Resume an interrupted namespace
  spb run --task "migrate the schema" --resume spb-4f9c21ab`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

// resolveSpec picks the workflow spec from --workflow or --preset.
func resolveSpec() (*orchestrator.WorkflowSpec, error) {
	if runWorkflow != "" {
		return orchestrator.LoadSpecFile(runWorkflow)
	}
	switch runPreset {
	case "scout-plan-build":
		spec := orchestrator.ScoutPlanBuildSpec()
		return &spec, nil
	case "sdlc":
		spec := orchestrator.SDLCSpec()
		return &spec, nil
	default:
		return nil, fmt.Errorf("unknown preset %q (available: scout-plan-build, sdlc)", runPreset)
	}
}

// newNamespace derives a fresh run namespace from a UUID.
func newNamespace() string {
	return "spb-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	spec, err := resolveSpec()
	if err != nil {
		return &exitError{code: exitValidation, err: err}
	}

	tel, err := setupTelemetry(ctx)
	if err != nil {
		logger.Warn(ctx, "telemetry unavailable, continuing without it", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tel.Shutdown(shutdownCtx)
		}()
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	validator, err := newValidator()
	if err != nil {
		return err
	}
	recoverer, err := newRecoveryManager(store)
	if err != nil {
		return err
	}
	reporter, err := report.New(cfg.Report, logger.Underlying())
	if err != nil {
		return err
	}
	scrubber := secrets.New(secrets.Config{
		Enabled:       cfg.Secrets.Enabled,
		AllowlistPath: cfg.Secrets.AllowlistPath,
	}, logger.Underlying())

	orch, err := orchestrator.New(orchestrator.Options{
		Store:     store,
		Validator: validator,
		Recovery:  recoverer,
		Runner:    orchestrator.NewRunner(""),
		Scrubber:  scrubber,
		Reporter:  reporter,
		Logger:    logger.Underlying(),
	})
	if err != nil {
		return err
	}

	req := orchestrator.RunRequest{
		Namespace: runResume,
		Task:      runTask,
		Resume:    runResume != "",
	}
	if req.Namespace == "" {
		req.Namespace = newNamespace()
	}

	result, err := orch.Run(ctx, *spec, req)
	if err != nil {
		return &exitError{code: exitValidation, err: err}
	}

	if err := printJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if result.Status == orchestrator.WorkflowFailed {
		return &exitError{
			code: exitPhaseFailed,
			err:  fmt.Errorf("workflow %s failed at phase %s", result.ID, result.FailedPhase),
		}
	}
	return nil
}

// setupTelemetry initializes the OTLP exporters from configuration.
func setupTelemetry(ctx context.Context) (*telemetry.Telemetry, error) {
	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Telemetry.Enabled
	telCfg.ServiceVersion = version
	if cfg.Telemetry.Endpoint != "" {
		telCfg.Endpoint = cfg.Telemetry.Endpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telCfg.Insecure = cfg.Telemetry.Insecure
	if cfg.Telemetry.SampleRatio > 0 {
		telCfg.Sampling.Rate = cfg.Telemetry.SampleRatio
	}
	return telemetry.New(ctx, telCfg)
}
