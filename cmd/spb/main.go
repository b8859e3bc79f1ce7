// Package main implements spb, the scout-plan-build workflow runner.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/arkaigrowth/scout-plan-build-sub003/internal/config"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/logging"
)

var (
	// version is set at build time via -ldflags.
	version = "dev"

	cfgPath string
	verbose bool

	cfg    *config.Config
	logger *logging.Logger
)

// Exit codes: 0 success, 1 validation or configuration failure, 2
// unrecoverable phase failure.
const (
	exitValidation  = 1
	exitPhaseFailed = 2
)

// exitError carries a specific process exit code out of a RunE handler.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	err := rootCmd.Execute()
	if logger != nil {
		_ = logger.Sync()
	}
	if err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitValidation)
	}
}

var rootCmd = &cobra.Command{
	Use:   "spb",
	Short: "Deterministic, checkpointed workflow runner",
	Long: `spb automates multi-phase development tasks (scout, plan, build) over
external commands. Every run is namespaced, checkpointed, and
self-recovering: failed phases are retried, rolled back, or degraded
according to their recovery policy, and interrupted namespaces can be
resumed.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadWithFile(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		logCfg := &logging.Config{Format: cfg.Logging.Format}
		if err := logCfg.Level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
		}
		if verbose {
			logCfg.Level = zapcore.DebugLevel
		}
		logger, err = logging.New(logCfg)
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "config file path (default: ~/.config/spb/config.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the spb version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "spb %s\n", version)
	},
}
