package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arkaigrowth/scout-plan-build-sub003/internal/discovery"
)

var (
	discoverTask   string
	discoverRoot   string
	discoverRecord bool
)

func init() {
	rootCmd.AddCommand(discoverCmd)

	discoverCmd.Flags().StringVar(&discoverTask, "task", "", "task description (required)")
	discoverCmd.Flags().StringVar(&discoverRoot, "root", "", "artifact universe root (default: configured root or current directory)")
	discoverCmd.Flags().BoolVar(&discoverRecord, "record", false, "store the result in discovery memory for future similar tasks")
	_ = discoverCmd.MarkFlagRequired("task")
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run the context discovery chain for a task",
	Long: `Run the four-level discovery chain (memory, structural, listing, empty)
and print the winning result as JSON. The chain always terminates: when
no level finds relevant artifacts, the result is a valid empty set.`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

func runDiscover(cmd *cobra.Command, args []string) error {
	root := discoverRoot
	if root == "" {
		root = cfg.Discovery.Root
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
		root = wd
	}

	svc, err := discovery.New(discovery.Config{
		Root:                root,
		MaxFiles:            cfg.Discovery.MaxFiles,
		ConfidenceThreshold: cfg.Discovery.ConfidenceThreshold,
		MemoryPath:          cfg.Discovery.MemoryPath,
		VerifyDeterminism:   cfg.Discovery.VerifyDeterminism,
		Watch:               cfg.Discovery.Watch,
	}, logger.Underlying())
	if err != nil {
		return fmt.Errorf("failed to build discovery service: %w", err)
	}
	defer func() { _ = svc.Close() }()

	result, err := svc.Discover(cmd.Context(), discoverTask)
	if err != nil {
		return err
	}

	if discoverRecord && len(result.Files) > 0 {
		if err := svc.Record(cmd.Context(), discoverTask, result.Files, result.Level); err != nil {
			return fmt.Errorf("failed to record discovery: %w", err)
		}
	}
	return printJSON(cmd.OutOrStdout(), result)
}
