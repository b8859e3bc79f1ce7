package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arkaigrowth/scout-plan-build-sub003/internal/validate"
)

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.AddCommand(validatePathCmd)
	validateCmd.AddCommand(validateCommandCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "One-shot validator checks",
}

var validatePathCmd = &cobra.Command{
	Use:   "path <path>",
	Short: "Validate a repository-relative path against the allow-list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd, validate.KindPath, args[0])
	},
}

var validateCommandCmd = &cobra.Command{
	Use:   "command <command>",
	Short: "Validate a command line into an argument vector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd, validate.KindCommand, args[0])
	},
}

func runValidate(cmd *cobra.Command, kind validate.Kind, value string) error {
	validator, err := newValidator()
	if err != nil {
		return err
	}

	result := validator.Validate(kind, value)
	if err := printJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if !result.Valid {
		return &exitError{
			code: exitValidation,
			err:  fmt.Errorf("%s validation failed: %s", kind, result.Code),
		}
	}
	return nil
}
