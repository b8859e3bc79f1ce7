package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arkaigrowth/scout-plan-build-sub003/internal/state"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/validate"
)

var (
	stateNamespace string
	stateKey       string
)

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateGetCmd)
	stateCmd.AddCommand(stateSetCmd)
	stateCmd.AddCommand(stateKeysCmd)

	stateCmd.PersistentFlags().StringVar(&stateNamespace, "namespace", "", "workflow namespace (required)")
	_ = stateCmd.MarkPersistentFlagRequired("namespace")

	stateGetCmd.Flags().StringVar(&stateKey, "key", "", "entry key (required)")
	_ = stateGetCmd.MarkFlagRequired("key")
	stateSetCmd.Flags().StringVar(&stateKey, "key", "", "entry key (required)")
	_ = stateSetCmd.MarkFlagRequired("key")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Raw access to namespaced workflow state",
}

var stateGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the value stored under a key",
	Args:  cobra.NoArgs,
	RunE:  runStateGet,
}

var stateSetCmd = &cobra.Command{
	Use:   "set [value]",
	Short: "Store a value under a key",
	Long: `Store a value under a key. Values that parse as JSON are stored
structurally; anything else is stored as a string.`,
	Args: cobra.ExactArgs(1),
	RunE: runStateSet,
}

var stateKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the keys in a namespace",
	Args:  cobra.NoArgs,
	RunE:  runStateKeys,
}

func runStateGet(cmd *cobra.Command, args []string) error {
	if err := validate.ValidateIdentifier(stateNamespace); err != nil {
		return &exitError{code: exitValidation, err: err}
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var value json.RawMessage
	if err := store.Load(cmd.Context(), stateNamespace, stateKey, &value); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return &exitError{code: exitValidation,
				err: fmt.Errorf("key %q not found in namespace %s", stateKey, stateNamespace)}
		}
		return err
	}
	return printJSON(cmd.OutOrStdout(), value)
}

func runStateSet(cmd *cobra.Command, args []string) error {
	if err := validate.ValidateIdentifier(stateNamespace); err != nil {
		return &exitError{code: exitValidation, err: err}
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	raw := []byte(args[0])
	var value any
	if json.Valid(raw) {
		value = json.RawMessage(raw)
	} else {
		value = args[0]
	}

	if err := store.Save(cmd.Context(), stateNamespace, stateKey, value); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "saved %s in %s\n", stateKey, stateNamespace)
	return nil
}

func runStateKeys(cmd *cobra.Command, args []string) error {
	if err := validate.ValidateIdentifier(stateNamespace); err != nil {
		return &exitError{code: exitValidation, err: err}
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	keys, err := store.Keys(cmd.Context(), stateNamespace)
	if err != nil {
		return err
	}
	for _, key := range keys {
		fmt.Fprintln(cmd.OutOrStdout(), key)
	}
	return nil
}
