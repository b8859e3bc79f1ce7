package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/arkaigrowth/scout-plan-build-sub003/internal/recovery"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/state"
	"github.com/arkaigrowth/scout-plan-build-sub003/internal/validate"
)

// openStore builds the configured state store backend.
func openStore() (state.Store, error) {
	store, err := state.New(cfg.Store, logger.Underlying())
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return store, nil
}

// newValidator builds the validator from the configured allow-lists.
func newValidator() (*validate.Validator, error) {
	return validate.New(validate.Config{
		Root:                cfg.Validation.Root,
		AllowedPathPrefixes: cfg.Validation.AllowedPathPrefixes,
		AllowedCommands:     cfg.Validation.AllowedCommands,
	})
}

// newRecoveryManager builds the recovery manager over the given store.
func newRecoveryManager(store state.Store) (*recovery.Manager, error) {
	return recovery.New(recovery.Config{
		Policy: recovery.RetryPolicy{
			MaxAttempts:    cfg.Recovery.MaxAttempts,
			InitialBackoff: cfg.Recovery.InitialBackoff.Duration(),
			MaxBackoff:     cfg.Recovery.MaxBackoff.Duration(),
			Multiplier:     cfg.Recovery.BackoffMultiplier,
		},
		TimeoutScale: cfg.Recovery.TimeoutMultiplier,
	}, store, logger.Underlying())
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
