package discovery

import (
	"context"
	"errors"
)

// Fallback levels, richest first.
const (
	LevelMemory     = 1
	LevelStructural = 2
	LevelListing    = 3
	LevelEmpty      = 4
)

// ErrExhausted indicates every strategy in the chain errored. The empty
// terminal level always succeeds, so this is only reachable through
// context cancellation.
var ErrExhausted = errors.New("discovery: all fallback levels exhausted")

// Result is the outcome of one discovery run.
type Result struct {
	// Level is the fallback level that produced the result, 1-4.
	Level int `json:"level"`

	// Strategy names the winning strategy.
	Strategy string `json:"strategy"`

	// Files is the sorted list of artifact paths, relative to the
	// universe root.
	Files []string `json:"files"`

	// Seed is the deterministic seed used for any sampling step, zero
	// when no sampling happened.
	Seed uint64 `json:"seed"`

	// DeterminismVerified reports whether a repeated run produced a
	// byte-identical file list. Only set when verification is enabled.
	DeterminismVerified bool `json:"determinism_verified"`
}

// Strategy is one level of the fallback chain. Discover returns a nil
// Result to signal a miss, handing the task to the next level.
type Strategy interface {
	// Name identifies the strategy in results and logs.
	Name() string

	// Level is the strategy's fallback level, 1-4.
	Level() int

	// Discover attempts to produce a result for a task description.
	Discover(ctx context.Context, task string) (*Result, error)
}
