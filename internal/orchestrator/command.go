package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// CommandResult captures one execution of an external command.
type CommandResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
}

// CommandError reports a command that exited nonzero or hit its deadline.
// The recovery layer classifies it through the ExitCode and TimedOut
// accessors.
type CommandError struct {
	Argv   []string
	Result CommandResult
}

func (e *CommandError) Error() string {
	if e.Result.TimedOut {
		return fmt.Sprintf("command %s timed out after %s", e.Argv[0], e.Result.Duration)
	}
	return fmt.Sprintf("command %s exited with code %d", e.Argv[0], e.Result.ExitCode)
}

// ExitCode returns the command's exit status.
func (e *CommandError) ExitCode() int { return e.Result.ExitCode }

// TimedOut reports whether the command hit its deadline.
func (e *CommandError) TimedOut() bool { return e.Result.TimedOut }

// Runner executes an argument vector with a bounded timeout. A zero
// timeout means the caller's context is the only bound.
type Runner interface {
	Run(ctx context.Context, argv []string, timeout time.Duration) (CommandResult, error)
}

// execRunner runs commands through os/exec with separated output streams.
type execRunner struct {
	dir string
}

// NewRunner creates a Runner executing in the given working directory
// (empty means the process working directory).
func NewRunner(dir string) Runner {
	return &execRunner{dir: dir}
}

func (r *execRunner) Run(ctx context.Context, argv []string, timeout time.Duration) (CommandResult, error) {
	if len(argv) == 0 {
		return CommandResult{}, errors.New("empty argument vector")
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, &CommandError{Argv: argv, Result: result}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, &CommandError{Argv: argv, Result: result}
		}
		return result, fmt.Errorf("failed to run %s: %w", argv[0], err)
	}

	return result, nil
}

// ScriptStep is one scripted response for a command.
type ScriptStep struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool

	// Sleep delays the response, for deadline tests.
	Sleep time.Duration
}

// ScriptedRunner replays canned responses per command line, consuming one
// step per call; the last step repeats once the script is exhausted.
type ScriptedRunner struct {
	mu      sync.Mutex
	scripts map[string][]ScriptStep
	calls   []string
}

// NewScriptedRunner creates an empty scripted runner. Commands without a
// script succeed with empty output.
func NewScriptedRunner() *ScriptedRunner {
	return &ScriptedRunner{scripts: make(map[string][]ScriptStep)}
}

// Script registers the response sequence for a command line.
func (r *ScriptedRunner) Script(command string, steps ...ScriptStep) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[command] = steps
}

// Calls returns the executed command lines in order.
func (r *ScriptedRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns how many times the command line was executed.
func (r *ScriptedRunner) CallCount(command string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == command {
			n++
		}
	}
	return n
}

func (r *ScriptedRunner) Run(ctx context.Context, argv []string, timeout time.Duration) (CommandResult, error) {
	if len(argv) == 0 {
		return CommandResult{}, errors.New("empty argument vector")
	}
	command := strings.Join(argv, " ")

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r.mu.Lock()
	r.calls = append(r.calls, command)
	steps := r.scripts[command]
	var step ScriptStep
	if len(steps) > 0 {
		step = steps[0]
		if len(steps) > 1 {
			r.scripts[command] = steps[1:]
		}
	}
	r.mu.Unlock()

	if step.Sleep > 0 {
		select {
		case <-time.After(step.Sleep):
		case <-ctx.Done():
			result := CommandResult{TimedOut: true, ExitCode: -1}
			return result, &CommandError{Argv: argv, Result: result}
		}
	}

	result := CommandResult{
		Stdout:   step.Stdout,
		Stderr:   step.Stderr,
		ExitCode: step.ExitCode,
		TimedOut: step.TimedOut,
	}
	if step.TimedOut || step.ExitCode != 0 {
		return result, &CommandError{Argv: argv, Result: result}
	}
	return result, nil
}
