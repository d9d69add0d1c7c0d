package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// CommandSpec describes one subprocess invocation.
type CommandSpec struct {
	Path string
	Args []string
	Dir  string
}

// CommandResult carries the exit code and captured streams of a finished
// subprocess.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CommandRunner abstracts subprocess execution so tests can substitute a
// fake binary.
type CommandRunner interface {
	Run(ctx context.Context, spec CommandSpec) (CommandResult, error)
}

type execCommandRunner struct{}

// Run executes the command and waits for it. A non-zero exit is not an
// error here; it is reported through ExitCode so callers can relay it.
func (execCommandRunner) Run(ctx context.Context, spec CommandSpec) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("start crawler process: %w", err)
	}
	return result, nil
}
