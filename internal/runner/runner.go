// Package runner executes external tools synchronously and reports their
// exit status.
package runner

import (
	"context"
	"errors"
	"io"
	"os/exec"
)

// ExitNotFound is the status reported when the executable cannot be started,
// following the shell convention.
const ExitNotFound = 127

// Runner abstracts external process execution.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (int, error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

// Run starts name with args, waits for it and returns its exit status.
// A non-nil error accompanies every non-zero status.
func (ExecRunner) Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// killed by a signal, e.g. context cancellation
			code = 1
		}
		return code, err
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return ExitNotFound, err
	}
	return 1, err
}
