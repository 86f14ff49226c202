// Package executil wraps external process invocation so that services can be
// exercised in tests without touching the host.
package executil

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Runner executes external commands.
type Runner interface {
	// Run executes the command in dir (or the current directory when dir
	// is empty), streaming output to the parent's stdout/stderr.
	Run(ctx context.Context, dir string, name string, args ...string) error
	// Output executes the command and returns its stdout.
	Output(ctx context.Context, dir string, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Logger *slog.Logger
}

func (r *ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	r.debug(dir, name, args)
	if err := cmd.Run(); err != nil {
		return commandError(name, args, err)
	}
	return nil
}

func (r *ExecRunner) Output(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	r.debug(dir, name, args)
	if err := cmd.Run(); err != nil {
		return "", commandError(name, args, err)
	}
	return stdout.String(), nil
}

func (r *ExecRunner) debug(dir, name string, args []string) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("call", "command", CommandLine(name, args...), "dir", dir)
}

// CommandLine renders a command for logs and error messages.
func CommandLine(name string, args ...string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

func commandError(name string, args []string, err error) error {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("command %q failed with %d return code", CommandLine(name, args...), exitErr.ExitCode())
	}
	return fmt.Errorf("command %q failed: %w", CommandLine(name, args...), err)
}
