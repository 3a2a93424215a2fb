package builder

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/magefile/mage/sh"
	"go.uber.org/zap/zapcore"

	"github.com/oshokin/seafreeze-dist/internal/logger"
)

// Runner executes an external command in dir and waits for it.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) error
}

// CommandError describes a failed external command.
type CommandError struct {
	// Command is the command line as it was run.
	Command string
	// ExitStatus is the exit code, 1 when the command could not be started.
	ExitStatus int
	// Ran is false when the command never started (missing interpreter, bad dir).
	Ran bool
	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *CommandError) Error() string {
	if !e.Ran {
		return fmt.Sprintf("run %q: %v", e.Command, e.Err)
	}

	return fmt.Sprintf("%q exited with status %d", e.Command, e.ExitStatus)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands as child processes and forwards their output to the logger from ctx.
type ExecRunner struct {
	// Env is appended to the inherited environment.
	Env []string
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, dir, name string, args ...string) error {
	stdout := logger.NewLineWriter(ctx, zapcore.InfoLevel)
	stderr := logger.NewLineWriter(ctx, zapcore.InfoLevel)

	defer func() {
		stdout.Flush()
		stderr.Flush()
	}()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	err := cmd.Run()
	if err == nil {
		return nil
	}

	// Report cancellation rather than the signal the child died from.
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = errors.Join(ctxErr, err)
	}

	var exitErr *exec.ExitError

	ran := errors.As(err, &exitErr) && sh.CmdRan(exitErr)

	status := 1
	if exitErr != nil {
		status = sh.ExitStatus(exitErr)
	}

	return &CommandError{
		Command:    commandLine(name, args),
		ExitStatus: status,
		Ran:        ran,
		Err:        err,
	}
}

func commandLine(name string, args []string) string {
	return strings.Join(append([]string{name}, args...), " ")
}
