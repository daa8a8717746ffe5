// Package runner starts the external processes relpack drives (the build and
// the signing tool) and reports their exit status as typed errors.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	pkgerrors "github.com/pkg/errors"
)

// Command is one external process invocation.
type Command struct {
	Path string
	Args []string
	// Dir is the working directory; the project root for every relpack call.
	Dir string
	// Env is appended to the parent environment.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Runner runs a command to completion.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// ExitError reports a process that ran and exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// StartError reports a process that could not be started.
type StartError struct {
	Path string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Path, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// ExitCode extracts the exit code from err. ok is false when err is not an
// ExitError.
func ExitCode(err error) (code int, ok bool) {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code, true
	}
	return 0, false
}

// IsStartFailure reports whether err means the process never ran.
func IsStartFailure(err error) bool {
	var se *StartError
	return errors.As(err, &se)
}

// Exec runs commands with os/exec.
type Exec struct {
	// Environ returns the parent environment; nil means os.Environ via exec's default.
	Environ func() []string
}

func (r Exec) Run(ctx context.Context, c Command) error {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		base := cmd.Environ()
		if r.Environ != nil {
			base = r.Environ()
		}
		cmd.Env = append(base, c.Env...)
	}
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	if err := cmd.Start(); err != nil {
		return &StartError{Path: c.Path, Err: err}
	}
	err := cmd.Wait()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return pkgerrors.Wrapf(ctxErr, "%s interrupted", c.Path)
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		code := ee.ExitCode()
		if code < 0 {
			return pkgerrors.Wrapf(err, "%s terminated by signal", c.Path)
		}
		return pkgerrors.Wrap(&ExitError{Code: code}, c.Path)
	}
	return pkgerrors.Wrapf(err, "wait for %s", c.Path)
}
