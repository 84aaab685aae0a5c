// Package exec abstracts external command execution so that services which
// shell out to git can be driven by a mock in tests.
package exec

import (
	"bytes"
	"context"
	"errors"
	"os"
	osexec "os/exec"
	"strconv"
)

// CommandExecutor runs external commands in a working directory.
type CommandExecutor interface {
	// Run executes the command and returns stdout and stderr separately.
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr []byte, err error)
	// Output executes the command and returns stdout.
	Output(ctx context.Context, dir, name string, args ...string) ([]byte, error)
	// CombinedOutput executes the command and returns stdout and stderr interleaved.
	CombinedOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExitError is returned by executors when a command ran but exited non-zero.
type ExitError struct {
	Code   int
	Stderr []byte
}

func (e *ExitError) Error() string {
	if len(e.Stderr) > 0 {
		return "exit status " + strconv.Itoa(e.Code) + ": " + string(bytes.TrimSpace(e.Stderr))
	}
	return "exit status " + strconv.Itoa(e.Code)
}

// ExitCode returns the process exit code.
func (e *ExitError) ExitCode() int {
	return e.Code
}

// ExitCode extracts the exit code from an error returned by an executor.
// Returns -1 if err does not carry an exit code (e.g. the binary was not found).
func ExitCode(err error) int {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return -1
}

// RealExecutor runs commands with os/exec.
type RealExecutor struct {
	env []string
}

// Option configures a RealExecutor.
type Option func(*RealExecutor)

// WithEnv appends KEY=VALUE pairs to the environment of every command.
func WithEnv(kv ...string) Option {
	return func(e *RealExecutor) { e.env = append(e.env, kv...) }
}

// NewRealExecutor creates an executor that runs real processes.
func NewRealExecutor(opts ...Option) *RealExecutor {
	e := &RealExecutor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *RealExecutor) command(ctx context.Context, dir, name string, args ...string) *osexec.Cmd {
	cmd := osexec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(e.env) > 0 {
		cmd.Env = append(os.Environ(), e.env...)
	}
	return cmd
}

// Run implements CommandExecutor.
func (e *RealExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := e.command(ctx, dir, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), wrapExit(err, stderr.Bytes())
}

// Output implements CommandExecutor.
func (e *RealExecutor) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	stdout, _, err := e.Run(ctx, dir, name, args...)
	return stdout, err
}

// CombinedOutput implements CommandExecutor.
func (e *RealExecutor) CombinedOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := e.command(ctx, dir, name, args...)
	out, err := cmd.CombinedOutput()
	return out, wrapExit(err, nil)
}

func wrapExit(err error, stderr []byte) error {
	if err == nil {
		return nil
	}
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Stderr: stderr}
	}
	return err
}
