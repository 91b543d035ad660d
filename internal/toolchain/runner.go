// Package toolchain invokes the external preparation tools and docking engine.
//
// Every invocation is an argument vector (never a shell string) with its own
// working directory and timeout. A nonzero exit is reported as *FailedError so
// the caller decides whether it is a ligand failure or a job failure.
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

var (
	// ErrToolFailed 外部程式以非零狀態結束或無法啟動
	ErrToolFailed = errors.New("tool failed")
	// ErrToolTimeout 外部程式超過時間預算被終止
	ErrToolTimeout = errors.New("tool timed out")
)

// maxStderrTail bounds how much stderr is carried inside FailedError.
const maxStderrTail = 64 * 1024

// killWait is how long Wait keeps reading pipes after the process was killed.
const killWait = 2 * time.Second

// Invocation describes one external process run.
type Invocation struct {
	Executable string
	Args       []string
	Dir        string
	Timeout    time.Duration
}

// Output is what the process left behind.
type Output struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// FailedError carries the exit code and stderr of a failed invocation.
type FailedError struct {
	Executable string
	ExitCode   int
	Stderr     string
	Cause      error
}

func (e *FailedError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Executable, e.ExitCode)
	if e.Cause != nil && e.ExitCode < 0 {
		msg = fmt.Sprintf("%s: %v", e.Executable, e.Cause)
	}
	if e.Stderr != "" {
		msg += ": " + lastLine(e.Stderr)
	}
	return msg
}

func (e *FailedError) Is(target error) bool { return target == ErrToolFailed }

func (e *FailedError) Unwrap() error { return e.Cause }

// Runner runs external executables.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Output, error)
}

// ExecRunner is the os/exec backed Runner.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner returns a Runner that spawns real processes.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger}
}

// Run executes inv and waits for it, killing the process if inv.Timeout elapses.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (Output, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if inv.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, inv.Executable, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = killWait

	start := time.Now()
	err := cmd.Run()
	out := Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		ExitCode: exitCode(cmd, err),
	}

	r.logger.Debug("tool finished",
		"tool", inv.Executable,
		"exit_code", out.ExitCode,
		"duration", out.Duration)

	switch {
	case err == nil:
		return out, nil
	case ctx.Err() != nil:
		return out, ctx.Err()
	case runCtx.Err() == context.DeadlineExceeded:
		return out, fmt.Errorf("%w: %s after %s", ErrToolTimeout, inv.Executable, inv.Timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, &FailedError{
			Executable: inv.Executable,
			ExitCode:   out.ExitCode,
			Stderr:     tail(out.Stderr, maxStderrTail),
		}
	}
	return out, &FailedError{Executable: inv.Executable, ExitCode: -1, Cause: err}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n\t ")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
