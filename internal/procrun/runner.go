// Package procrun executes external command-line tools (yt-dlp, ffmpeg) with an
// explicit argument vector and a wall-clock limit. Nothing here goes through a
// shell, so arguments are never re-quoted or interpreted.
package procrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"audiorelay/internal/shared"
	"audiorelay/internal/shared/types"
)

const defaultStderrLimit = 8 * 1024

const ioWaitDelay = 2 * time.Second

// ProcessError is returned for every failed invocation.
// Stderr is kept for logs only and must never be written to an HTTP client.
type ProcessError struct {
	Binary   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Err      error
}

func (e *ProcessError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%s: timed out", e.Binary)
	}
	msg := fmt.Sprintf("%s: exit code %d", e.Binary, e.ExitCode)
	if s := lastLine(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ProcessError) Unwrap() error {
	if e.TimedOut {
		return types.ErrProcessTimeout
	}
	return e.Err
}

// Runner is the seam strategies and the transcoder depend on.
type Runner interface {
	// Run executes binary to completion and returns its stdout.
	Run(ctx context.Context, binary string, args []string, timeout time.Duration) ([]byte, error)
	// Start spawns a long-running child whose stdout is consumed incrementally.
	// A non-nil stdin is copied to the child's standard input. Cancelling ctx
	// hard-kills the child.
	Start(ctx context.Context, binary string, args []string, stdin io.Reader) (*Process, error)
}

// ExecRunner is the os/exec backed Runner.
type ExecRunner struct {
	// Env is appended to the parent environment.
	Env         []string
	StderrLimit int
}

var _ Runner = (*ExecRunner)(nil)

// NewExecRunner creates an ExecRunner with default limits.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{StderrLimit: defaultStderrLimit}
}

func (r *ExecRunner) command(ctx context.Context, binary string, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, binary, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	configureProcessGroup(cmd)
	// Bounds Wait when an I/O copy outlives the child.
	cmd.WaitDelay = ioWaitDelay
	return cmd
}

func (r *ExecRunner) stderrLimit() int {
	if r.StderrLimit > 0 {
		return r.StderrLimit
	}
	return defaultStderrLimit
}

// Run implements Runner. A non-positive timeout means only ctx bounds the call.
func (r *ExecRunner) Run(ctx context.Context, binary string, args []string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout bytes.Buffer
	stderr := shared.NewTailBuffer(r.stderrLimit())
	cmd := r.command(ctx, binary, args)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return nil, newProcessError(ctx, binary, stderr.String(), err)
	}
	return stdout.Bytes(), nil
}

// Start implements Runner.
func (r *ExecRunner) Start(ctx context.Context, binary string, args []string, stdin io.Reader) (*Process, error) {
	stderr := shared.NewTailBuffer(r.stderrLimit())
	cmd := r.command(ctx, binary, args)
	cmd.Stderr = stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, newProcessError(ctx, binary, stderr.String(), err)
	}
	return &Process{ctx: ctx, cmd: cmd, binary: binary, Stdout: stdout, stderr: stderr}, nil
}

// Process is a running child started by Runner.Start.
type Process struct {
	ctx    context.Context
	cmd    *exec.Cmd
	binary string
	stderr *shared.TailBuffer

	// Stdout must be drained before Wait is called.
	Stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Kill terminates the child (and its process group where supported) immediately.
func (p *Process) Kill() error {
	return killProcessGroup(p.cmd)
}

// Wait reaps the child. It is safe to call more than once.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			p.waitErr = newProcessError(p.ctx, p.binary, p.stderr.String(), err)
		}
	})
	return p.waitErr
}

// Stderr returns the retained tail of the child's stderr.
func (p *Process) Stderr() string {
	return p.stderr.String()
}

func newProcessError(ctx context.Context, binary, stderr string, err error) *ProcessError {
	pe := &ProcessError{
		Binary:   filepath.Base(binary),
		Stderr:   stderr,
		ExitCode: -1,
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		pe.ExitCode = exitErr.ExitCode()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		pe.TimedOut = true
	}
	return pe
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
