// Package subprocess runs the external tools the worker depends on (ffmpeg,
// ffprobe, yt-dlp, the face-crop helper) with bounded output capture and
// deadline enforcement.
package subprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// TailLimit bounds how much of a child's stderr/stdout we keep. Encoders can
// be extremely verbose and we only ever need the tail for error reporting.
const TailLimit = 4096

// Tail is an io.Writer that keeps only the last TailLimit bytes written to
// it.
type Tail struct {
	mu  sync.Mutex
	buf []byte
}

func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if overflow := len(t.buf) - TailLimit; overflow > 0 {
		t.buf = t.buf[overflow:]
	}
	return len(p), nil
}

func (t *Tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// Result describes a finished child process.
type Result struct {
	ExitCode   int
	Signal     string
	StderrTail string
	StdoutTail string
}

// SpawnError means the child never started (binary missing, permissions).
// Distinct from a child that started and exited non-zero.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %s", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError means the child ran and exited non-zero or was signaled.
type ExitError struct {
	Label  string
	Result Result
}

func (e *ExitError) Error() string {
	if e.Result.Signal != "" {
		return fmt.Sprintf("%s killed by signal %s: %s", e.Label, e.Result.Signal, e.Result.StderrTail)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Label, e.Result.ExitCode, e.Result.StderrTail)
}

// TimeoutError means the step's deadline expired and the child was killed.
type TimeoutError struct {
	Label string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("TIMEOUT waiting for %s", e.Label)
}

// Run spawns a child process and waits for it to finish. The context
// deadline applies to the whole invocation; on expiry the child receives a
// kill signal and the error reports a timeout labeled with the step.
func Run(ctx context.Context, label, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &Tail{}
	stdout := &Tail{}
	cmd.Stderr = stderr
	cmd.Stdout = stdout

	if err := cmd.Start(); err != nil {
		return Result{}, &SpawnError{Name: name, Err: err}
	}

	waitErr := cmd.Wait()
	res := collectResult(cmd, stderr, stdout)

	if ctx.Err() != nil {
		return res, &TimeoutError{Label: label}
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, &ExitError{Label: label, Result: res}
		}
		return res, fmt.Errorf("%s wait failed: %w", label, waitErr)
	}
	return res, nil
}

func collectResult(cmd *exec.Cmd, stderr, stdout *Tail) Result {
	res := Result{
		StderrTail: stderr.String(),
		StdoutTail: stdout.String(),
	}
	if ps := cmd.ProcessState; ps != nil {
		res.ExitCode = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = ws.Signal().String()
		}
	}
	return res
}

// Command is a child process driven as a streaming sink: the caller owns its
// stdin and writes into it with the kernel pipe providing backpressure. Used
// by the export frame loop to feed the encoder.
type Command struct {
	label  string
	cmd    *exec.Cmd
	stderr *Tail

	Stdin io.WriteCloser

	waitDone chan struct{}
	waitErr  error
}

// StartWithStdin spawns a child whose stdin is handed to the caller. Wait or
// Kill must eventually be called to reap it.
func StartWithStdin(ctx context.Context, label, name string, args ...string) (*Command, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &Tail{}
	cmd.Stderr = stderr
	cmd.Stdout = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Name: name, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Name: name, Err: err}
	}

	c := &Command{
		label:    label,
		cmd:      cmd,
		stderr:   stderr,
		Stdin:    stdin,
		waitDone: make(chan struct{}),
	}
	go func() {
		c.waitErr = cmd.Wait()
		close(c.waitDone)
	}()
	return c, nil
}

// Exited reports whether the child has already terminated, without blocking.
func (c *Command) Exited() bool {
	select {
	case <-c.waitDone:
		return true
	default:
		return false
	}
}

// Wait blocks until the child exits and returns an ExitError on non-zero
// exit. Safe to call more than once.
func (c *Command) Wait() error {
	<-c.waitDone
	if c.waitErr == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(c.waitErr, &exitErr) {
		return &ExitError{Label: c.label, Result: collectResult(c.cmd, c.stderr, c.stderr)}
	}
	return fmt.Errorf("%s wait failed: %w", c.label, c.waitErr)
}

// Kill closes stdin and force-kills the child. Errors are ignored as the
// process may already have exited.
func (c *Command) Kill() {
	_ = c.Stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	<-c.waitDone
}

func (c *Command) StderrTail() string {
	return c.stderr.String()
}
