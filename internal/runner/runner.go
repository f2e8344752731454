// Package runner supervises one external analysis process at a time.
//
// A script failure is never returned as a Go error: Run always yields an
// Outcome and callers decide what a non-zero exit, a deadline or a
// cancellation means for the job.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// ErrEmptyCommand is reported as Outcome.StartErr when no executable is given.
var ErrEmptyCommand = errors.New("empty command")

const (
	DefaultCaptureLimit = 1 << 20

	StdoutLog = "stdout.log"
	StderrLog = "stderr.log"

	// waitDelay bounds how long Wait keeps reading pipes held open by
	// orphaned grandchildren after the process group was killed.
	waitDelay = 5 * time.Second
)

// Invocation describes one process to run.
type Invocation struct {
	Path string
	Args []string
	// Env is appended to the worker's environment.
	Env []string
	Dir string
	// LogDir, when set, receives stdout.log and stderr.log with the full
	// untruncated output. Files are appended to across invocations.
	LogDir string
	// Timeout is applied on top of any deadline already carried by ctx.
	Timeout time.Duration
	// KillGrace is how long the process group has to exit after SIGTERM
	// before it is sent SIGKILL. Zero kills at once.
	KillGrace time.Duration
	// CaptureLimit bounds the in-memory copy of each stream.
	CaptureLimit int
}

// String renders the command line for logs and error details.
func (inv Invocation) String() string {
	s := inv.Path
	for _, a := range inv.Args {
		s += " " + a
	}
	return s
}

// Outcome is the result of one supervised process.
type Outcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// Truncated is set when either stream exceeded the capture limit.
	Truncated bool

	Started  time.Time
	Stopped  time.Time
	Duration time.Duration

	// DeadlineExceeded is set when the process was killed because the
	// context deadline passed; Cause carries the context cause.
	DeadlineExceeded bool
	// Cancelled is set when the process was killed because the context was cancelled.
	Cancelled bool
	Cause     error
	// Killed is set when the process group had to be sent SIGKILL.
	Killed bool

	// StartErr is set when the process never ran.
	StartErr error

	CPUTime time.Duration
	// PeakRSS is the maximum resident set size in bytes, 0 when unknown.
	PeakRSS int64
}

// Succeeded reports whether the process ran to completion and exited 0.
func (o Outcome) Succeeded() bool {
	return o.StartErr == nil && !o.DeadlineExceeded && !o.Cancelled && o.ExitCode == 0
}

// Run starts the process, waits for it, and reports what happened. On
// deadline or cancellation the whole process group is stopped, gracefully
// when inv.KillGrace is set.
func Run(ctx context.Context, inv Invocation) Outcome {
	out := Outcome{ExitCode: -1, Started: time.Now().UTC()}
	defer func() {
		out.Stopped = time.Now().UTC()
		out.Duration = out.Stopped.Sub(out.Started)
	}()

	if inv.Path == "" {
		out.StartErr = ErrEmptyCommand
		return out
	}

	limit := inv.CaptureLimit
	if limit <= 0 {
		limit = DefaultCaptureLimit
	}
	stdout := newTailBuffer(limit)
	stderr := newTailBuffer(limit)

	var stdoutW, stderrW io.Writer = stdout, stderr
	if inv.LogDir != "" {
		stdoutLog, err := openLog(filepath.Join(inv.LogDir, StdoutLog))
		if err != nil {
			out.StartErr = err
			return out
		}
		defer stdoutLog.Close()
		stderrLog, err := openLog(filepath.Join(inv.LogDir, StderrLog))
		if err != nil {
			out.StartErr = err
			return out
		}
		defer stderrLog.Close()
		stdoutW = io.MultiWriter(stdout, stdoutLog)
		stderrW = io.MultiWriter(stderr, stderrLog)
	}

	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	stop := newStopper(cmd, inv.KillGrace)

	slog.Debug("starting process", "command", inv.String())
	if err := cmd.Start(); err != nil {
		out.StartErr = err
		return out
	}

	waitErr := cmd.Wait()
	out.Killed = stop.done()

	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	out.Truncated = stdout.Truncated() || stderr.Truncated()

	if state := cmd.ProcessState; state != nil {
		out.ExitCode = state.ExitCode()
		out.CPUTime = state.UserTime() + state.SystemTime()
		out.PeakRSS = peakRSS(state)
	}

	if waitErr == nil {
		return out
	}

	if ctxErr := runCtx.Err(); ctxErr != nil {
		out.Cause = context.Cause(runCtx)
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			out.DeadlineExceeded = true
		} else {
			out.Cancelled = true
		}
		return out
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) && out.ExitCode == 0 {
		// I/O failure after a clean exit, e.g. WaitDelay expiry.
		slog.Warn("process wait failed after clean exit", "command", inv.String(), "error", waitErr)
	}
	return out
}

func openLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open process log: %w", err)
	}
	return f, nil
}
