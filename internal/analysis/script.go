package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/shlex"
	"github.com/kiranshivaraju/celljobs/internal/extract"
	"github.com/kiranshivaraju/celljobs/internal/joberr"
	"github.com/kiranshivaraju/celljobs/internal/runner"
	"github.com/kiranshivaraju/celljobs/pkg/models"
)

// Checkpoints shared by every script handler.
const (
	StepLoading        = "Loading data"
	StepCollecting     = "Collecting results"
	LoadingPercent     = 20
	PostProcessPercent = 80
)

// maxDetailStderr bounds how much stderr is copied into error_detail.
const maxDetailStderr = 4096

// ScriptOptions apply to every process a script handler starts.
type ScriptOptions struct {
	// Timeout bounds each invocation; zero leaves only the job's own limits.
	Timeout time.Duration
	// KillGrace is how long a stopped script has to exit after SIGTERM.
	KillGrace    time.Duration
	CaptureLimit int
	Env          []string
}

// Stage is one progress checkpoint.
type Stage struct {
	Percent int
	Step    string
}

// scriptHandler runs one external executable with the standard
// --input/--output contract plus kind-specific flags.
type scriptHandler struct {
	kind     string
	command  []string
	core     Stage
	post     Stage
	opts     ScriptOptions
	parse    func(raw json.RawMessage) (any, error)
	flags    func(params any) ([]string, error)
	fallback func(outputDir string) map[string]any
}

// SplitCommand splits a configured command line shell-style.
func SplitCommand(line string) ([]string, error) {
	parts, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", line, err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("parse command %q: %w", line, runner.ErrEmptyCommand)
	}
	return parts, nil
}

func (h *scriptHandler) Kind() string {
	return h.kind
}

func (h *scriptHandler) Params(raw json.RawMessage) (any, error) {
	return h.parse(raw)
}

func (h *scriptHandler) Execute(ctx context.Context, req Request) (*Result, error) {
	log := slog.With("job_id", req.Job.ID, "kind", h.kind)

	if err := req.Progress(ctx, LoadingPercent, StepLoading); err != nil {
		return nil, err
	}

	flags, err := h.flags(req.Params)
	if err != nil {
		return nil, joberr.New(joberr.KindValidation, err)
	}
	inv := h.invocation(req, flags)

	if err := req.Progress(ctx, h.core.Percent, h.core.Step); err != nil {
		return nil, err
	}

	log.Info("running analysis script", "command", inv.String())
	out := runner.Run(ctx, inv)
	if err := outcomeError(inv, out); err != nil {
		log.Warn("analysis script failed", "exit_code", out.ExitCode, "duration", out.Duration, "error", err)
		return nil, err
	}
	log.Info("analysis script finished", "duration", out.Duration)

	if err := req.Progress(ctx, h.post.Percent, h.post.Step); err != nil {
		return nil, err
	}

	return &Result{
		Summary: extract.ExtractOr(req.OutputDir, h.fallback(req.OutputDir)),
		Usage:   usageOf(out),
	}, nil
}

// invocation builds the command line: command, the I/O contract flags, then
// the kind's own flags. The same request always yields the same arguments.
func (h *scriptHandler) invocation(req Request, flags []string) runner.Invocation {
	args := make([]string, 0, len(h.command)+3+len(flags))
	args = append(args, h.command[1:]...)
	args = append(args, "--input", req.Job.InputPath, "--output", req.OutputDir)
	args = append(args, flags...)
	return runner.Invocation{
		Path:         h.command[0],
		Args:         args,
		Env:          h.opts.Env,
		LogDir:       req.OutputDir,
		Timeout:      h.opts.Timeout,
		KillGrace:    h.opts.KillGrace,
		CaptureLimit: h.opts.CaptureLimit,
	}
}

// outcomeError converts a failed Outcome into a classified error. It
// returns nil for a successful run.
func outcomeError(inv runner.Invocation, out runner.Outcome) error {
	switch {
	case out.Succeeded():
		return nil
	case out.StartErr != nil:
		return joberr.New(joberr.KindProcessExit, fmt.Errorf("start %s: %w", inv.Path, out.StartErr))
	case out.DeadlineExceeded:
		cause := out.Cause
		if cause == nil {
			cause = context.DeadlineExceeded
		}
		verb := "stopped"
		if out.Killed {
			verb = "killed"
		}
		return joberr.New(joberr.KindProcessTimeout,
			fmt.Errorf("%s %s after %s: %w%s", inv.Path, verb, out.Duration.Round(time.Second), cause, stderrSuffix(out)))
	case out.Cancelled:
		cause := out.Cause
		if cause == nil {
			cause = context.Canceled
		}
		return joberr.New(joberr.KindCancelled, fmt.Errorf("%s stopped: %w", inv.Path, cause))
	default:
		return joberr.New(joberr.KindProcessExit, &ExitError{
			Command:  inv.Path,
			ExitCode: out.ExitCode,
			Stderr:   clip(strings.TrimSpace(out.Stderr)),
		})
	}
}

// ExitError reports a script that ran and exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// AsExitError is a convenience around errors.As.
func AsExitError(err error) (*ExitError, bool) {
	var e *ExitError
	ok := errors.As(err, &e)
	return e, ok
}

func stderrSuffix(out runner.Outcome) string {
	s := strings.TrimSpace(out.Stderr)
	if s == "" {
		return ""
	}
	return ": " + clip(s)
}

// clip keeps the tail of s, where scripts usually print the actual error.
// The result is always valid UTF-8 so it can be stored in a TEXT column.
func clip(s string) string {
	if len(s) > maxDetailStderr {
		i := len(s) - maxDetailStderr
		for i < len(s) && !utf8.RuneStart(s[i]) {
			i++
		}
		s = "..." + s[i:]
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}

func usageOf(out runner.Outcome) models.ResourceUsage {
	return models.ResourceUsage{
		CPUSeconds:   out.CPUTime.Seconds(),
		PeakMemoryMB: float64(out.PeakRSS) / (1 << 20),
	}
}
