// Package ledger is the durable record of analysis jobs. Every mutation goes
// through Commit, which validates the delta against the job state machine
// while holding the row, so concurrent writers serialize and terminal jobs
// can never be overwritten.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/celljobs/pkg/models"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrConflict = errors.New("job state conflict")
	// ErrTerminal is returned for any delta against a completed, failed or
	// cancelled job. It wraps ErrConflict.
	ErrTerminal = fmt.Errorf("%w: job is terminal", ErrConflict)
)

// Ledger is the data access interface for jobs. Implementations must be safe
// for concurrent use and must apply Commit atomically per job.
type Ledger interface {
	Ping(ctx context.Context) error
	// Insert stores a new pending job and returns it with ID and SubmittedAt assigned.
	Insert(ctx context.Context, job *models.Job) (*models.Job, error)
	Load(ctx context.Context, id int64) (*models.Job, error)
	Commit(ctx context.Context, id int64, d Delta) (*models.Job, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]*models.Job, error)
}

// Step labels written by the ledger itself.
const (
	StepStarting  = "Starting"
	StepCompleted = "Completed"
)

// Delta is a field-level change to one job. Zero-valued fields are left untouched.
type Delta struct {
	Status          string
	ProgressPercent *int
	CurrentStep     string
	OutputLocation  string
	ResultSummary   map[string]any
	ErrorKind       string
	ErrorDetail     string
	ArtifactURI     string
	Usage           *models.ResourceUsage
}

type DeltaOption func(*Delta)

func WithOutputLocation(path string) DeltaOption {
	return func(d *Delta) {
		d.OutputLocation = path
	}
}

func WithArtifactURI(uri string) DeltaOption {
	return func(d *Delta) {
		d.ArtifactURI = uri
	}
}

func WithUsage(u models.ResourceUsage) DeltaOption {
	return func(d *Delta) {
		d.Usage = &u
	}
}

func build(d Delta, opts []DeltaOption) Delta {
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// Start moves a pending job to running.
func Start(opts ...DeltaOption) Delta {
	return build(Delta{Status: models.JobStatusRunning}, opts)
}

// Checkpoint records progress on a running job.
func Checkpoint(percent int, step string, opts ...DeltaOption) Delta {
	return build(Delta{ProgressPercent: &percent, CurrentStep: step}, opts)
}

// Complete marks a running job completed with its result summary.
func Complete(summary map[string]any, opts ...DeltaOption) Delta {
	return build(Delta{Status: models.JobStatusCompleted, ResultSummary: summary}, opts)
}

// Fail marks a running job failed. Invalid UTF-8 in detail is replaced
// because Postgres rejects it in TEXT columns.
func Fail(kind, detail string, opts ...DeltaOption) Delta {
	return build(Delta{Status: models.JobStatusFailed, ErrorKind: kind, ErrorDetail: validText(detail)}, opts)
}

// Cancel marks a pending or running job cancelled.
func Cancel(detail string) Delta {
	return Delta{Status: models.JobStatusCancelled, ErrorKind: "cancelled", ErrorDetail: validText(detail)}
}

func validText(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

var validTransitions = map[string][]string{
	models.JobStatusPending: {models.JobStatusRunning, models.JobStatusCancelled},
	models.JobStatusRunning: {models.JobStatusRunning, models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
}

func transitionAllowed(from, to string) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Apply validates d against job and returns the updated copy. job is not
// modified. now is the commit time; recorded timestamps are kept strictly
// increasing even when the clock does not advance between commits.
func (d Delta) Apply(job *models.Job, now time.Time) (*models.Job, error) {
	if job.IsTerminal() {
		return nil, fmt.Errorf("%w: job %d is %s", ErrTerminal, job.ID, job.Status)
	}

	if d.Status == models.JobStatusRunning && job.Status == models.JobStatusRunning {
		return nil, fmt.Errorf("%w: job %d is already running", ErrConflict, job.ID)
	}
	target := d.Status
	if target == "" {
		target = job.Status
	}
	if !transitionAllowed(job.Status, target) {
		return nil, fmt.Errorf("%w: invalid status transition %s -> %s", ErrConflict, job.Status, target)
	}

	next := job.Clone()
	now = now.UTC()
	next.Status = target
	next.UpdatedAt = now

	if d.OutputLocation != "" {
		if target != models.JobStatusRunning {
			return nil, fmt.Errorf("%w: output location can only be set while running", ErrConflict)
		}
		if next.OutputLocation != "" && next.OutputLocation != d.OutputLocation {
			return nil, fmt.Errorf("%w: output location already set to %q", ErrConflict, next.OutputLocation)
		}
		next.OutputLocation = d.OutputLocation
	}

	switch {
	case job.Status == models.JobStatusPending && target == models.JobStatusRunning:
		started := strictlyAfter(now, job.SubmittedAt)
		next.StartedAt = &started
		next.ProgressPercent = 0
		next.CurrentStep = StepStarting
		if d.CurrentStep != "" {
			next.CurrentStep = d.CurrentStep
		}

	case target == models.JobStatusRunning:
		if err := d.applyProgress(next); err != nil {
			return nil, err
		}

	case target == models.JobStatusCompleted:
		if len(d.ResultSummary) == 0 {
			return nil, fmt.Errorf("%w: completed job requires a result summary", ErrConflict)
		}
		if d.ErrorDetail != "" {
			return nil, fmt.Errorf("%w: completed job cannot carry an error", ErrConflict)
		}
		started := startedAt(job)
		completed := strictlyAfter(now, started)
		next.CompletedAt = &completed
		next.ProgressPercent = 100
		next.CurrentStep = StepCompleted
		next.ResultSummary = cloneMap(d.ResultSummary)
		next.ErrorKind = ""
		next.ErrorDetail = ""
		if d.ArtifactURI != "" {
			next.ArtifactURI = d.ArtifactURI
		}
		if d.Usage != nil {
			next.Usage = *d.Usage
		}
		next.Usage.ElapsedSeconds = completed.Sub(started).Seconds()

	case target == models.JobStatusFailed || target == models.JobStatusCancelled:
		if d.ErrorDetail == "" {
			return nil, fmt.Errorf("%w: %s job requires an error detail", ErrConflict, target)
		}
		if len(d.ResultSummary) > 0 {
			return nil, fmt.Errorf("%w: %s job cannot carry a result summary", ErrConflict, target)
		}
		after := job.SubmittedAt
		if job.StartedAt != nil {
			after = *job.StartedAt
		}
		completed := strictlyAfter(now, after)
		next.CompletedAt = &completed
		next.ResultSummary = nil
		next.ErrorKind = d.ErrorKind
		if next.ErrorKind == "" {
			next.ErrorKind = "internal"
		}
		next.ErrorDetail = d.ErrorDetail
		if d.CurrentStep != "" {
			next.CurrentStep = d.CurrentStep
		}
		if job.StartedAt != nil {
			if d.Usage != nil {
				next.Usage = *d.Usage
			}
			next.Usage.ElapsedSeconds = completed.Sub(*job.StartedAt).Seconds()
		}
	}

	return next, nil
}

func (d Delta) applyProgress(next *models.Job) error {
	if d.ProgressPercent != nil {
		p := *d.ProgressPercent
		if p < 0 || p >= 100 {
			return fmt.Errorf("%w: progress %d out of range for a running job", ErrConflict, p)
		}
		if p < next.ProgressPercent {
			return fmt.Errorf("%w: progress cannot move backwards from %d to %d", ErrConflict, next.ProgressPercent, p)
		}
		next.ProgressPercent = p
	}
	if d.CurrentStep != "" {
		next.CurrentStep = d.CurrentStep
	}
	if d.ResultSummary != nil || d.ErrorDetail != "" {
		return fmt.Errorf("%w: results are only recorded on terminal transitions", ErrConflict)
	}
	return nil
}

func startedAt(job *models.Job) time.Time {
	if job.StartedAt != nil {
		return *job.StartedAt
	}
	return job.SubmittedAt
}

// strictlyAfter returns t, or prev plus one microsecond when t does not come
// after prev. Postgres keeps microsecond precision.
func strictlyAfter(t, prev time.Time) time.Time {
	t = t.Truncate(time.Microsecond)
	if t.After(prev) {
		return t
	}
	return prev.Add(time.Microsecond).Truncate(time.Microsecond)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
