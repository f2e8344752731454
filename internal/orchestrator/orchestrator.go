package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kiranshivaraju/celljobs/internal/analysis"
	"github.com/kiranshivaraju/celljobs/internal/cache"
	"github.com/kiranshivaraju/celljobs/internal/joberr"
	"github.com/kiranshivaraju/celljobs/internal/ledger"
	"github.com/kiranshivaraju/celljobs/pkg/models"
)

var (
	// ErrNotAdmitted is returned when the job is not pending, typically
	// because another attempt already started it. Nothing was changed.
	ErrNotAdmitted   = errors.New("job not admitted")
	ErrSoftTimeLimit = errors.New("soft time limit exceeded")
	ErrHardTimeLimit = errors.New("hard time limit exceeded")
	// ErrAborted is the cancellation cause used by Abort.
	ErrAborted = errors.New("job cancelled")
	// ErrLeaseLost stops an attempt whose worker no longer holds the job's
	// lease. The job is recorded as orphaned.
	ErrLeaseLost = errors.New("job lease lost")
)

// Step labels and percentages committed by the orchestrator itself.
const (
	StepInitializing    = "Initializing"
	InitializingPercent = 10
)

// finishTimeout bounds the terminal commit, which runs even after the
// attempt context was cancelled.
const finishTimeout = 30 * time.Second

// Router resolves a job kind to its handler.
type Router interface {
	Resolve(kind string) (analysis.Handler, error)
}

// StatusMirror receives a snapshot after every successful commit.
type StatusMirror interface {
	SetJobStatus(ctx context.Context, jobID int64, snap cache.JobSnapshot, ttl time.Duration) error
}

// Publisher copies a finished job's output directory somewhere durable and
// returns its location.
type Publisher interface {
	Publish(ctx context.Context, jobID int64, dir string) (string, error)
}

type Config struct {
	OutputRoot    string
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
	StatusTTL     time.Duration
}

type Option func(*Orchestrator)

func WithStatusMirror(m StatusMirror) Option {
	return func(o *Orchestrator) {
		o.mirror = m
	}
}

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// Orchestrator executes jobs. It is safe for concurrent use; each call to
// Execute owns one job for its duration.
type Orchestrator struct {
	ledger    ledger.Ledger
	router    Router
	cfg       Config
	mirror    StatusMirror
	publisher Publisher

	mu       sync.Mutex
	attempts map[int64]context.CancelCauseFunc
}

func New(l ledger.Ledger, router Router, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ledger:   l,
		router:   router,
		cfg:      cfg,
		attempts: make(map[int64]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs job id to a terminal state. It returns nil when the job
// completed, ErrNotAdmitted when the job was not pending, and otherwise
// the classified failure that was committed.
func (o *Orchestrator) Execute(ctx context.Context, id int64) (err error) {
	job, err := o.ledger.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("load job %d: %w", id, err)
	}
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("%w: job %d is %s", ErrNotAdmitted, id, job.Status)
	}
	job, err = o.commit(ctx, id, ledger.Start())
	if errors.Is(err, ledger.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrNotAdmitted, err)
	}
	if err != nil {
		return fmt.Errorf("start job %d: %w", id, err)
	}

	log := slog.With("job_id", id, "kind", job.Kind)
	log.Info("job started")

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if o.cfg.HardTimeLimit > 0 {
		var stop context.CancelFunc
		attemptCtx, stop = context.WithTimeoutCause(attemptCtx, o.cfg.HardTimeLimit, ErrHardTimeLimit)
		defer stop()
	}
	if o.cfg.SoftTimeLimit > 0 {
		var stop context.CancelFunc
		attemptCtx, stop = context.WithTimeoutCause(attemptCtx, o.cfg.SoftTimeLimit, ErrSoftTimeLimit)
		defer stop()
	}
	o.track(id, cancel)
	defer o.untrack(id)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during job execution", "panic", r, "stack", string(debug.Stack()))
			err = o.finish(ctx, attemptCtx, job, nil, joberr.Newf(joberr.KindInternal, "panic: %v", r))
		}
	}()

	res, runErr := o.run(attemptCtx, job)
	return o.finish(ctx, attemptCtx, job, res, runErr)
}

// Abort cancels the local attempt for id, killing its process. It reports
// whether an attempt was running in this process.
func (o *Orchestrator) Abort(id int64) bool {
	return o.Interrupt(id, ErrAborted)
}

// Interrupt cancels the local attempt for id with cause, which decides how
// the attempt is recorded.
func (o *Orchestrator) Interrupt(id int64, cause error) bool {
	o.mu.Lock()
	cancel, ok := o.attempts[id]
	o.mu.Unlock()
	if ok {
		cancel(cause)
	}
	return ok
}

// Running reports whether this orchestrator currently owns an attempt for id.
func (o *Orchestrator) Running(id int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.attempts[id]
	return ok
}

func (o *Orchestrator) track(id int64, cancel context.CancelCauseFunc) {
	o.mu.Lock()
	o.attempts[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id int64) {
	o.mu.Lock()
	delete(o.attempts, id)
	o.mu.Unlock()
}

// run resolves the handler, prepares the output directory and executes.
// Routing and parameter errors return before anything touches the disk.
func (o *Orchestrator) run(ctx context.Context, job *models.Job) (*analysis.Result, error) {
	h, err := o.router.Resolve(job.Kind)
	if err != nil {
		return nil, err
	}
	params, err := h.Params(job.Parameters)
	if err != nil {
		if joberr.KindOf(err) == joberr.KindInternal {
			err = joberr.New(joberr.KindValidation, err)
		}
		return nil, err
	}

	dir := filepath.Join(o.cfg.OutputRoot, fmt.Sprintf("job_%d", job.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, joberr.New(joberr.KindInternal, fmt.Errorf("create output directory: %w", err))
	}
	if _, err := o.commit(ctx, job.ID, ledger.Checkpoint(InitializingPercent, StepInitializing, ledger.WithOutputLocation(dir))); err != nil {
		return nil, err
	}

	res, err := h.Execute(ctx, analysis.Request{
		Job:       job,
		Params:    params,
		OutputDir: dir,
		Progress: func(ctx context.Context, percent int, step string) error {
			_, err := o.commit(ctx, job.ID, ledger.Checkpoint(percent, step))
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &analysis.Result{}
	}
	if len(res.Summary) == 0 {
		slog.Warn("handler returned an empty summary", "job_id", job.ID)
		res.Summary = map[string]any{"message": "Analysis completed without a summary"}
	}

	if o.publisher != nil {
		uri, err := o.publisher.Publish(ctx, job.ID, dir)
		if err != nil {
			slog.Warn("artifact upload failed", "job_id", job.ID, "error", err)
		} else {
			res.ArtifactURI = uri
		}
	}
	return res, nil
}

// finish writes the terminal state. It runs on a context detached from
// the attempt so a cancelled or timed out attempt can still be recorded.
func (o *Orchestrator) finish(parent, attemptCtx context.Context, job *models.Job, res *analysis.Result, runErr error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), finishTimeout)
	defer cancel()
	log := slog.With("job_id", job.ID, "kind", job.Kind)

	if runErr == nil {
		opts := []ledger.DeltaOption{ledger.WithUsage(res.Usage)}
		if res.ArtifactURI != "" {
			opts = append(opts, ledger.WithArtifactURI(res.ArtifactURI))
		}
		_, err := o.commit(ctx, job.ID, ledger.Complete(res.Summary, opts...))
		if errors.Is(err, ledger.ErrTerminal) {
			log.Info("job finished after it was cancelled, result discarded")
			return joberr.New(joberr.KindCancelled, err)
		}
		if err != nil {
			return fmt.Errorf("complete job %d: %w", job.ID, err)
		}
		log.Info("job completed")
		return nil
	}

	// A checkpoint hit a terminal row: someone else already ended the job.
	if errors.Is(runErr, ledger.ErrTerminal) {
		log.Info("job ended elsewhere during execution", "error", runErr)
		return joberr.New(joberr.KindCancelled, runErr)
	}

	failure := classify(attemptCtx, runErr)
	var d ledger.Delta
	if joberr.KindOf(failure) == joberr.KindCancelled {
		d = ledger.Cancel(joberr.DetailOf(failure))
	} else {
		d = ledger.Fail(string(joberr.KindOf(failure)), joberr.DetailOf(failure))
	}
	_, err := o.commit(ctx, job.ID, d)
	if errors.Is(err, ledger.ErrTerminal) {
		log.Info("job was cancelled before the failure was recorded", "error", failure)
		return joberr.New(joberr.KindCancelled, err)
	}
	if err != nil {
		log.Error("recording job failure", "error", err, "failure", failure)
		return fmt.Errorf("record failure of job %d: %w", job.ID, errors.Join(failure, err))
	}
	log.Warn("job failed", "error_kind", joberr.KindOf(failure), "error", failure)
	return failure
}

// classify gives runErr the kind the ledger should record. The attempt
// context decides when it ended the work: a time limit is a timeout, a lost
// lease is an orphan and any other cancellation is a cancellation.
func classify(attemptCtx context.Context, runErr error) error {
	if attemptCtx.Err() != nil {
		cause := context.Cause(attemptCtx)
		switch {
		case errors.Is(cause, ErrSoftTimeLimit), errors.Is(cause, ErrHardTimeLimit):
			if joberr.KindOf(runErr) == joberr.KindProcessTimeout {
				return runErr
			}
			return joberr.New(joberr.KindProcessTimeout, fmt.Errorf("%w: %v", cause, runErr))
		case errors.Is(cause, ErrAborted):
			return joberr.New(joberr.KindCancelled, cause)
		case errors.Is(cause, ErrLeaseLost):
			return joberr.New(joberr.KindOrphaned, cause)
		default:
			return joberr.New(joberr.KindCancelled, fmt.Errorf("worker stopped: %w", cause))
		}
	}
	if joberr.IsKind(runErr, joberr.KindCancelled) {
		return runErr
	}
	var coded *joberr.Error
	if errors.As(runErr, &coded) {
		return runErr
	}
	if errors.Is(runErr, ledger.ErrConflict) {
		return joberr.New(joberr.KindLedgerConflict, runErr)
	}
	return joberr.New(joberr.KindInternal, runErr)
}

// commit applies d and mirrors the result into the status cache.
func (o *Orchestrator) commit(ctx context.Context, id int64, d ledger.Delta) (*models.Job, error) {
	job, err := o.ledger.Commit(ctx, id, d)
	if err != nil {
		return nil, err
	}
	if o.mirror != nil {
		if err := o.mirror.SetJobStatus(ctx, id, cache.SnapshotOf(job), o.cfg.StatusTTL); err != nil {
			slog.Warn("mirroring job status", "job_id", id, "error", err)
		}
	}
	return job, nil
}
