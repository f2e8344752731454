// Package dispatch feeds queued job ids to the orchestrator with a fixed
// number of workers. It also carries cancellation requests to whichever
// worker owns the job.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/celljobs/internal/cache"
	"github.com/kiranshivaraju/celljobs/internal/joberr"
	"github.com/kiranshivaraju/celljobs/internal/ledger"
	"github.com/kiranshivaraju/celljobs/internal/orchestrator"
	"github.com/kiranshivaraju/celljobs/internal/queue"
	"github.com/kiranshivaraju/celljobs/pkg/models"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInFlight is returned by Handle when this process already runs the job.
	ErrInFlight = errors.New("job already in flight")
	// ErrLeaseHeld is returned by Handle when another worker holds the job's lease.
	ErrLeaseHeld = errors.New("job lease held by another worker")
	// ErrDrainExpired stops attempts still running when the shutdown drain
	// period ends.
	ErrDrainExpired = errors.New("shutdown drain period expired")
)

// CancelDetail is the error_detail recorded for an operator cancellation.
const CancelDetail = "cancelled by operator"

// retryDelay is how long a worker waits after a queue error.
const retryDelay = time.Second

// Executor runs one job to completion and can stop a local attempt.
type Executor interface {
	Execute(ctx context.Context, id int64) error
	Abort(id int64) bool
	Interrupt(id int64, cause error) bool
}

// Locker grants per-job leases across worker processes.
type Locker interface {
	Acquire(ctx context.Context, jobID int64, token string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, jobID int64, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, jobID int64, token string) error
	Held(ctx context.Context, jobID int64) (bool, error)
}

// CancelBus broadcasts cancellations to every worker process.
type CancelBus interface {
	PublishCancel(ctx context.Context, jobID int64) error
	SubscribeCancel(ctx context.Context, fn func(jobID int64)) error
}

type Config struct {
	Concurrency    int
	DequeueTimeout time.Duration
	LeaseTTL       time.Duration
	StatusTTL      time.Duration
	// DrainTimeout is how long in-flight attempts may keep running after
	// Run's context is cancelled. Zero stops them at once.
	DrainTimeout time.Duration
}

type Option func(*Dispatcher)

func WithLocker(l Locker) Option {
	return func(d *Dispatcher) {
		d.locker = l
	}
}

func WithCancelBus(b CancelBus) Option {
	return func(d *Dispatcher) {
		d.bus = b
	}
}

func WithReaper(r *Reaper) Option {
	return func(d *Dispatcher) {
		d.reaper = r
	}
}

func WithStatusMirror(m orchestrator.StatusMirror) Option {
	return func(d *Dispatcher) {
		d.mirror = m
	}
}

// Dispatcher owns the worker pool.
type Dispatcher struct {
	cfg    Config
	queue  queue.Queue
	exec   Executor
	ledger ledger.Ledger
	locker Locker
	bus    CancelBus
	reaper *Reaper
	mirror orchestrator.StatusMirror

	mu       sync.Mutex
	inflight map[int64]struct{}
}

func New(cfg Config, q queue.Queue, exec Executor, l ledger.Ledger, opts ...Option) *Dispatcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	d := &Dispatcher{
		cfg:      cfg,
		queue:    q,
		exec:     exec,
		ledger:   l,
		inflight: make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts the workers, the cancel subscriber and the reaper, and blocks
// until ctx is cancelled or one of them fails. Deliveries left over from a
// previous run are requeued first. Once ctx is done workers stop dequeuing
// and in-flight attempts get DrainTimeout to finish; the subscriber keeps
// delivering cancellations until they have.
func (d *Dispatcher) Run(ctx context.Context) error {
	n, err := d.queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	if n > 0 {
		slog.Info("requeued unacknowledged deliveries", "count", n)
	}

	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackground()
	bg, bgCtx := errgroup.WithContext(bgCtx)

	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()
	unlink := context.AfterFunc(bgCtx, stopWork)

	var workers errgroup.Group
	for i := range d.cfg.Concurrency {
		workers.Go(func() error {
			d.work(workCtx, i)
			return nil
		})
	}
	if d.bus != nil {
		bg.Go(func() error {
			return d.bus.SubscribeCancel(bgCtx, func(id int64) {
				if d.exec.Abort(id) {
					slog.Info("aborted job on cancel broadcast", "job_id", id)
				}
			})
		})
	}
	if d.reaper != nil {
		bg.Go(func() error {
			return d.reaper.Run(bgCtx)
		})
	}

	slog.Info("dispatcher started", "workers", d.cfg.Concurrency)
	_ = workers.Wait()
	unlink()
	stopBackground()
	err = bg.Wait()
	slog.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	log := slog.With("worker", worker)
	for ctx.Err() == nil {
		del, err := d.queue.Dequeue(ctx, d.cfg.DequeueTimeout)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrEmpty):
			continue
		case errors.Is(err, queue.ErrMalformed):
			log.Warn("dropped malformed queue message", "error", err)
			continue
		case ctx.Err() != nil:
			return
		default:
			log.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}

		jobCtx, release := d.drainContext(ctx)
		err = d.Handle(jobCtx, del.JobID)
		release()
		switch {
		case err == nil:
		case errors.Is(err, orchestrator.ErrNotAdmitted), errors.Is(err, ErrInFlight), errors.Is(err, ErrLeaseHeld):
			log.Info("skipped job", "job_id", del.JobID, "reason", err)
		default:
			log.Warn("job did not complete", "job_id", del.JobID, "error_kind", joberr.KindOf(err), "error", err)
		}

		// The ledger now holds the outcome; redelivery would only be
		// rejected at admission.
		if err := d.queue.Ack(context.WithoutCancel(ctx), del); err != nil {
			log.Error("ack failed", "job_id", del.JobID, "error", err)
		}
	}
}

// drainContext detaches an attempt from ctx. The returned context is
// cancelled with ErrDrainExpired once DrainTimeout has passed after ctx is
// done, or with ctx's cause when there is no drain period.
func (d *Dispatcher) drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	jobCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	go func() {
		select {
		case <-jobCtx.Done():
			return
		case <-ctx.Done():
		}
		if d.cfg.DrainTimeout <= 0 {
			cancel(context.Cause(ctx))
			return
		}
		slog.Info("draining in-flight job", "timeout", d.cfg.DrainTimeout)
		timer := time.NewTimer(d.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-jobCtx.Done():
		case <-timer.C:
			cancel(ErrDrainExpired)
		}
	}()
	return jobCtx, func() { cancel(nil) }
}

// Handle runs job id on the calling goroutine. A lease is held for the
// whole attempt when a Locker is configured.
func (d *Dispatcher) Handle(ctx context.Context, id int64) error {
	if !d.claim(id) {
		return fmt.Errorf("%w: job %d", ErrInFlight, id)
	}
	defer d.unclaim(id)

	if d.locker == nil {
		return d.exec.Execute(ctx, id)
	}

	token := uuid.NewString()
	ok, err := d.locker.Acquire(ctx, id, token, d.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: job %d", ErrLeaseHeld, id)
	}

	hbCtx, stop := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		d.heartbeat(hbCtx, id, token)
	}()
	defer func() {
		stop()
		<-hbDone
		if err := d.locker.Release(context.WithoutCancel(ctx), id, token); err != nil {
			slog.Warn("releasing job lease", "job_id", id, "error", err)
		}
	}()

	return d.exec.Execute(ctx, id)
}

// heartbeat extends the lease until ctx is done. When the lease is gone,
// or cannot be refreshed for a whole TTL, another worker or the reaper may
// already own the job, so the local attempt is stopped.
func (d *Dispatcher) heartbeat(ctx context.Context, id int64, token string) {
	ticker := time.NewTicker(d.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	lastRefresh := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := d.locker.Refresh(ctx, id, token, d.cfg.LeaseTTL)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				slog.Warn("refreshing job lease", "job_id", id, "error", err)
				if time.Since(lastRefresh) < d.cfg.LeaseTTL {
					continue
				}
			} else if ok {
				lastRefresh = time.Now()
				continue
			}
			slog.Error("job lease lost, stopping attempt", "job_id", id)
			d.exec.Interrupt(id, orchestrator.ErrLeaseLost)
			return
		}
	}
}

// Cancel marks job id cancelled and stops its attempt wherever it runs.
// It returns ledger.ErrTerminal when the job already finished.
func (d *Dispatcher) Cancel(ctx context.Context, id int64) (*models.Job, error) {
	job, err := d.ledger.Commit(ctx, id, ledger.Cancel(CancelDetail))
	if err != nil {
		return nil, err
	}
	if d.mirror != nil {
		if err := d.mirror.SetJobStatus(ctx, id, cache.SnapshotOf(job), d.cfg.StatusTTL); err != nil {
			slog.Warn("mirroring job status", "job_id", id, "error", err)
		}
	}
	if d.bus != nil {
		if err := d.bus.PublishCancel(ctx, id); err != nil {
			slog.Warn("broadcasting cancel", "job_id", id, "error", err)
		}
	}
	d.exec.Abort(id)
	slog.Info("job cancelled", "job_id", id)
	return job, nil
}

// InFlight reports the ids this process is currently running.
func (d *Dispatcher) InFlight() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]int64, 0, len(d.inflight))
	for id := range d.inflight {
		ids = append(ids, id)
	}
	return ids
}

func (d *Dispatcher) claim(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[id]; ok {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) unclaim(id int64) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}
