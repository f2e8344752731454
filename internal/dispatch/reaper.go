package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/celljobs/internal/cache"
	"github.com/kiranshivaraju/celljobs/internal/joberr"
	"github.com/kiranshivaraju/celljobs/internal/ledger"
	"github.com/kiranshivaraju/celljobs/internal/orchestrator"
	"github.com/kiranshivaraju/celljobs/pkg/models"
)

const reapBatch = 100

// Reaper fails running jobs whose worker disappeared: no lease is held and
// the job started longer ago than the grace period.
type Reaper struct {
	ledger    ledger.Ledger
	locker    Locker
	interval  time.Duration
	grace     time.Duration
	mirror    orchestrator.StatusMirror
	statusTTL time.Duration
	now       func() time.Time
}

func NewReaper(l ledger.Ledger, locker Locker, interval, grace time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		ledger:   l,
		locker:   locker,
		interval: interval,
		grace:    grace,
		now:      time.Now,
	}
}

// WithStatusMirror mirrors reaped jobs into the status cache.
func (r *Reaper) WithStatusMirror(m orchestrator.StatusMirror, ttl time.Duration) *Reaper {
	r.mirror = m
	r.statusTTL = ttl
	return r
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Error("orphan sweep failed", "error", err)
			} else if n > 0 {
				slog.Warn("reaped orphaned jobs", "count", n)
			}
		}
	}
}

// Sweep runs one pass and returns how many jobs were failed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	jobs, err := r.ledger.ListByStatus(ctx, models.JobStatusRunning, reapBatch)
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}

	now := r.now()
	reaped := 0
	for _, job := range jobs {
		if job.StartedAt == nil || now.Sub(*job.StartedAt) < r.grace {
			continue
		}
		held, err := r.locker.Held(ctx, job.ID)
		if err != nil {
			return reaped, err
		}
		if held {
			continue
		}

		detail := fmt.Sprintf("worker lost: no lease held since start at %s", job.StartedAt.Format(time.RFC3339))
		updated, err := r.ledger.Commit(ctx, job.ID, ledger.Fail(string(joberr.KindOrphaned), detail))
		if errors.Is(err, ledger.ErrConflict) {
			continue
		}
		if err != nil {
			return reaped, fmt.Errorf("fail orphaned job %d: %w", job.ID, err)
		}
		slog.Warn("job orphaned", "job_id", job.ID, "started_at", job.StartedAt)
		if r.mirror != nil {
			if err := r.mirror.SetJobStatus(ctx, job.ID, cache.SnapshotOf(updated), r.statusTTL); err != nil {
				slog.Warn("mirroring job status", "job_id", job.ID, "error", err)
			}
		}
		reaped++
	}
	return reaped, nil
}
