package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/celljobs/pkg/models"
)

// MemoryLedger keeps jobs in process memory. It backs local runs and tests.
type MemoryLedger struct {
	mu     sync.Mutex
	jobs   map[int64]*models.Job
	nextID int64
	now    func() time.Time
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		jobs: make(map[int64]*models.Job),
		now:  time.Now,
	}
}

func (l *MemoryLedger) Ping(_ context.Context) error { return nil }

func (l *MemoryLedger) Insert(_ context.Context, job *models.Job) (*models.Job, error) {
	if err := validateNew(job); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	j := job.Clone()
	j.ID = l.nextID
	j.Status = models.JobStatusPending
	now := l.now().UTC().Truncate(time.Microsecond)
	if j.SubmittedAt.IsZero() {
		j.SubmittedAt = now
	}
	j.UpdatedAt = now
	l.jobs[j.ID] = j
	return j.Clone(), nil
}

func (l *MemoryLedger) Load(_ context.Context, id int64) (*models.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (l *MemoryLedger) Commit(_ context.Context, id int64, d Delta) (*models.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := d.Apply(j, l.now())
	if err != nil {
		return nil, fmt.Errorf("commit job %d: %w", id, err)
	}
	l.jobs[id] = next
	return next.Clone(), nil
}

func (l *MemoryLedger) ListByStatus(_ context.Context, status string, limit int) ([]*models.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.Job
	for _, j := range l.jobs {
		if j.Status == status {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// validateNew checks the fields the submission layer must provide.
func validateNew(job *models.Job) error {
	if job.Kind == "" {
		return fmt.Errorf("insert job: kind is required")
	}
	if job.InputPath == "" {
		return fmt.Errorf("insert job: input path is required")
	}
	return nil
}
