package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kiranshivaraju/celljobs/internal/ledger"
	"github.com/kiranshivaraju/celljobs/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runLedgerSuite exercises the behaviour every backend must share.
func runLedgerSuite(t *testing.T, newLedger func(t *testing.T) ledger.Ledger) {
	t.Run("insert and load", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()

		job, err := l.Insert(ctx, &models.Job{
			Name:       "pbmc clustering",
			Kind:       models.KindClustering,
			InputPath:  "/in/a.h5",
			Parameters: json.RawMessage(`{"resolution":1.2,"n_pcs":30}`),
		})
		require.NoError(t, err)
		assert.NotZero(t, job.ID)
		assert.Equal(t, models.JobStatusPending, job.Status)
		assert.False(t, job.SubmittedAt.IsZero())

		loaded, err := l.Load(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "pbmc clustering", loaded.Name)
		assert.Equal(t, models.KindClustering, loaded.Kind)
		assert.Equal(t, "/in/a.h5", loaded.InputPath)
		assert.JSONEq(t, `{"resolution":1.2,"n_pcs":30}`, string(loaded.Parameters))
		assert.Nil(t, loaded.StartedAt)
	})

	t.Run("insert requires kind and input", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.Insert(context.Background(), &models.Job{InputPath: "/in/a.h5"})
		require.Error(t, err)
		_, err = l.Insert(context.Background(), &models.Job{Kind: models.KindAnnotation})
		require.Error(t, err)
	})

	t.Run("missing job", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.Load(context.Background(), 999999)
		require.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = l.Commit(context.Background(), 999999, ledger.Start())
		require.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("full lifecycle", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		job := insertPending(t, l)

		j, err := l.Commit(ctx, job.ID, ledger.Start())
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, j.Status)

		_, err = l.Commit(ctx, job.ID, ledger.Checkpoint(10, "Initializing", ledger.WithOutputLocation("/data/outputs/job_1")))
		require.NoError(t, err)
		_, err = l.Commit(ctx, job.ID, ledger.Checkpoint(40, "Running clustering"))
		require.NoError(t, err)

		polled, err := l.Load(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 40, polled.ProgressPercent)
		assert.Equal(t, "Running clustering", polled.CurrentStep)
		assert.Equal(t, "/data/outputs/job_1", polled.OutputLocation)

		_, err = l.Commit(ctx, job.ID, ledger.Complete(
			map[string]any{"n_clusters": int64(7)},
			ledger.WithUsage(models.ResourceUsage{CPUSeconds: 3.5, PeakMemoryMB: 128}),
		))
		require.NoError(t, err)

		done, err := l.Load(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, done.Status)
		assert.Equal(t, 100, done.ProgressPercent)
		assert.Equal(t, ledger.StepCompleted, done.CurrentStep)
		assert.Equal(t, map[string]any{"n_clusters": int64(7)}, done.ResultSummary)
		assert.Empty(t, done.ErrorDetail)
		assert.Equal(t, 3.5, done.Usage.CPUSeconds)
		require.NotNil(t, done.StartedAt)
		require.NotNil(t, done.CompletedAt)
		assert.True(t, done.StartedAt.After(done.SubmittedAt))
		assert.True(t, done.CompletedAt.After(*done.StartedAt))

		_, err = l.Commit(ctx, job.ID, ledger.Fail("internal", "late failure"))
		require.ErrorIs(t, err, ledger.ErrTerminal)

		after, err := l.Load(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, after.Status)
	})

	t.Run("cancel pending", func(t *testing.T) {
		l := newLedger(t)
		job := insertPending(t, l)

		j, err := l.Commit(context.Background(), job.ID, ledger.Cancel("cancelled by user"))
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, j.Status)
		assert.Nil(t, j.StartedAt)

		_, err = l.Commit(context.Background(), job.ID, ledger.Start())
		require.ErrorIs(t, err, ledger.ErrTerminal)
	})

	t.Run("cancellation wins over late completion", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		job := insertPending(t, l)
		_, err := l.Commit(ctx, job.ID, ledger.Start())
		require.NoError(t, err)

		_, err = l.Commit(ctx, job.ID, ledger.Cancel("cancelled by user"))
		require.NoError(t, err)
		_, err = l.Commit(ctx, job.ID, ledger.Complete(map[string]any{"n_clusters": 3}))
		require.ErrorIs(t, err, ledger.ErrTerminal)

		j, err := l.Load(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, j.Status)
		assert.Nil(t, j.ResultSummary)
	})

	t.Run("concurrent start admits exactly one", func(t *testing.T) {
		l := newLedger(t)
		job := insertPending(t, l)

		var (
			wg        sync.WaitGroup
			admitted  atomic.Int32
			conflicts atomic.Int32
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.Commit(context.Background(), job.ID, ledger.Start())
				switch {
				case err == nil:
					admitted.Add(1)
				case errors.Is(err, ledger.ErrConflict):
					conflicts.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), admitted.Load())
		assert.Equal(t, int32(7), conflicts.Load())
	})

	t.Run("list by status", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		a := insertPending(t, l)
		b := insertPending(t, l)
		insertPending(t, l)
		_, err := l.Commit(ctx, a.ID, ledger.Start())
		require.NoError(t, err)
		_, err = l.Commit(ctx, b.ID, ledger.Start())
		require.NoError(t, err)

		running, err := l.ListByStatus(ctx, models.JobStatusRunning, 10)
		require.NoError(t, err)
		require.Len(t, running, 2)
		assert.Equal(t, a.ID, running[0].ID)
		assert.Equal(t, b.ID, running[1].ID)

		limited, err := l.ListByStatus(ctx, models.JobStatusRunning, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		pending, err := l.ListByStatus(ctx, models.JobStatusPending, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})

	t.Run("failure detail with invalid utf8 is stored", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		job := insertPending(t, l)
		_, err := l.Commit(ctx, job.ID, ledger.Start())
		require.NoError(t, err)

		_, err = l.Commit(ctx, job.ID, ledger.Fail("process_exit", "exit status 1: \xa9\xc3\xa9 bad \xff"))
		require.NoError(t, err)

		loaded, err := l.Load(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, loaded.Status)
		assert.Equal(t, "exit status 1: \uFFFDé bad \uFFFD", loaded.ErrorDetail)
	})

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, newLedger(t).Ping(context.Background()))
	})
}

func insertPending(t *testing.T, l ledger.Ledger) *models.Job {
	t.Helper()
	job, err := l.Insert(context.Background(), &models.Job{
		Kind:      models.KindClustering,
		InputPath: "/in/a.h5",
	})
	require.NoError(t, err)
	return job
}

func TestMemoryLedger(t *testing.T) {
	runLedgerSuite(t, func(*testing.T) ledger.Ledger { return ledger.NewMemoryLedger() })
}
