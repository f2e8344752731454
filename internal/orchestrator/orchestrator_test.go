package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/celljobs/internal/analysis"
	"github.com/kiranshivaraju/celljobs/internal/cache"
	"github.com/kiranshivaraju/celljobs/internal/joberr"
	"github.com/kiranshivaraju/celljobs/internal/ledger"
	"github.com/kiranshivaraju/celljobs/internal/orchestrator"
	"github.com/kiranshivaraju/celljobs/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeHandler struct {
	kind    string
	calls   atomic.Int32
	params  func(raw json.RawMessage) (any, error)
	execute func(ctx context.Context, req analysis.Request) (*analysis.Result, error)
}

func (h *fakeHandler) Kind() string { return h.kind }

func (h *fakeHandler) Params(raw json.RawMessage) (any, error) {
	if h.params != nil {
		return h.params(raw)
	}
	return nil, nil
}

func (h *fakeHandler) Execute(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
	h.calls.Add(1)
	return h.execute(ctx, req)
}

type fakeMirror struct {
	mu    sync.Mutex
	snaps map[int64][]cache.JobSnapshot
}

func (m *fakeMirror) SetJobStatus(_ context.Context, id int64, snap cache.JobSnapshot, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snaps == nil {
		m.snaps = make(map[int64][]cache.JobSnapshot)
	}
	m.snaps[id] = append(m.snaps[id], snap)
	return nil
}

func (m *fakeMirror) last(id int64) cache.JobSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snaps[id]
	return s[len(s)-1]
}

type fakePublisher struct {
	uri string
	err error
	dir string
}

func (p *fakePublisher) Publish(_ context.Context, _ int64, dir string) (string, error) {
	p.dir = dir
	return p.uri, p.err
}

// --- helpers ---

type fixture struct {
	ledger  *ledger.MemoryLedger
	handler *fakeHandler
	mirror  *fakeMirror
	root    string
	orch    *orchestrator.Orchestrator
}

func newFixture(t *testing.T, cfg orchestrator.Config, opts ...orchestrator.Option) *fixture {
	t.Helper()
	f := &fixture{
		ledger: ledger.NewMemoryLedger(),
		handler: &fakeHandler{
			kind: models.KindClustering,
			execute: func(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
				for _, cp := range []struct {
					pct  int
					step string
				}{{20, "Loading data"}, {40, "Running clustering"}, {80, "Generating visualizations"}} {
					if err := req.Progress(ctx, cp.pct, cp.step); err != nil {
						return nil, err
					}
				}
				return &analysis.Result{
					Summary: map[string]any{"n_clusters": int64(7)},
					Usage:   models.ResourceUsage{CPUSeconds: 1.5, PeakMemoryMB: 64},
				}, nil
			},
		},
		mirror: &fakeMirror{},
		root:   t.TempDir(),
	}
	registry, err := analysis.NewRegistry(f.handler)
	require.NoError(t, err)

	cfg.OutputRoot = f.root
	opts = append([]orchestrator.Option{orchestrator.WithStatusMirror(f.mirror)}, opts...)
	f.orch = orchestrator.New(f.ledger, registry, cfg, opts...)
	return f
}

func (f *fixture) insert(t *testing.T, kind, params string) *models.Job {
	t.Helper()
	job, err := f.ledger.Insert(context.Background(), &models.Job{
		Kind:       kind,
		InputPath:  "/in/a.h5",
		Parameters: json.RawMessage(params),
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) load(t *testing.T, id int64) *models.Job {
	t.Helper()
	job, err := f.ledger.Load(context.Background(), id)
	require.NoError(t, err)
	return job
}

func assertNoOutputDirs(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// --- tests ---

func TestExecute_Completes(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	job := f.insert(t, models.KindClustering, `{}`)

	require.NoError(t, f.orch.Execute(t.Context(), job.ID))

	got := f.load(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.ProgressPercent)
	assert.Equal(t, "Completed", got.CurrentStep)
	assert.Equal(t, map[string]any{"n_clusters": int64(7)}, got.ResultSummary)
	assert.Empty(t, got.ErrorDetail)
	assert.Equal(t, filepath.Join(f.root, "job_1"), got.OutputLocation)
	assert.DirExists(t, got.OutputLocation)

	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.StartedAt.After(got.SubmittedAt))
	assert.True(t, got.CompletedAt.After(*got.StartedAt))
	assert.Equal(t, 1.5, got.Usage.CPUSeconds)
	assert.Equal(t, 64.0, got.Usage.PeakMemoryMB)
	assert.Greater(t, got.Usage.ElapsedSeconds, 0.0)

	var steps []string
	for _, s := range f.mirror.snaps[job.ID] {
		steps = append(steps, s.CurrentStep)
	}
	assert.Equal(t, []string{"Starting", "Initializing", "Loading data", "Running clustering", "Generating visualizations", "Completed"}, steps)
	assert.Equal(t, models.JobStatusCompleted, f.mirror.last(job.ID).Status)
	assert.False(t, f.orch.Running(job.ID))
}

func TestExecute_NotPendingIsNotAdmitted(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	ctx := t.Context()

	running := f.insert(t, models.KindClustering, `{}`)
	_, err := f.ledger.Commit(ctx, running.ID, ledger.Start())
	require.NoError(t, err)

	done := f.insert(t, models.KindClustering, `{}`)
	_, err = f.ledger.Commit(ctx, done.ID, ledger.Cancel("cancelled by operator"))
	require.NoError(t, err)

	for _, id := range []int64{running.ID, done.ID} {
		before := f.load(t, id)
		err := f.orch.Execute(ctx, id)
		assert.ErrorIs(t, err, orchestrator.ErrNotAdmitted)
		assert.Equal(t, before, f.load(t, id), "rejected attempt must not touch the job")
	}
	assert.Zero(t, f.handler.calls.Load())
	assertNoOutputDirs(t, f.root)
}

func TestExecute_MissingJob(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	err := f.orch.Execute(t.Context(), 404)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestExecute_ConcurrentAttemptsRunOnce(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	release := make(chan struct{})
	f.handler.execute = func(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
		<-release
		return &analysis.Result{Summary: map[string]any{"ok": true}}, nil
	}
	job := f.insert(t, models.KindClustering, `{}`)

	const attempts = 6
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.orch.Execute(context.Background(), job.ID)
		}()
	}
	require.Eventually(t, func() bool { return f.handler.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, orchestrator.ErrNotAdmitted):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, attempts-1, rejected)
	assert.Equal(t, int32(1), f.handler.calls.Load())
}

func TestExecute_UnknownKindFailsBeforeAnySideEffect(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	job := f.insert(t, "trajectory", `{}`)

	err := f.orch.Execute(t.Context(), job.ID)
	require.Error(t, err)
	assert.Equal(t, joberr.KindUnknownKind, joberr.KindOf(err))

	got := f.load(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "unknown_kind", got.ErrorKind)
	assert.Contains(t, got.ErrorDetail, "trajectory")
	assert.Empty(t, got.OutputLocation)
	assert.Nil(t, got.ResultSummary)
	assert.Zero(t, f.handler.calls.Load())
	assertNoOutputDirs(t, f.root)
}

func TestExecute_InvalidParams(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	f.handler.params = func(raw json.RawMessage) (any, error) {
		return analysis.ParseParams(models.KindClustering, raw)
	}
	job := f.insert(t, models.KindClustering, `{"resolution": -3}`)

	err := f.orch.Execute(t.Context(), job.ID)
	require.Error(t, err)

	got := f.load(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "validation", got.ErrorKind)
	assert.Contains(t, got.ErrorDetail, "resolution")
	assert.Zero(t, f.handler.calls.Load())
	assertNoOutputDirs(t, f.root)
}

func TestExecute_HandlerFailureIsRecorded(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	f.handler.execute = func(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
		require.NoError(t, req.Progress(ctx, 30, "Computing differential expression"))
		return nil, joberr.Newf(joberr.KindProcessExit, "Rscript exited with status 2: empty group2")
	}
	job := f.insert(t, models.KindClustering, `{}`)

	err := f.orch.Execute(t.Context(), job.ID)
	require.Error(t, err)
	assert.Equal(t, joberr.KindProcessExit, joberr.KindOf(err))

	got := f.load(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "process_exit", got.ErrorKind)
	assert.Contains(t, got.ErrorDetail, "empty group2")
	assert.Equal(t, 30, got.ProgressPercent)
	assert.Nil(t, got.ResultSummary)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, models.JobStatusFailed, f.mirror.last(job.ID).Status)
}

func TestExecute_UnclassifiedErrorIsInternal(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	f.handler.execute = func(context.Context, analysis.Request) (*analysis.Result, error) {
		return nil, errors.New("disk on fire")
	}
	job := f.insert(t, models.KindClustering, `{}`)

	require.Error(t, f.orch.Execute(t.Context(), job.ID))
	got := f.load(t, job.ID)
	assert.Equal(t, "internal", got.ErrorKind)
	assert.Equal(t, "disk on fire", got.ErrorDetail)
}

func TestExecute_ProgressRegressionIsLedgerConflict(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	f.handler.execute = func(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
		if err := req.Progress(ctx, 50, "Halfway"); err != nil {
			return nil, err
		}
		return nil, req.Progress(ctx, 20, "Back again")
	}
	job := f.insert(t, models.KindClustering, `{}`)

	err := f.orch.Execute(t.Context(), job.ID)
	require.Error(t, err)
	got := f.load(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "ledger_conflict", got.ErrorKind)
	assert.Equal(t, 50, got.ProgressPercent)
}

func TestExecute_PanicIsRecordedAsInternal(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	f.handler.execute = func(context.Context, analysis.Request) (*analysis.Result, error) {
		panic("nil map")
	}
	job := f.insert(t, models.KindClustering, `{}`)

	err := f.orch.Execute(t.Context(), job.ID)
	require.Error(t, err)
	assert.Equal(t, joberr.KindInternal, joberr.KindOf(err))

	got := f.load(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "internal", got.ErrorKind)
	assert.Contains(t, got.ErrorDetail, "panic: nil map")
}

func TestExecute_EmptySummaryIsReplaced(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	f.handler.execute = func(context.Context, analysis.Request) (*analysis.Result, error) {
		return &analysis.Result{}, nil
	}
	job := f.insert(t, models.KindClustering, `{}`)

	require.NoError(t, f.orch.Execute(t.Context(), job.ID))
	got := f.load(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.NotEmpty(t, got.ResultSummary)
}

func TestExecute_CancellationWinsOverLateCompletion(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	f.handler.execute = func(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
		_, err := f.ledger.Commit(ctx, req.Job.ID, ledger.Cancel("cancelled by operator"))
		require.NoError(t, err)
		return &analysis.Result{Summary: map[string]any{"n_clusters": int64(3)}}, nil
	}
	job := f.insert(t, models.KindClustering, `{}`)

	err := f.orch.Execute(t.Context(), job.ID)
	require.Error(t, err)
	assert.Equal(t, joberr.KindCancelled, joberr.KindOf(err))

	got := f.load(t, job.ID)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Equal(t, "cancelled by operator", got.ErrorDetail)
	assert.Nil(t, got.ResultSummary)
}

func TestExecute_CancellationStopsFurtherCheckpoints(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	f.handler.execute = func(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
		_, err := f.ledger.Commit(ctx, req.Job.ID, ledger.Cancel("cancelled by operator"))
		require.NoError(t, err)
		if err := req.Progress(ctx, 40, "Running clustering"); err != nil {
			return nil, err
		}
		t.Error("progress after cancellation must fail")
		return nil, nil
	}
	job := f.insert(t, models.KindClustering, `{}`)

	err := f.orch.Execute(t.Context(), job.ID)
	assert.Equal(t, joberr.KindCancelled, joberr.KindOf(err))
	assert.Equal(t, models.JobStatusCancelled, f.load(t, job.ID).Status)
}

func TestExecute_AbortKillsAttempt(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	started := make(chan struct{})
	f.handler.execute = func(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, joberr.New(joberr.KindCancelled, context.Cause(ctx))
	}
	job := f.insert(t, models.KindClustering, `{}`)

	errc := make(chan error, 1)
	go func() { errc <- f.orch.Execute(context.Background(), job.ID) }()
	<-started

	_, err := f.ledger.Commit(t.Context(), job.ID, ledger.Cancel("cancelled by operator"))
	require.NoError(t, err)
	assert.True(t, f.orch.Running(job.ID))
	assert.True(t, f.orch.Abort(job.ID))

	select {
	case err := <-errc:
		assert.Equal(t, joberr.KindCancelled, joberr.KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("attempt did not stop after abort")
	}

	got := f.load(t, job.ID)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Equal(t, "cancelled by operator", got.ErrorDetail)
	assert.False(t, f.orch.Abort(job.ID), "no attempt left to abort")
}

func TestExecute_AbortWithoutLedgerCancelCommitsCancelled(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	started := make(chan struct{})
	f.handler.execute = func(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	job := f.insert(t, models.KindClustering, `{}`)

	errc := make(chan error, 1)
	go func() { errc <- f.orch.Execute(context.Background(), job.ID) }()
	<-started
	f.orch.Abort(job.ID)

	err := <-errc
	assert.Equal(t, joberr.KindCancelled, joberr.KindOf(err))
	got := f.load(t, job.ID)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Equal(t, "cancelled", got.ErrorKind)
}

func TestExecute_LostLeaseIsRecordedAsOrphaned(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})
	started := make(chan struct{})
	f.handler.execute = func(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}
	job := f.insert(t, models.KindClustering, `{}`)

	errc := make(chan error, 1)
	go func() { errc <- f.orch.Execute(context.Background(), job.ID) }()
	<-started
	assert.True(t, f.orch.Interrupt(job.ID, orchestrator.ErrLeaseLost))

	err := <-errc
	assert.Equal(t, joberr.KindOrphaned, joberr.KindOf(err))
	assert.ErrorIs(t, err, orchestrator.ErrLeaseLost)
	got := f.load(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "orphaned", got.ErrorKind)
	assert.Contains(t, got.ErrorDetail, "job lease lost")
}

func TestExecute_SoftTimeLimit(t *testing.T) {
	f := newFixture(t, orchestrator.Config{SoftTimeLimit: 50 * time.Millisecond, HardTimeLimit: time.Minute})
	f.handler.execute = func(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	job := f.insert(t, models.KindClustering, `{}`)

	err := f.orch.Execute(t.Context(), job.ID)
	require.Error(t, err)
	assert.Equal(t, joberr.KindProcessTimeout, joberr.KindOf(err))
	assert.ErrorIs(t, err, orchestrator.ErrSoftTimeLimit)

	got := f.load(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "process_timeout", got.ErrorKind)
	assert.Contains(t, got.ErrorDetail, "soft time limit")
}

func TestExecute_PublishesArtifacts(t *testing.T) {
	pub := &fakePublisher{uri: "s3://celljobs/jobs/1/"}
	f := newFixture(t, orchestrator.Config{}, orchestrator.WithPublisher(pub))
	job := f.insert(t, models.KindClustering, `{}`)

	require.NoError(t, f.orch.Execute(t.Context(), job.ID))
	got := f.load(t, job.ID)
	assert.Equal(t, "s3://celljobs/jobs/1/", got.ArtifactURI)
	assert.Equal(t, got.OutputLocation, pub.dir)
}

func TestExecute_PublishFailureDoesNotFailJob(t *testing.T) {
	pub := &fakePublisher{err: errors.New("bucket unreachable")}
	f := newFixture(t, orchestrator.Config{}, orchestrator.WithPublisher(pub))
	job := f.insert(t, models.KindClustering, `{}`)

	require.NoError(t, f.orch.Execute(t.Context(), job.ID))
	got := f.load(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Empty(t, got.ArtifactURI)
}
