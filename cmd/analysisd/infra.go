package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/celljobs/internal/analysis"
	"github.com/kiranshivaraju/celljobs/internal/artifact"
	"github.com/kiranshivaraju/celljobs/internal/cache"
	"github.com/kiranshivaraju/celljobs/internal/config"
	"github.com/kiranshivaraju/celljobs/internal/dispatch"
	"github.com/kiranshivaraju/celljobs/internal/ledger"
	"github.com/kiranshivaraju/celljobs/internal/orchestrator"
	"github.com/kiranshivaraju/celljobs/internal/queue"
)

// infra is the set of external connections every subcommand shares.
type infra struct {
	cfg    *config.Config
	ledger ledger.Ledger
	cache  *cache.RedisCache
	queue  *queue.RedisQueue
	bus    *queue.RedisBus
	locker *queue.RedisLocker

	closers []func()
}

func connect(ctx context.Context, cfg *config.Config) (*infra, error) {
	in := &infra{cfg: cfg}

	l, closeLedger, err := ledger.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	in.ledger = l
	in.closers = append(in.closers, closeLedger)
	slog.Info("ledger connected", "driver", cfg.Database.Driver)

	rc, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	in.closers = append(in.closers, func() { _ = rc.Close() })
	if err := rc.Ping(ctx); err != nil {
		in.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	in.cache = rc
	slog.Info("redis connected")

	client := rc.Client()
	in.queue = queue.NewRedisQueue(client, cfg.Worker.Queue)
	in.bus = queue.NewRedisBus(client)
	in.locker = queue.NewRedisLocker(client)
	return in, nil
}

// Close releases connections in reverse order of opening.
func (in *infra) Close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
}

func newRegistry(cfg *config.Config) (*analysis.Registry, error) {
	reg, err := analysis.NewFromConfig(analysis.Commands{
		Clustering:             cfg.Scripts.Clustering,
		Annotation:             cfg.Scripts.Annotation,
		DifferentialExpression: cfg.Scripts.DifferentialExpression,
	}, cfg.Scripts.CatalogPath, analysis.ScriptOptions{
		Timeout: cfg.Scripts.Timeout,
		// A script stopped at the soft limit is killed at the hard one.
		KillGrace:    cfg.Worker.HardTimeLimit - cfg.Worker.SoftTimeLimit,
		CaptureLimit: cfg.Scripts.CaptureLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("build analysis registry: %w", err)
	}
	return reg, nil
}

func (in *infra) orchestrator(ctx context.Context, reg *analysis.Registry) (*orchestrator.Orchestrator, error) {
	opts := []orchestrator.Option{orchestrator.WithStatusMirror(in.cache)}
	if in.cfg.Artifacts.Enabled() {
		pub, err := artifact.NewS3Publisher(in.cfg.Artifacts)
		if err != nil {
			return nil, fmt.Errorf("create artifact publisher: %w", err)
		}
		if err := pub.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure artifact bucket: %w", err)
		}
		opts = append(opts, orchestrator.WithPublisher(pub))
		slog.Info("artifact publishing enabled", "endpoint", in.cfg.Artifacts.Endpoint, "bucket", in.cfg.Artifacts.Bucket)
	}

	w := in.cfg.Worker
	return orchestrator.New(in.ledger, reg, orchestrator.Config{
		OutputRoot:    w.OutputRoot,
		SoftTimeLimit: w.SoftTimeLimit,
		HardTimeLimit: w.HardTimeLimit,
		StatusTTL:     w.StatusTTL,
	}, opts...), nil
}

func (in *infra) dispatcher(exec dispatch.Executor) *dispatch.Dispatcher {
	w := in.cfg.Worker
	reaper := dispatch.NewReaper(in.ledger, in.locker, w.ReapInterval, w.ReapGrace).
		WithStatusMirror(in.cache, w.StatusTTL)
	return dispatch.New(dispatch.Config{
		Concurrency:    w.Concurrency,
		DequeueTimeout: w.DequeueTimeout,
		LeaseTTL:       w.LeaseTTL,
		StatusTTL:      w.StatusTTL,
		DrainTimeout:   w.DrainTimeout,
	}, in.queue, exec, in.ledger,
		dispatch.WithLocker(in.locker),
		dispatch.WithCancelBus(in.bus),
		dispatch.WithReaper(reaper),
		dispatch.WithStatusMirror(in.cache),
	)
}

// migrate brings the ledger schema up to date. SQLite creates its schema
// when opened.
func migrate(cfg *config.Config) error {
	if cfg.Database.Driver != "postgres" {
		return nil
	}
	if err := ledger.RunMigrations(cfg.Database.URL); err != nil {
		return err
	}
	slog.Info("database migrations applied")
	return nil
}
