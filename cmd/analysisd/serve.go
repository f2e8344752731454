package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/celljobs/internal/api"
	"github.com/kiranshivaraju/celljobs/internal/api/handler"
	mw "github.com/kiranshivaraju/celljobs/internal/api/middleware"
	"github.com/kiranshivaraju/celljobs/internal/config"
	"github.com/kiranshivaraju/celljobs/internal/dispatch"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var withAPI, withWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job workers and the control-plane API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !withAPI && !withWorkers {
				return errors.New("nothing to serve: both --api and --workers are disabled")
			}
			return serve(cmd.Context(), configFrom(cmd), withAPI, withWorkers)
		},
	}
	cmd.Flags().BoolVar(&withAPI, "api", true, "serve the control-plane HTTP API")
	cmd.Flags().BoolVar(&withWorkers, "workers", true, "run the job workers")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, withAPI, withWorkers bool) error {
	if err := migrate(cfg); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	in, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer in.Close()

	reg, err := newRegistry(cfg)
	if err != nil {
		return err
	}
	slog.Info("analysis kinds registered", "kinds", reg.Kinds())

	orch, err := in.orchestrator(ctx, reg)
	if err != nil {
		return err
	}
	disp := in.dispatcher(orch)

	g, ctx := errgroup.WithContext(ctx)
	if withWorkers {
		g.Go(func() error {
			return disp.Run(ctx)
		})
	}
	if withAPI {
		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      newRouter(in, disp),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Go(func() error {
			slog.Info("server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			slog.Info("shutdown signal received, draining connections...")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("analysisd stopped gracefully")
	return nil
}

func newRouter(in *infra, disp *dispatch.Dispatcher) http.Handler {
	deps := api.Dependencies{
		RateLimit: mw.NewRateLimit(in.cache, in.cfg.Control.RequestsPerMinute),

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": in.ledger,
			"cache":    in.cache,
		}),
		GetJobHandler:   handler.NewGetJobHandler(in.ledger),
		JobStatus:       handler.NewJobStatusHandler(in.ledger, in.cache),
		DispatchHandler: handler.NewDispatchHandler(in.ledger, in.queue),
		CancelHandler:   handler.NewCancelHandler(disp),
		OutputsHandler:  handler.NewOutputsHandler(in.ledger),
	}
	if in.cfg.Control.OperatorKeyHash != "" {
		deps.Auth = mw.NewAuth(in.cfg.Control.OperatorKeyHash)
	} else {
		slog.Warn("OPERATOR_KEY_HASH is unset; job routes are unauthenticated")
	}
	return api.NewRouter(deps)
}
