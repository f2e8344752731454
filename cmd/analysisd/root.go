package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/celljobs/internal/config"
	"github.com/spf13/cobra"
)

type cfgKey struct{}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "analysisd",
		Short:         "Run and operate single-cell analysis jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := logLevel.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
				return fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.Server.LogLevel, err)
			}
			slog.Debug("config loaded", "env", cfg.Server.Env, "database", cfg.Database.Driver)
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKey{}, cfg))
			return nil
		},
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newEnqueueCmd(),
		newStatusCmd(),
		newCancelCmd(),
	)
	return root
}

// execute runs the command tree with a context cancelled on SIGINT or SIGTERM.
func execute(root *cobra.Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return root.ExecuteContext(ctx)
}

func configFrom(cmd *cobra.Command) *config.Config {
	return cmd.Context().Value(cfgKey{}).(*config.Config)
}
