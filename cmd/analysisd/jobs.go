package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/kiranshivaraju/celljobs/pkg/models"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending ledger schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := migrate(configFrom(cmd)); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			return nil
		},
	}
}

func newEnqueueCmd() *cobra.Command {
	var kind, input, name, params string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Create a pending job and queue it for the workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd)
			if input == "" {
				return errors.New("--input is required")
			}
			raw := json.RawMessage(params)
			if !json.Valid(raw) {
				return fmt.Errorf("--params is not valid JSON")
			}

			// Reject what a worker would fail on before anything is written.
			reg, err := newRegistry(cfg)
			if err != nil {
				return err
			}
			if _, err := reg.ParseParams(kind, raw); err != nil {
				return err
			}

			in, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer in.Close()

			job, err := in.ledger.Insert(cmd.Context(), &models.Job{
				Name:       name,
				Kind:       kind,
				InputPath:  input,
				Parameters: raw,
			})
			if err != nil {
				return fmt.Errorf("insert job: %w", err)
			}
			if err := in.queue.Enqueue(cmd.Context(), job.ID); err != nil {
				return fmt.Errorf("job %d created but not queued: %w", job.ID, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "kind", models.KindClustering, "analysis kind")
	f.StringVar(&input, "input", "", "path to the input dataset")
	f.StringVar(&name, "name", "", "optional job name")
	f.StringVar(&params, "params", "{}", "analysis parameters as a JSON object")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			in, err := connect(cmd.Context(), configFrom(cmd))
			if err != nil {
				return err
			}
			defer in.Close()

			job, err := in.ledger.Load(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJob(cmd, job)
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			in, err := connect(cmd.Context(), configFrom(cmd))
			if err != nil {
				return err
			}
			defer in.Close()

			job, err := in.dispatcher(remote{}).Cancel(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJob(cmd, job)
		},
	}
}

// remote stands in for the executor when jobs run in worker processes; the
// cancel broadcast reaches them.
type remote struct{}

func (remote) Execute(context.Context, int64) error {
	return errors.New("jobs are not executed from the command line")
}

func (remote) Abort(int64) bool { return false }

func (remote) Interrupt(int64, error) bool { return false }

func parseJobID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", s)
	}
	return id, nil
}

func printJob(cmd *cobra.Command, job *models.Job) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}
