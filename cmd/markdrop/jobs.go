package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/markdrop/internal/app"
	"github.com/dharsanguruparan/markdrop/internal/jobs"
	"github.com/dharsanguruparan/markdrop/internal/logger"
	"github.com/dharsanguruparan/markdrop/internal/model"
	"github.com/dharsanguruparan/markdrop/internal/storage"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit and manage persistent conversion jobs",
	}
	cmd.AddCommand(
		newJobsSubmitCmd(),
		newJobsStatusCmd(),
		newJobsCancelCmd(),
		newJobsRetryCmd(),
		newJobsListCmd(),
		newJobsExpireCmd(),
	)
	return cmd
}

// withManager starts the job manager for the duration of fn.
func withManager(ctx context.Context, fn func(a *app.App) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Manager.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = a.Manager.Shutdown(shutdownCtx)
	}()
	return fn(a)
}

// waitForJob polls the persisted status until the job is terminal.
func waitForJob(ctx context.Context, m *jobs.Manager, id string) (*model.JobRecord, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		rec, err := m.GetStatus(id)
		if err != nil {
			return nil, err
		}
		if rec.Status.IsTerminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ticker.C:
		}
	}
}

func finished(cmd *cobra.Command, rec *model.JobRecord) error {
	if err := printJSON(cmd.OutOrStdout(), rec); err != nil {
		return err
	}
	if rec.Status != model.StatusSucceeded {
		return fmt.Errorf("job %s %s: %s", rec.JobID, rec.Status, rec.ErrorCode)
	}
	return nil
}

func newJobsSubmitCmd() *cobra.Command {
	var flags jobFlags
	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Submit a file as a job and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts, err := flags.options()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return withManager(ctx, func(a *app.App) error {
				rec, err := a.Manager.Submit(ctx, filepath.Base(args[0]), data, opts)
				if err != nil {
					return err
				}
				if rec, err = waitForJob(ctx, a.Manager, rec.JobID); err != nil {
					return err
				}
				return finished(cmd, rec)
			})
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVar(&flags.dedupe, "dedupe", false, "Reuse the result of an identical earlier job")
	return cmd
}

func newJobsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print a job's persisted status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer logger.Sync()
			rec, err := store.ReadStatus(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func newJobsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Manager.Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s canceled\n", args[0])
			return nil
		},
	}
}

func newJobsRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Resubmit a failed, canceled or expired job and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withManager(ctx, func(a *app.App) error {
				rec, err := a.Manager.Retry(ctx, args[0])
				if err != nil {
					return err
				}
				if rec, err = waitForJob(ctx, a.Manager, rec.JobID); err != nil {
					return err
				}
				return finished(cmd, rec)
			})
		},
	}
}

func newJobsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent job events, most recent last",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer logger.Sync()
			for _, rec := range store.ListLatest(limit) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%.2f\t%s\t%s\n",
					rec.JobID, rec.Status, rec.Progress, rec.Options.SourceFilename, rec.ErrorCode)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries")
	return cmd
}

func newJobsExpireCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Run one retention sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			var n int
			if olderThan > 0 {
				n, err = a.Manager.ExpireBefore(ctx, time.Now().Add(-olderThan))
			} else {
				n, err = a.Manager.ExpireStaleJobs(ctx)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d jobs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Expire jobs finished before now minus this duration (default: configured retention)")
	return cmd
}

func newCleanCmd() *cobra.Command {
	var (
		olderThanDays int
		keep          int
	)
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove old run directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer logger.Sync()
			cutoff := time.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
			removed, err := store.CleanRuns(cutoff, keep)
			for _, id := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&olderThanDays, "older-than", 7, "Age in days")
	cmd.Flags().IntVar(&keep, "keep", 0, "Always keep this many most recent runs")
	return cmd
}

func newRunIDCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "new-run-id",
		Short: "Print a fresh run id",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), storage.NewRunID(prefix))
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "run", "Id prefix")
	return cmd
}
