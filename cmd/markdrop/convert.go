package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/markdrop/internal/pipeline"
)

func newConvertCmd() *cobra.Command {
	var (
		flags  jobFlags
		runID  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "convert <file>",
		Short: "Convert one file into a new run directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts, err := flags.options()
			if err != nil {
				return err
			}
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Service.ConvertFile(ctx, args[0], pipeline.FileOptions{RunID: runID, Job: opts})
			if err != nil {
				return fmt.Errorf("convert %s: %w", args[0], err)
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Summary)
			for _, w := range res.Warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", w)
			}
			return nil
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&runID, "run-id", "", "Run directory name (generated when empty)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

func newBatchCmd() *cobra.Command {
	var (
		flags       jobFlags
		parallelism int
		singleRun   bool
	)
	cmd := &cobra.Command{
		Use:   "batch <file-or-dir>...",
		Short: "Convert many files and append a row to summary.csv",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts, err := flags.options()
			if err != nil {
				return err
			}
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if !cmd.Flags().Changed("single-run") {
				singleRun = a.Config.Batch.SingleRunDefault
			}
			res, err := a.Service.BatchConvert(ctx, args, pipeline.BatchOptions{
				Parallelism: parallelism,
				SingleRun:   singleRun,
				Job:         opts,
			})
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Summary.Failures > 0 {
				return fmt.Errorf("%d of %d conversions failed", res.Summary.Failures, res.Summary.Total)
			}
			return nil
		},
	}
	flags.bind(cmd)
	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", 0, "Files converted concurrently (0 uses batch.default_parallelism)")
	cmd.Flags().BoolVar(&singleRun, "single-run", false, "Concatenate every file into one run")
	return cmd
}
