package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/alexduan-mel/SentinelStream/internal/id/uuid"
	"github.com/alexduan-mel/SentinelStream/internal/store"
)

func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the latest signal for every tracked ticker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			rows, err := a.Reader().MonitorSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rows)
		},
	}
}

func newSignalsCmd() *cobra.Command {
	var (
		symbol string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "signals",
		Short: "Print recent signals, or the latest one for --symbol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			reader := a.Reader()
			if symbol != "" {
				sig, found, err := reader.LatestSignal(cmd.Context(), symbol)
				if err != nil {
					return err
				}
				if !found {
					return printJSON(cmd.OutOrStdout(), nil)
				}
				return printJSON(cmd.OutOrStdout(), sig)
			}
			sigs, err := reader.ListSignals(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sigs)
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "ticker symbol")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum signals to list")
	return cmd
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the analysis job queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count jobs per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := a.Store().CountJobs(cmd.Context())
			if err != nil {
				return err
			}
			out := make(map[string]int, len(store.JobStatuses))
			for _, s := range store.JobStatuses {
				out[string(s)] = counts[s]
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <job-id>...",
		Short: "Move failed jobs back to pending with attempts reset",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sort.Strings(args)
			for _, id := range args {
				if !uuid.Valid(id) {
					return fmt.Errorf("invalid job id %q", id)
				}
			}
			var requeued []store.AnalysisJob
			for _, id := range args {
				job, err := a.RequeueJob(cmd.Context(), id)
				switch {
				case errors.Is(err, store.ErrNotFound):
					return fmt.Errorf("job %s not found", id)
				case errors.Is(err, store.ErrInvalidState):
					return fmt.Errorf("job %s is not failed", id)
				case err != nil:
					return err
				}
				requeued = append(requeued, job)
			}
			out := make([]map[string]any, 0, len(requeued))
			for _, job := range requeued {
				out = append(out, map[string]any{"job_id": job.ID, "status": job.Status, "run_after": job.RunAfter})
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	})
	return cmd
}
