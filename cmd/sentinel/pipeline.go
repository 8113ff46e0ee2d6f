package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newIngestCmd() *cobra.Command {
	var (
		file      string
		source    string
		normalize bool
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Stage fetched payloads (JSON array or NDJSON) as raw items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			in := cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open %s: %w", file, err)
				}
				defer f.Close()
				in = f
			}
			payloads, err := readPayloads(in)
			if err != nil {
				return err
			}
			if source == "" {
				source = a.Config().Ingest.Source
			}
			report, err := a.Stager().StageBatch(cmd.Context(), source, payloads)
			if err != nil {
				return err
			}
			out := map[string]any{
				"trace_id":   report.TraceID,
				"fetched":    report.Fetched,
				"inserted":   report.Inserted,
				"duplicates": report.Duplicates,
				"rejected":   report.Rejected,
			}
			if normalize {
				run, err := a.Normalizer().Run(cmd.Context(), a.Config().Normalizer.BatchSize)
				if err != nil {
					return err
				}
				out["normalized"] = run
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "payload file; - reads stdin")
	cmd.Flags().StringVar(&source, "source", "", "upstream source name (default ingest.source)")
	cmd.Flags().BoolVar(&normalize, "normalize", false, "normalize staged items after ingesting")
	return cmd
}

// readPayloads accepts either one JSON array of objects or a stream of
// newline-delimited objects.
func readPayloads(r io.Reader) ([]json.RawMessage, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read payloads: %w", err)
	}
	dec := json.NewDecoder(br)
	if first == '[' {
		var payloads []json.RawMessage
		if err := dec.Decode(&payloads); err != nil {
			return nil, fmt.Errorf("decode payload array: %w", err)
		}
		return payloads, nil
	}
	var payloads []json.RawMessage
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return payloads, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode payload %d: %w", len(payloads)+1, err)
		}
		payloads = append(payloads, raw)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

func newNormalizeCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Promote staged raw items into news events and publish their jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = a.Config().Normalizer.BatchSize
			}
			report, err := a.Normalizer().Run(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum raw items to process (default normalizer.batch_size)")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	var noHealth bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run analysis workers and the lease sweeper until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			analyzer, err := a.Analyzer()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			healthErr := make(chan error, 1)
			if !noHealth {
				go func() {
					healthErr <- a.Health().ListenAndServe(ctx, a.Config().Metrics.Addr)
				}()
			}

			dispatch := a.Dispatcher(analyzer)
			a.Logger().Info("workers starting", zap.Int("workers", dispatch.Size()))
			done := make(chan struct{})
			go func() {
				dispatch.Run(ctx)
				close(done)
			}()

			select {
			case err := <-healthErr:
				cancel()
				<-done
				if err != nil {
					return err
				}
			case <-done:
			}
			a.Logger().Info("workers stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&noHealth, "no-health", false, "do not serve /metrics, /healthz and /readyz")
	return cmd
}

func newSweepCmd() *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Return jobs with expired leases to the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sweeper := a.Sweeper()
			if loop {
				sweeper.Run(cmd.Context())
				return nil
			}
			report, err := sweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{
				"requeued": report.Requeued,
				"failed":   report.Failed,
			})
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep sweeping every queue.sweep_interval")
	return cmd
}
