// Package worker implements the analysis job execution loop and the lease
// sweeper that recovers jobs from crashed workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/alexduan-mel/SentinelStream/internal/analysis"
	"github.com/alexduan-mel/SentinelStream/internal/clock"
	"github.com/alexduan-mel/SentinelStream/internal/logging"
	"github.com/alexduan-mel/SentinelStream/internal/metrics"
	"github.com/alexduan-mel/SentinelStream/internal/queue"
	"github.com/alexduan-mel/SentinelStream/internal/results"
	"github.com/alexduan-mel/SentinelStream/internal/store"
)

// storeTimeout bounds each store call made for a claimed job. Claimed jobs
// outlive a cancelled run context, so these calls carry no other deadline.
const storeTimeout = 10 * time.Second

// Store is the persistence a Worker reads from.
type Store interface {
	ClaimJobs(ctx context.Context, workerID string, limit int, now time.Time) ([]store.AnalysisJob, error)
	GetEvent(ctx context.Context, eventID string) (store.NewsEvent, error)
}

// Config controls Worker behavior.
type Config struct {
	// ID identifies the worker in locked_by; defaults to DefaultID().
	ID           string
	BatchSize    int
	PollInterval time.Duration
	// JobTimeout bounds one analyzer call.
	JobTimeout time.Duration
}

// DefaultID returns hostname:pid.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Worker claims analysis jobs, runs the analyzer and records outcomes.
type Worker struct {
	store    Store
	analyzer analysis.Analyzer
	writer   *results.Writer
	clock    clock.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	st Store,
	analyzer analysis.Analyzer,
	writer *results.Writer,
	clk clock.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ID == "" {
		cfg.ID = DefaultID()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:    st,
		analyzer: analyzer,
		writer:   writer,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.Named("worker").With(zap.String("worker_id", cfg.ID)),
	}
}

// ID returns the worker identity used for leases.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Run blocks, claiming and processing jobs until the context finishes. A
// cancelled context stops further claims; jobs already claimed run to
// completion.
func (w *Worker) Run(ctx context.Context) {
	for {
		n, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Error("claim jobs failed", zap.Error(err))
		}
		if err != nil || n == 0 {
			if !sleep(ctx, w.cfg.PollInterval) {
				return
			}
		}
	}
}

// RunOnce claims one batch and processes it, returning the number of jobs
// claimed. Claimed jobs are not interrupted by ctx.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.store.ClaimJobs(ctx, w.cfg.ID, w.cfg.BatchSize, w.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("claim jobs: %w", err)
	}
	metrics.ObserveClaimed(len(jobs))
	claimed := context.WithoutCancel(ctx)
	for _, job := range jobs {
		w.processJob(claimed, job)
	}
	return len(jobs), nil
}

func (w *Worker) processJob(ctx context.Context, job store.AnalysisJob) {
	metrics.IncInFlight()
	defer metrics.DecInFlight()

	log := logging.WithTrace(w.logger, job.TraceID).With(
		zap.String("job_id", job.ID),
		zap.String("news_event_id", job.NewsEventID),
		zap.Int("attempts", job.Attempts),
	)
	log.Debug("job claimed")

	report, err := w.execute(ctx, job, log)
	if errors.Is(err, store.ErrLeaseLost) {
		log.Warn("job lease lost before analysis, skipped")
		return
	}

	finishCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	tr, err := w.writer.Finish(finishCtx, report)
	switch {
	case errors.Is(err, store.ErrLeaseLost):
		log.Warn("job lease lost, outcome discarded", zap.String("outcome", report.Outcome.Kind.String()))
		return
	case err != nil:
		log.Error("record job outcome", zap.Error(err))
		return
	}

	fields := []zap.Field{
		zap.String("status", string(tr.Status)),
		zap.Int("attempts", tr.Attempts),
		zap.Duration("duration", report.Duration),
	}
	switch tr.Status {
	case store.JobDone:
		log.Info("job done", fields...)
	case store.JobPending:
		log.Warn("job retry scheduled", append(fields, zap.Time("run_after", tr.RunAfter), zap.Error(report.Outcome.Err))...)
	default:
		log.Error("job failed", append(fields, zap.String("outcome", report.Outcome.Kind.String()), zap.Error(report.Outcome.Err))...)
	}
}

// execute loads the event, marks the result pending and calls the analyzer
// under the per-job timeout. Failures before the result row exists come back
// with a zero result. The only error returned is a lost lease, after which
// nothing may be written for the job.
func (w *Worker) execute(ctx context.Context, job store.AnalysisJob, log *zap.Logger) (results.Report, error) {
	report := results.Report{Job: job, WorkerID: w.cfg.ID}

	loadCtx, cancelLoad := context.WithTimeout(ctx, storeTimeout)
	event, err := w.store.GetEvent(loadCtx, job.NewsEventID)
	cancelLoad()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			report.Outcome = queue.TerminalFailure(fmt.Errorf("load news event: %w", err))
		} else {
			report.Outcome = queue.TransientFailure(fmt.Errorf("load news event: %w", err))
		}
		return report, nil
	}

	beginCtx, cancelBegin := context.WithTimeout(ctx, storeTimeout)
	pending, err := w.writer.Begin(beginCtx, job, w.cfg.ID, w.analyzer.Provider(), w.analyzer.Model())
	cancelBegin()
	switch {
	case errors.Is(err, store.ErrLeaseLost):
		return report, err
	case err != nil:
		report.Outcome = queue.TransientFailure(err)
		return report, nil
	}
	report.Result = pending

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()
	start := time.Now()
	verdict, err := w.analyzer.Analyze(jobCtx, analysis.InputFromEvent(event))
	report.Duration = time.Since(start)
	if err == nil {
		var valid analysis.Verdict
		if valid, err = analysis.Validate(verdict); err == nil {
			verdict = valid
		}
	}
	if err != nil {
		log.Debug("analysis failed", zap.Error(err), zap.Duration("duration", report.Duration))
	}
	report.Verdict = verdict
	report.Outcome = analysis.Classify(err)
	return report, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
