package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/alexduan-mel/SentinelStream/internal/clock"
	"github.com/alexduan-mel/SentinelStream/internal/identity"
	"github.com/alexduan-mel/SentinelStream/internal/logging"
	"github.com/alexduan-mel/SentinelStream/internal/metrics"
	"github.com/alexduan-mel/SentinelStream/internal/queue"
	"github.com/alexduan-mel/SentinelStream/internal/store"
)

// FailureClass tells callers whether a normalization failure may succeed later.
type FailureClass string

// Normalization failure classes.
const (
	FailureTransient FailureClass = "transient"
	FailureTerminal  FailureClass = "terminal"
	FailureInvariant FailureClass = "invariant"
)

// NormalizationError describes why a raw item was not promoted.
type NormalizationError struct {
	RawID string
	Class FailureClass
	Err   error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize raw item %s (%s): %v", e.RawID, e.Class, e.Err)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// NormalizerStore is the persistence the normalizer needs.
type NormalizerStore interface {
	ListStagedRaw(ctx context.Context, limit int) ([]store.RawItem, error)
	RecordRawFailure(ctx context.Context, rawID string, errText string, terminal bool, maxAttempts int) (store.RawItem, error)
	Promote(ctx context.Context, p store.Promotion) (store.PromotionResult, error)
}

// JobBuilder creates pending jobs for an event.
type JobBuilder interface {
	Build(event store.NewsEvent, jobType string) (store.AnalysisJob, error)
}

// NormalizerConfig tunes the Normalizer.
type NormalizerConfig struct {
	// MaxAttempts bounds transient failures before a raw item fails.
	MaxAttempts int
	// JobTypes are published for every event.
	JobTypes []string
}

// Normalizer promotes staged raw items into news events.
type Normalizer struct {
	store  NormalizerStore
	jobs   JobBuilder
	ids    IDGenerator
	clock  clock.Clock
	cfg    NormalizerConfig
	logger *zap.Logger
}

// NewNormalizer wires a Normalizer.
func NewNormalizer(
	st NormalizerStore,
	jobs JobBuilder,
	ids IDGenerator,
	clk clock.Clock,
	cfg NormalizerConfig,
	logger *zap.Logger,
) *Normalizer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if len(cfg.JobTypes) == 0 {
		cfg.JobTypes = []string{queue.DefaultJobType}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{store: st, jobs: jobs, ids: ids, clock: clk, cfg: cfg, logger: logger.Named("normalizer")}
}

// Result reports one successful promotion.
type Result struct {
	Event        store.NewsEvent
	EventCreated bool
	JobsCreated  int
}

// Normalize promotes raw into a news event and publishes its jobs. Replaying
// an already promoted item returns the existing event and creates nothing.
func (n *Normalizer) Normalize(ctx context.Context, raw store.RawItem) (Result, error) {
	log := logging.WithTrace(n.logger, raw.TraceID).With(zap.String("raw_id", raw.ID))

	event, err := n.buildEvent(raw)
	if err != nil {
		return Result{}, n.fail(ctx, log, raw, FailureTerminal, err)
	}
	promotion := store.Promotion{RawID: raw.ID, Event: event}
	for _, jobType := range n.cfg.JobTypes {
		job, err := n.jobs.Build(event, jobType)
		if err != nil {
			return Result{}, n.fail(ctx, log, raw, FailureTransient, err)
		}
		promotion.Jobs = append(promotion.Jobs, job)
	}

	res, err := n.store.Promote(ctx, promotion)
	switch {
	case errors.Is(err, store.ErrInvariant):
		err = fmt.Errorf("news_id %s already maps to a different url than %s: %w", event.NewsID, event.URL, err)
		return Result{}, n.fail(ctx, log, raw, FailureInvariant, err)
	case err != nil:
		return Result{}, n.fail(ctx, log, raw, FailureTransient, err)
	}

	built := make(map[string]struct{}, len(promotion.Jobs))
	for _, job := range promotion.Jobs {
		built[job.ID] = struct{}{}
	}
	for _, job := range res.Jobs {
		if _, fresh := built[job.ID]; fresh {
			metrics.ObserveJobsPublished(job.JobType, 1)
		}
	}
	if res.EventCreated {
		metrics.ObserveNormalized("promoted")
	} else {
		metrics.ObserveNormalized("duplicate")
	}
	log.Info("raw item normalized",
		zap.String("news_event_id", res.Event.ID),
		zap.String("news_id", res.Event.NewsID),
		zap.Bool("event_created", res.EventCreated),
		zap.Int("jobs_created", res.JobsCreated),
	)
	return Result{Event: res.Event, EventCreated: res.EventCreated, JobsCreated: res.JobsCreated}, nil
}

func (n *Normalizer) buildEvent(raw store.RawItem) (store.NewsEvent, error) {
	a, err := parseArticle(raw.Payload)
	if err != nil {
		return store.NewsEvent{}, err
	}
	if missing := a.missingFields(); len(missing) > 0 {
		return store.NewsEvent{}, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	canonical, err := identity.Canonicalize(a.URL)
	if err != nil {
		return store.NewsEvent{}, fmt.Errorf("canonicalize url: %w", err)
	}
	newsID, err := identity.NewsID(canonical)
	if err != nil {
		return store.NewsEvent{}, fmt.Errorf("news id: %w", err)
	}
	id, err := n.ids.NewID()
	if err != nil {
		return store.NewsEvent{}, fmt.Errorf("event id: %w", err)
	}
	return store.NewsEvent{
		ID:            id,
		NewsID:        newsID,
		TraceID:       raw.TraceID,
		Source:        raw.Source,
		RequestTicker: a.RequestTicker,
		PublishedAt:   *a.PublishedAt,
		IngestedAt:    n.clock.Now(),
		Title:         a.Title,
		URL:           canonical,
		Content:       a.Content,
		Tickers:       a.tickers(),
		Payload:       raw.Payload,
	}, nil
}

func (n *Normalizer) fail(ctx context.Context, log *zap.Logger, raw store.RawItem, class FailureClass, cause error) error {
	nerr := &NormalizationError{RawID: raw.ID, Class: class, Err: cause}
	metrics.ObserveNormalized(string(class))

	terminal := class != FailureTransient
	updated, err := n.store.RecordRawFailure(ctx, raw.ID, queue.Truncate(cause.Error()), terminal, n.cfg.MaxAttempts)
	if err != nil {
		log.Error("record raw failure", zap.Error(err), zap.NamedError("cause", cause))
		return errors.Join(nerr, fmt.Errorf("record raw failure: %w", err))
	}
	if class == FailureTransient && updated.Status == store.RawFailed {
		nerr.Class = FailureTerminal
	}

	fields := []zap.Field{
		zap.String("class", string(nerr.Class)),
		zap.Int("attempts", updated.Attempts),
		zap.Error(cause),
	}
	switch class {
	case FailureInvariant:
		log.Error("news identity collision", fields...)
	case FailureTerminal:
		log.Error("raw item rejected", fields...)
	default:
		log.Warn("normalization failed", fields...)
	}
	return nerr
}

// RunReport summarizes one replay over staged raw items.
type RunReport struct {
	Processed    int
	Promoted     int
	Duplicates   int
	JobsEnqueued int
	Failed       int
}

// Run normalizes up to limit staged raw items, oldest first. Per-item
// failures are counted and recorded; only listing errors abort the run.
func (n *Normalizer) Run(ctx context.Context, limit int) (RunReport, error) {
	items, err := n.store.ListStagedRaw(ctx, limit)
	if err != nil {
		return RunReport{}, fmt.Errorf("list staged raw items: %w", err)
	}
	var report RunReport
	for _, raw := range items {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Processed++
		res, err := n.Normalize(ctx, raw)
		if err != nil {
			report.Failed++
			continue
		}
		if res.EventCreated {
			report.Promoted++
		} else {
			report.Duplicates++
		}
		report.JobsEnqueued += res.JobsCreated
	}
	n.logger.Info("normalizer run complete",
		zap.Int("processed", report.Processed),
		zap.Int("promoted", report.Promoted),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("jobs_enqueued", report.JobsEnqueued),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}
