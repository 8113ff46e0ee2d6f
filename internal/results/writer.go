// Package results records analysis outcomes. A job's transition and its
// result row are written in one store transaction, so a job is never done
// without its result committed.
package results

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alexduan-mel/SentinelStream/internal/analysis"
	"github.com/alexduan-mel/SentinelStream/internal/clock"
	"github.com/alexduan-mel/SentinelStream/internal/metrics"
	"github.com/alexduan-mel/SentinelStream/internal/queue"
	"github.com/alexduan-mel/SentinelStream/internal/store"
)

// HighConfidenceThreshold is the confidence at which a signal is flagged.
const HighConfidenceThreshold = 0.8

// SignalRecordedEvent is the notification type emitted after a success.
const SignalRecordedEvent = "signal.recorded"

// Store is the persistence the Writer needs.
type Store interface {
	BeginAnalysis(ctx context.Context, jobID, workerID string, result store.AnalysisResult) (store.AnalysisResult, error)
	Finish(ctx context.Context, c store.Completion) error
}

// Notifier publishes payloads to a topic.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator produces analysis IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Writer persists analysis results together with job transitions.
type Writer struct {
	store    Store
	ids      IDGenerator
	clock    clock.Clock
	policy   queue.Policy
	notifier Notifier
	topic    string
	logger   *zap.Logger
}

// Option customizes a Writer.
type Option func(*Writer)

// WithNotifier publishes signal.recorded notifications to topic.
func WithNotifier(n Notifier, topic string) Option {
	return func(w *Writer) {
		w.notifier = n
		w.topic = topic
	}
}

// NewWriter wires a Writer.
func NewWriter(st Store, ids IDGenerator, clk clock.Clock, policy queue.Policy, logger *zap.Logger, opts ...Option) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{store: st, ids: ids, clock: clk, policy: policy, logger: logger.Named("results")}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Begin marks the event's result pending before the analyzer is called and
// renews workerID's lease on job. It returns store.ErrLeaseLost (wrapped)
// when the job was reclaimed, in which case nothing was written.
func (w *Writer) Begin(ctx context.Context, job store.AnalysisJob, workerID, provider, model string) (store.AnalysisResult, error) {
	id, err := w.ids.NewID()
	if err != nil {
		return store.AnalysisResult{}, fmt.Errorf("analysis id: %w", err)
	}
	now := w.clock.Now()
	result, err := w.store.BeginAnalysis(ctx, job.ID, workerID, store.AnalysisResult{
		ID:          id,
		NewsEventID: job.NewsEventID,
		TraceID:     job.TraceID,
		Provider:    provider,
		Model:       model,
		Status:      store.ResultPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return store.AnalysisResult{}, fmt.Errorf("begin analysis: %w", err)
	}
	return result, nil
}

// Report is a worker's account of one job execution.
type Report struct {
	Job      store.AnalysisJob
	WorkerID string
	// Result is the row returned by Begin; leave it zero when Begin never ran.
	Result  store.AnalysisResult
	Verdict analysis.Verdict
	Outcome queue.Outcome
	// Duration is how long the analyzer took.
	Duration time.Duration
}

// Finish commits the outcome and the job transition atomically. It returns
// store.ErrLeaseLost (wrapped) when the worker no longer owns the job, in
// which case nothing was written.
func (w *Writer) Finish(ctx context.Context, r Report) (store.Transition, error) {
	now := w.clock.Now()
	tr := queue.Next(r.Job, r.Outcome, w.policy, now)

	if r.Result.ID == "" {
		return w.finishJobOnly(ctx, r, tr)
	}

	result := r.Result
	result.UpdatedAt = now
	result.RawOutput = r.Verdict.RawOutput
	if r.Outcome.Kind == queue.Success {
		v := r.Verdict
		sentiment, confidence, impact, summary := v.Sentiment, v.Confidence, v.ImpactScore, v.Summary
		result.Status = store.ResultSucceeded
		result.ErrorMessage = nil
		result.Sentiment = &sentiment
		result.Confidence = &confidence
		result.ImpactScore = &impact
		result.Entities = v.Entities
		result.Summary = &summary
		result.Rationale = v.Rationale
	} else {
		msg := r.Outcome.Message()
		result.Status = store.ResultFailed
		result.ErrorMessage = &msg
		result.Sentiment = nil
		result.Confidence = nil
		result.ImpactScore = nil
		result.Entities = nil
		result.Summary = nil
		result.Rationale = nil
	}

	err := w.store.Finish(ctx, store.Completion{
		JobID:      r.Job.ID,
		WorkerID:   r.WorkerID,
		Transition: tr,
		Result:     result,
	})
	if err != nil {
		return tr, fmt.Errorf("finish job %s: %w", r.Job.ID, err)
	}
	metrics.ObserveJobOutcome(r.Job.JobType, string(tr.Status), r.Outcome.Kind.String(), r.Duration)

	if result.Status == store.ResultSucceeded {
		w.notify(ctx, r.Job, result)
	}
	return tr, nil
}

// finishJobOnly records a failure that happened before a result row existed.
func (w *Writer) finishJobOnly(ctx context.Context, r Report, tr store.Transition) (store.Transition, error) {
	err := w.store.Finish(ctx, store.Completion{JobID: r.Job.ID, WorkerID: r.WorkerID, Transition: tr})
	if err != nil {
		return tr, fmt.Errorf("finish job %s: %w", r.Job.ID, err)
	}
	metrics.ObserveJobOutcome(r.Job.JobType, string(tr.Status), r.Outcome.Kind.String(), r.Duration)
	return tr, nil
}

func (w *Writer) notify(ctx context.Context, job store.AnalysisJob, result store.AnalysisResult) {
	if w.notifier == nil || w.topic == "" {
		return
	}
	payload := NewSignalRecorded(job, result)
	id, err := w.notifier.Publish(ctx, w.topic, payload)
	metrics.ObserveNotification(err == nil)
	if err != nil {
		w.logger.Warn("signal notification failed",
			zap.String("analysis_id", result.ID),
			zap.String("trace_id", result.TraceID),
			zap.Error(err),
		)
		return
	}
	w.logger.Debug("signal notification published",
		zap.String("analysis_id", result.ID),
		zap.String("message_id", id),
	)
}

// SignalRecorded is published after a succeeded analysis commits.
type SignalRecorded struct {
	Event          string          `json:"event"`
	JobID          string          `json:"job_id"`
	NewsEventID    string          `json:"news_event_id"`
	AnalysisID     string          `json:"analysis_id"`
	TraceID        string          `json:"trace_id"`
	Symbols        []string        `json:"symbols"`
	Sentiment      store.Sentiment `json:"sentiment"`
	Confidence     float64         `json:"confidence"`
	ImpactScore    float64         `json:"impact_score"`
	HighConfidence bool            `json:"high_confidence"`
	Summary        string          `json:"summary"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// NewSignalRecorded builds the notification for a succeeded result.
func NewSignalRecorded(job store.AnalysisJob, result store.AnalysisResult) SignalRecorded {
	n := SignalRecorded{
		Event:       SignalRecordedEvent,
		JobID:       job.ID,
		NewsEventID: result.NewsEventID,
		AnalysisID:  result.ID,
		TraceID:     result.TraceID,
		RecordedAt:  result.UpdatedAt,
	}
	for _, e := range result.Entities {
		n.Symbols = append(n.Symbols, e.Symbol)
	}
	if result.Sentiment != nil {
		n.Sentiment = *result.Sentiment
	}
	if result.Confidence != nil {
		n.Confidence = *result.Confidence
		n.HighConfidence = n.Confidence >= HighConfidenceThreshold
	}
	if result.ImpactScore != nil {
		n.ImpactScore = *result.ImpactScore
	}
	if result.Summary != nil {
		n.Summary = *result.Summary
	}
	return n
}

// Attributes tags the Pub/Sub message.
func (n SignalRecorded) Attributes() map[string]string {
	return map[string]string{
		"event_type": n.Event,
		"trace_id":   n.TraceID,
	}
}
