package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrLeaseLost is returned when a worker reports on a job it no longer holds.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrInvariant marks a news_id that maps to a different canonical URL.
	ErrInvariant = errors.New("news identity invariant violated")
	// ErrInvalidState is returned when an operator action does not apply to a job.
	ErrInvalidState = errors.New("invalid job state")
)

// RawStore persists raw items.
type RawStore interface {
	// InsertRaw inserts the item unless (source, dedup_key) exists, in which
	// case the stored row is returned with created=false.
	InsertRaw(ctx context.Context, item RawItem) (RawItem, bool, error)
	// ListStagedRaw returns up to limit fetched items, oldest first.
	ListStagedRaw(ctx context.Context, limit int) ([]RawItem, error)
	// RecordRawFailure bumps attempts and stores errText. The item becomes
	// failed when terminal is set or attempts reach maxAttempts.
	RecordRawFailure(ctx context.Context, rawID string, errText string, terminal bool, maxAttempts int) (RawItem, error)
	// GetRaw loads one raw item or returns ErrNotFound.
	GetRaw(ctx context.Context, rawID string) (RawItem, error)
}

// EventStore promotes raw items and reads news events.
type EventStore interface {
	// Promote inserts the event (or finds it by news_id), publishes its jobs
	// and marks the raw item normalized in one transaction. A news_id that
	// already belongs to another URL yields ErrInvariant.
	Promote(ctx context.Context, p Promotion) (PromotionResult, error)
	// GetEvent loads one news event or returns ErrNotFound.
	GetEvent(ctx context.Context, eventID string) (NewsEvent, error)
}

// JobStore is the durable analysis job queue.
type JobStore interface {
	// PublishJob inserts the job unless (news_event_id, job_type) exists.
	PublishJob(ctx context.Context, job AnalysisJob) (AnalysisJob, bool, error)
	// ClaimJobs atomically leases up to limit runnable jobs to workerID.
	ClaimJobs(ctx context.Context, workerID string, limit int, now time.Time) ([]AnalysisJob, error)
	// Finish applies a completion guarded by the worker's lease.
	Finish(ctx context.Context, c Completion) error
	// RecoverExpired releases running jobs locked before cutoff.
	RecoverExpired(ctx context.Context, cutoff time.Time, maxAttempts int, now time.Time) (RecoveryReport, error)
	// GetJob loads one job or returns ErrNotFound.
	GetJob(ctx context.Context, jobID string) (AnalysisJob, error)
	// ListJobsForEvent returns the jobs of one event ordered by job type.
	ListJobsForEvent(ctx context.Context, eventID string) ([]AnalysisJob, error)
	// CountJobs returns the number of jobs per status.
	CountJobs(ctx context.Context) (map[JobStatus]int, error)
	// RequeueJob moves a failed job back to pending with attempts reset.
	RequeueJob(ctx context.Context, jobID string, now time.Time) (AnalysisJob, error)
}

// ResultStore persists analysis results.
type ResultStore interface {
	// BeginAnalysis renews workerID's lease on jobID and upserts the event's
	// result row to pending. It returns ErrLeaseLost, writing nothing, when
	// the job is no longer running under workerID.
	BeginAnalysis(ctx context.Context, jobID, workerID string, result AnalysisResult) (AnalysisResult, error)
	// GetResult loads the result for one event or returns ErrNotFound.
	GetResult(ctx context.Context, eventID string) (AnalysisResult, error)
	// ListEntityLinks returns the links of one analysis ordered by symbol.
	ListEntityLinks(ctx context.Context, analysisID string) ([]EntityLink, error)
}

// TickerStore persists the tracked ticker universe.
type TickerStore interface {
	UpsertTickers(ctx context.Context, tickers []Ticker) error
	ListTickers(ctx context.Context) ([]Ticker, error)
}

// SignalStore serves the read path.
type SignalStore interface {
	// LatestSignal returns the newest qualifying signal for symbol.
	LatestSignal(ctx context.Context, symbol string) (Signal, bool, error)
	// MonitorSnapshot returns one row per ticker ordered by symbol.
	MonitorSnapshot(ctx context.Context) ([]MonitorRow, error)
	// ListSignals returns the newest succeeded analyses, one row per analysis
	// labeled with the event's request ticker (empty when it has none).
	ListSignals(ctx context.Context, limit int) ([]Signal, error)
}

// Store aggregates every persistence concern of the pipeline.
type Store interface {
	RawStore
	EventStore
	JobStore
	ResultStore
	TickerStore
	SignalStore
	Ping(ctx context.Context) error
	Close() error
}
