package store

import (
	"encoding/json"
	"time"
)

// RawStatus mirrors the raw_items.status column.
type RawStatus string

// Raw item statuses persisted in raw_items.status.
const (
	RawFetched    RawStatus = "fetched"
	RawNormalized RawStatus = "normalized"
	RawFailed     RawStatus = "failed"
)

// JobStatus mirrors the analysis_jobs.status column.
type JobStatus string

// Job statuses persisted in analysis_jobs.status.
const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// JobStatuses lists every job status in lifecycle order.
var JobStatuses = []JobStatus{JobPending, JobRunning, JobDone, JobFailed}

// ResultStatus mirrors the analysis_results.status column.
type ResultStatus string

// Result statuses persisted in analysis_results.status.
const (
	ResultPending   ResultStatus = "pending"
	ResultSucceeded ResultStatus = "succeeded"
	ResultFailed    ResultStatus = "failed"
)

// Sentiment is the polarity assigned by the analysis collaborator.
type Sentiment string

// Accepted sentiment values.
const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Valid reports whether s is one of the accepted sentiment values.
func (s Sentiment) Valid() bool {
	switch s {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
		return true
	default:
		return false
	}
}

// Ticker is a tracked equity symbol.
type Ticker struct {
	Symbol   string
	Name     string
	Exchange string
}

// RawItem is one fetched payload as received from the news source.
type RawItem struct {
	// ID is a UUIDv7 assigned at staging.
	ID string
	// Source names the upstream feed (e.g. finnhub).
	Source string
	// TraceID follows the item through every downstream record.
	TraceID   string
	FetchedAt time.Time
	// PublishedAt, URL and Title are extracted from the payload when present.
	PublishedAt *time.Time
	URL         *string
	Title       *string
	// DedupKey is unique per source.
	DedupKey  string
	Status    RawStatus
	Attempts  int
	LastError *string
	// Payload is the untouched upstream JSON object.
	Payload json.RawMessage
	// NewsEventID is set once the item has been promoted.
	NewsEventID *string
}

// NewsEvent is the canonical, deduplicated representation of an article.
type NewsEvent struct {
	ID string
	// NewsID is the hex SHA-256 of the canonical URL.
	NewsID        string
	TraceID       string
	Source        string
	RequestTicker *string
	PublishedAt   time.Time
	IngestedAt    time.Time
	Title         string
	// URL is the canonical URL.
	URL     string
	Content *string
	// Tickers are the upper-case symbols the article is associated with.
	Tickers []string
	Payload json.RawMessage
}

// HasTicker reports whether the event is associated with symbol.
func (e NewsEvent) HasTicker(symbol string) bool {
	for _, t := range e.Tickers {
		if t == symbol {
			return true
		}
	}
	return false
}

// AnalysisJob is one unit of asynchronous work for a news event.
type AnalysisJob struct {
	ID          string
	NewsEventID string
	TraceID     string
	JobType     string
	Status      JobStatus
	// Attempts counts completed executions, including lease expiries.
	Attempts int
	// RunAfter is the earliest time the job may be claimed.
	RunAfter time.Time
	// LockedAt and LockedBy are set only while the job is running.
	LockedAt  *time.Time
	LockedBy  *string
	LastError *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Entity is one ticker mentioned in an analysis verdict.
type Entity struct {
	Symbol     string   `json:"symbol"`
	Name       *string  `json:"name,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// AnalysisResult is the latest analysis outcome for a news event.
type AnalysisResult struct {
	ID           string
	NewsEventID  string
	TraceID      string
	Provider     string
	Model        string
	Status       ResultStatus
	ErrorMessage *string
	// Structured verdict fields are nil unless Status is succeeded.
	Sentiment   *Sentiment
	Confidence  *float64
	ImpactScore *float64
	Entities    []Entity
	Summary     *string
	Rationale   *string
	// RawOutput keeps whatever the collaborator returned, valid or not.
	RawOutput json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntityLink ties a succeeded analysis to a tracked ticker.
type EntityLink struct {
	AnalysisID   string
	TickerSymbol string
	Confidence   *float64
}

// Signal is the read-side view of one succeeded analysis for a ticker.
type Signal struct {
	Symbol      string
	NewsEventID string
	AnalysisID  string
	TraceID     string
	Title       string
	URL         string
	Source      string
	PublishedAt time.Time
	Sentiment   Sentiment
	Confidence  float64
	ImpactScore float64
	Summary     string
	Rationale   *string
	AnalyzedAt  time.Time
}

// MonitorRow pairs a ticker with its latest signal, if any.
type MonitorRow struct {
	Ticker Ticker
	Signal *Signal
}

// Promotion is the unit of work that turns a raw item into a news event.
type Promotion struct {
	RawID string
	Event NewsEvent
	// Jobs are inserted for the resulting event; their NewsEventID is
	// overwritten with the stored event's id.
	Jobs []AnalysisJob
}

// PromotionResult reports what Promote actually wrote.
type PromotionResult struct {
	Event        NewsEvent
	EventCreated bool
	Jobs         []AnalysisJob
	JobsCreated  int
}

// Transition is the next persisted state of a running job.
type Transition struct {
	Status    JobStatus
	Attempts  int
	RunAfter  time.Time
	LastError *string
	At        time.Time
}

// Completion records a worker's outcome for a claimed job.
type Completion struct {
	JobID      string
	WorkerID   string
	Transition Transition
	// Result is upserted in the same transaction as the job transition. A
	// zero Result (empty ID) leaves the event's result row untouched.
	Result AnalysisResult
}

// RecoveryReport counts the jobs moved by a lease-expiry sweep.
type RecoveryReport struct {
	Requeued int
	Failed   int
}

// Total is the number of jobs the sweep touched.
func (r RecoveryReport) Total() int {
	return r.Requeued + r.Failed
}
