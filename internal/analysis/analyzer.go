// Package analysis defines the boundary to the text-analysis collaborator:
// its input and verdict shapes, verdict validation and error classification.
package analysis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alexduan-mel/SentinelStream/internal/store"
)

// Input is what the collaborator sees of a news event.
type Input struct {
	NewsEventID string    `json:"news_event_id"`
	TraceID     string    `json:"trace_id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Content     *string   `json:"content,omitempty"`
	Tickers     []string  `json:"tickers"`
	PublishedAt time.Time `json:"published_at"`
}

// InputFromEvent builds the analyzer input for event.
func InputFromEvent(event store.NewsEvent) Input {
	return Input{
		NewsEventID: event.ID,
		TraceID:     event.TraceID,
		Title:       event.Title,
		URL:         event.URL,
		Content:     event.Content,
		Tickers:     append([]string(nil), event.Tickers...),
		PublishedAt: event.PublishedAt,
	}
}

// Verdict is the structured answer of the collaborator.
type Verdict struct {
	Sentiment   store.Sentiment `json:"sentiment"`
	Confidence  float64         `json:"confidence"`
	ImpactScore float64         `json:"impact_score"`
	Entities    []store.Entity  `json:"entities"`
	Summary     string          `json:"summary"`
	Rationale   *string         `json:"rationale,omitempty"`
	// RawOutput is the undecoded response, kept for audit.
	RawOutput json.RawMessage `json:"-"`
}

// Analyzer turns a news item into a verdict or fails.
type Analyzer interface {
	Analyze(ctx context.Context, in Input) (Verdict, error)
	Provider() string
	Model() string
}
