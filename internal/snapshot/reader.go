// Package snapshot serves the read side: the latest trusted signal per
// ticker. Absence of data is a value, never an error.
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alexduan-mel/SentinelStream/internal/results"
	"github.com/alexduan-mel/SentinelStream/internal/store"
)

// Limits applied to ListSignals.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Signal is one succeeded analysis as seen from a ticker.
type Signal struct {
	Symbol         string          `json:"symbol"`
	NewsEventID    string          `json:"news_event_id"`
	AnalysisID     string          `json:"analysis_id"`
	TraceID        string          `json:"trace_id"`
	Title          string          `json:"title"`
	URL            string          `json:"url"`
	Source         string          `json:"source"`
	PublishedAt    time.Time       `json:"published_at"`
	Sentiment      store.Sentiment `json:"sentiment"`
	Confidence     float64         `json:"confidence"`
	ImpactScore    float64         `json:"impact_score"`
	HighConfidence bool            `json:"high_confidence"`
	Summary        string          `json:"summary"`
	Rationale      *string         `json:"rationale,omitempty"`
	AnalyzedAt     time.Time       `json:"analyzed_at"`
}

// MonitorRow is one ticker of the monitor view. Signal is nil when the
// ticker has no qualifying analysis yet.
type MonitorRow struct {
	Symbol   string  `json:"symbol"`
	Name     string  `json:"name"`
	Exchange string  `json:"exchange"`
	Signal   *Signal `json:"signal"`
}

// Reader answers read-path queries against a store.SignalStore.
type Reader struct {
	store store.SignalStore
}

// NewReader wires a Reader.
func NewReader(st store.SignalStore) *Reader {
	return &Reader{store: st}
}

// LatestSignal returns the newest qualifying signal for symbol.
func (r *Reader) LatestSignal(ctx context.Context, symbol string) (Signal, bool, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Signal{}, false, nil
	}
	sig, ok, err := r.store.LatestSignal(ctx, symbol)
	if err != nil {
		return Signal{}, false, fmt.Errorf("latest signal for %s: %w", symbol, err)
	}
	if !ok {
		return Signal{}, false, nil
	}
	return fromStore(sig), true, nil
}

// MonitorSnapshot returns every tracked ticker with its latest signal,
// ordered by symbol.
func (r *Reader) MonitorSnapshot(ctx context.Context) ([]MonitorRow, error) {
	rows, err := r.store.MonitorSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("monitor snapshot: %w", err)
	}
	out := make([]MonitorRow, 0, len(rows))
	for _, row := range rows {
		mr := MonitorRow{Symbol: row.Ticker.Symbol, Name: row.Ticker.Name, Exchange: row.Ticker.Exchange}
		if row.Signal != nil {
			sig := fromStore(*row.Signal)
			mr.Signal = &sig
		}
		out = append(out, mr)
	}
	return out, nil
}

// ListSignals returns the newest succeeded analyses, one per article,
// labeled with the ticker the article was fetched for. limit is clamped to
// [1, MaxListLimit]; zero or less selects DefaultListLimit.
func (r *Reader) ListSignals(ctx context.Context, limit int) ([]Signal, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	sigs, err := r.store.ListSignals(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	out := make([]Signal, 0, len(sigs))
	for _, s := range sigs {
		out = append(out, fromStore(s))
	}
	return out, nil
}

func fromStore(s store.Signal) Signal {
	return Signal{
		Symbol:         s.Symbol,
		NewsEventID:    s.NewsEventID,
		AnalysisID:     s.AnalysisID,
		TraceID:        s.TraceID,
		Title:          s.Title,
		URL:            s.URL,
		Source:         s.Source,
		PublishedAt:    s.PublishedAt,
		Sentiment:      s.Sentiment,
		Confidence:     s.Confidence,
		ImpactScore:    s.ImpactScore,
		HighConfidence: s.Confidence >= results.HighConfidenceThreshold,
		Summary:        s.Summary,
		Rationale:      s.Rationale,
		AnalyzedAt:     s.AnalyzedAt,
	}
}
