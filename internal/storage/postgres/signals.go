package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alexduan-mel/SentinelStream/internal/store"
)

// signalSelect yields qualifying signals: a succeeded result whose event
// carries the symbol and which links to the symbol.
const signalSelect = `
SELECT l.ticker_symbol, e.id, r.id, e.trace_id, e.title, e.url, e.source, e.published_at,
	r.sentiment, r.confidence, r.impact_score, r.summary, r.rationale, r.updated_at
FROM entity_links l
JOIN analysis_results r ON r.id = l.analysis_id AND r.status = 'succeeded'
JOIN news_events e ON e.id = r.news_event_id AND l.ticker_symbol = ANY (e.tickers)`

const signalOrder = `ORDER BY e.published_at DESC, e.id DESC, l.ticker_symbol`

// recentSignals lists succeeded analyses once each, labeled with the ticker
// the article was fetched for.
const recentSignals = `
SELECT COALESCE(e.request_ticker, ''), e.id, r.id, e.trace_id, e.title, e.url, e.source, e.published_at,
	r.sentiment, r.confidence, r.impact_score, r.summary, r.rationale, r.updated_at
FROM analysis_results r
JOIN news_events e ON e.id = r.news_event_id
WHERE r.status = 'succeeded'
ORDER BY e.published_at DESC, e.id DESC
LIMIT $1`

func scanSignal(row pgx.Row) (store.Signal, error) {
	var (
		sig       store.Signal
		sentiment string
	)
	err := row.Scan(
		&sig.Symbol,
		&sig.NewsEventID,
		&sig.AnalysisID,
		&sig.TraceID,
		&sig.Title,
		&sig.URL,
		&sig.Source,
		&sig.PublishedAt,
		&sentiment,
		&sig.Confidence,
		&sig.ImpactScore,
		&sig.Summary,
		&sig.Rationale,
		&sig.AnalyzedAt,
	)
	if err != nil {
		return store.Signal{}, err
	}
	sig.Sentiment = store.Sentiment(sentiment)
	return sig, nil
}

// LatestSignal returns the newest qualifying signal for symbol.
func (s *Store) LatestSignal(ctx context.Context, symbol string) (store.Signal, bool, error) {
	var (
		sig   store.Signal
		found bool
	)
	err := s.inTx(ctx, snapshot, func(tx pgx.Tx) error {
		var err error
		sig, err = scanSignal(tx.QueryRow(ctx, signalSelect+`
WHERE l.ticker_symbol = $1
`+signalOrder+`
LIMIT 1`, symbol))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest signal for %s: %w", symbol, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return store.Signal{}, false, err
	}
	return sig, found, nil
}

// MonitorSnapshot returns one row per ticker with its latest signal.
func (s *Store) MonitorSnapshot(ctx context.Context) ([]store.MonitorRow, error) {
	var out []store.MonitorRow
	err := s.inTx(ctx, snapshot, func(tx pgx.Tx) error {
		out = nil
		rows, err := tx.Query(ctx, `
SELECT t.symbol, t.name, t.exchange,
	s.news_event_id, s.analysis_id, s.trace_id, s.title, s.url, s.source, s.published_at,
	s.sentiment, s.confidence, s.impact_score, s.summary, s.rationale, s.analyzed_at
FROM tickers t
LEFT JOIN LATERAL (
	SELECT e.id AS news_event_id, r.id AS analysis_id, e.trace_id, e.title, e.url, e.source,
		e.published_at, r.sentiment, r.confidence, r.impact_score, r.summary, r.rationale,
		r.updated_at AS analyzed_at
	FROM entity_links l
	JOIN analysis_results r ON r.id = l.analysis_id AND r.status = 'succeeded'
	JOIN news_events e ON e.id = r.news_event_id AND l.ticker_symbol = ANY (e.tickers)
	WHERE l.ticker_symbol = t.symbol
	ORDER BY e.published_at DESC, e.id DESC
	LIMIT 1
) s ON TRUE
ORDER BY t.symbol`)
		if err != nil {
			return fmt.Errorf("monitor snapshot: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			row, err := scanMonitorRow(rows)
			if err != nil {
				return fmt.Errorf("scan monitor row: %w", err)
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanMonitorRow(rows pgx.Rows) (store.MonitorRow, error) {
	var (
		row         store.MonitorRow
		sig         store.Signal
		eventID     *string
		analysisID  *string
		traceID     *string
		title       *string
		url         *string
		source      *string
		sentiment   *string
		confidence  *float64
		impactScore *float64
		summary     *string
		publishedAt *time.Time
		analyzedAt  *time.Time
	)
	err := rows.Scan(
		&row.Ticker.Symbol,
		&row.Ticker.Name,
		&row.Ticker.Exchange,
		&eventID,
		&analysisID,
		&traceID,
		&title,
		&url,
		&source,
		&publishedAt,
		&sentiment,
		&confidence,
		&impactScore,
		&summary,
		&sig.Rationale,
		&analyzedAt,
	)
	if err != nil {
		return store.MonitorRow{}, err
	}
	if eventID == nil || publishedAt == nil || analyzedAt == nil {
		return row, nil
	}
	sig.Symbol = row.Ticker.Symbol
	sig.NewsEventID = *eventID
	sig.AnalysisID = deref(analysisID)
	sig.TraceID = deref(traceID)
	sig.Title = deref(title)
	sig.URL = deref(url)
	sig.Source = deref(source)
	sig.Sentiment = store.Sentiment(deref(sentiment))
	if confidence != nil {
		sig.Confidence = *confidence
	}
	if impactScore != nil {
		sig.ImpactScore = *impactScore
	}
	sig.Summary = deref(summary)
	sig.PublishedAt = *publishedAt
	sig.AnalyzedAt = *analyzedAt
	row.Signal = &sig
	return row, nil
}

// ListSignals returns the newest succeeded analyses, one row each.
func (s *Store) ListSignals(ctx context.Context, limit int) ([]store.Signal, error) {
	var out []store.Signal
	err := s.inTx(ctx, snapshot, func(tx pgx.Tx) error {
		out = nil
		rows, err := tx.Query(ctx, recentSignals, listLimit(limit))
		if err != nil {
			return fmt.Errorf("list signals: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			sig, err := scanSignal(rows)
			if err != nil {
				return fmt.Errorf("scan signal: %w", err)
			}
			out = append(out, sig)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
