package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alexduan-mel/SentinelStream/internal/store"
)

const resultColumns = `id, news_event_id, trace_id, provider, model, status, error_message,
	sentiment, confidence, impact_score, entities, summary, rationale, raw_output, created_at, updated_at`

func scanResult(row pgx.Row) (store.AnalysisResult, error) {
	var (
		r         store.AnalysisResult
		status    string
		sentiment *string
		entities  []byte
		rawOutput *string
	)
	err := row.Scan(
		&r.ID,
		&r.NewsEventID,
		&r.TraceID,
		&r.Provider,
		&r.Model,
		&status,
		&r.ErrorMessage,
		&sentiment,
		&r.Confidence,
		&r.ImpactScore,
		&entities,
		&r.Summary,
		&r.Rationale,
		&rawOutput,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return store.AnalysisResult{}, err
	}
	r.Status = store.ResultStatus(status)
	if sentiment != nil {
		v := store.Sentiment(*sentiment)
		r.Sentiment = &v
	}
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &r.Entities); err != nil {
			return store.AnalysisResult{}, fmt.Errorf("decode entities: %w", err)
		}
	}
	if rawOutput != nil {
		r.RawOutput = json.RawMessage(*rawOutput)
	}
	return r, nil
}

// BeginAnalysis renews the worker's lease and upserts the event's result row
// to pending in one transaction. An existing row keeps its id and structured
// fields. A worker that lost its lease gets ErrLeaseLost and the result is
// left as it is.
func (s *Store) BeginAnalysis(
	ctx context.Context,
	jobID, workerID string,
	result store.AnalysisResult,
) (store.AnalysisResult, error) {
	createdAt := result.CreatedAt
	if createdAt.IsZero() {
		createdAt = result.UpdatedAt
	}
	var stored store.AnalysisResult
	err := s.inTx(ctx, readWrite, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE analysis_jobs SET locked_at = $3, updated_at = $3
WHERE id = $1 AND status = 'running' AND locked_by = $2`,
			jobID, workerID, result.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("renew lease on job %s: %w", jobID, err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrLeaseLost
		}
		stored, err = scanResult(tx.QueryRow(ctx, `
INSERT INTO analysis_results (id, news_event_id, trace_id, provider, model, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
ON CONFLICT (news_event_id) DO UPDATE
SET status = 'pending',
	error_message = NULL,
	provider = EXCLUDED.provider,
	model = EXCLUDED.model,
	trace_id = EXCLUDED.trace_id,
	updated_at = EXCLUDED.updated_at
RETURNING `+resultColumns,
			result.ID,
			result.NewsEventID,
			result.TraceID,
			result.Provider,
			result.Model,
			createdAt,
			result.UpdatedAt,
		))
		if err != nil {
			return fmt.Errorf("begin analysis for event %s: %w", result.NewsEventID, err)
		}
		return nil
	})
	if err != nil {
		return store.AnalysisResult{}, err
	}
	return stored, nil
}

// upsertResult writes the final result row and replaces its entity links.
// Links are kept only for succeeded results and tracked tickers.
func upsertResult(ctx context.Context, tx pgx.Tx, result store.AnalysisResult, now time.Time) error {
	entities := result.Entities
	if entities == nil {
		entities = []store.Entity{}
	}
	entitiesJSON, err := json.Marshal(entities)
	if err != nil {
		return fmt.Errorf("encode entities: %w", err)
	}
	createdAt := result.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	var sentiment *string
	if result.Sentiment != nil {
		v := string(*result.Sentiment)
		sentiment = &v
	}
	var rawOutput *string
	if len(result.RawOutput) > 0 {
		v := string(result.RawOutput)
		rawOutput = &v
	}

	var analysisID string
	err = tx.QueryRow(ctx, `
INSERT INTO analysis_results (id, news_event_id, trace_id, provider, model, status, error_message,
	sentiment, confidence, impact_score, entities, summary, rationale, raw_output, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (news_event_id) DO UPDATE
SET trace_id = EXCLUDED.trace_id,
	provider = EXCLUDED.provider,
	model = EXCLUDED.model,
	status = EXCLUDED.status,
	error_message = EXCLUDED.error_message,
	sentiment = EXCLUDED.sentiment,
	confidence = EXCLUDED.confidence,
	impact_score = EXCLUDED.impact_score,
	entities = EXCLUDED.entities,
	summary = EXCLUDED.summary,
	rationale = EXCLUDED.rationale,
	raw_output = EXCLUDED.raw_output,
	updated_at = EXCLUDED.updated_at
RETURNING id`,
		result.ID,
		result.NewsEventID,
		result.TraceID,
		result.Provider,
		result.Model,
		string(result.Status),
		result.ErrorMessage,
		sentiment,
		result.Confidence,
		result.ImpactScore,
		entitiesJSON,
		result.Summary,
		result.Rationale,
		rawOutput,
		createdAt,
		now,
	).Scan(&analysisID)
	if err != nil {
		return fmt.Errorf("upsert result for event %s: %w", result.NewsEventID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM entity_links WHERE analysis_id = $1`, analysisID); err != nil {
		return fmt.Errorf("clear entity links: %w", err)
	}
	if result.Status != store.ResultSucceeded {
		return nil
	}
	for _, e := range uniqueEntities(result.Entities) {
		_, err := tx.Exec(ctx, `
INSERT INTO entity_links (analysis_id, ticker_symbol, confidence)
SELECT $1::uuid, symbol, $3::double precision
FROM tickers
WHERE symbol = $2
ON CONFLICT (analysis_id, ticker_symbol) DO NOTHING`,
			analysisID, e.Symbol, e.Confidence,
		)
		if err != nil {
			return fmt.Errorf("link %s to analysis %s: %w", e.Symbol, analysisID, err)
		}
	}
	return nil
}

func uniqueEntities(entities []store.Entity) []store.Entity {
	seen := make(map[string]struct{}, len(entities))
	out := make([]store.Entity, 0, len(entities))
	for _, e := range entities {
		if _, dup := seen[e.Symbol]; dup {
			continue
		}
		seen[e.Symbol] = struct{}{}
		out = append(out, e)
	}
	return out
}

// GetResult loads the result for one event.
func (s *Store) GetResult(ctx context.Context, eventID string) (store.AnalysisResult, error) {
	r, err := scanResult(s.pool.QueryRow(ctx,
		`SELECT `+resultColumns+` FROM analysis_results WHERE news_event_id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.AnalysisResult{}, store.ErrNotFound
	}
	if err != nil {
		return store.AnalysisResult{}, fmt.Errorf("get result for event %s: %w", eventID, err)
	}
	return r, nil
}

// ListEntityLinks returns the links of one analysis ordered by symbol.
func (s *Store) ListEntityLinks(ctx context.Context, analysisID string) ([]store.EntityLink, error) {
	rows, err := s.pool.Query(ctx, `
SELECT analysis_id, ticker_symbol, confidence
FROM entity_links
WHERE analysis_id = $1
ORDER BY ticker_symbol`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("list entity links: %w", err)
	}
	defer rows.Close()
	var out []store.EntityLink
	for rows.Next() {
		var link store.EntityLink
		if err := rows.Scan(&link.AnalysisID, &link.TickerSymbol, &link.Confidence); err != nil {
			return nil, fmt.Errorf("scan entity link: %w", err)
		}
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entity links: %w", err)
	}
	return out, nil
}
