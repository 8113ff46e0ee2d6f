package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alexduan-mel/SentinelStream/internal/store"
)

const eventColumns = `id, news_id, trace_id, source, request_ticker, published_at, ingested_at,
	title, url, content, tickers, payload`

func scanEvent(row pgx.Row) (store.NewsEvent, error) {
	var (
		ev      store.NewsEvent
		payload []byte
	)
	err := row.Scan(
		&ev.ID,
		&ev.NewsID,
		&ev.TraceID,
		&ev.Source,
		&ev.RequestTicker,
		&ev.PublishedAt,
		&ev.IngestedAt,
		&ev.Title,
		&ev.URL,
		&ev.Content,
		&ev.Tickers,
		&payload,
	)
	if err != nil {
		return store.NewsEvent{}, err
	}
	ev.Payload = payload
	return ev, nil
}

// Promote inserts the event (or reuses the one with the same news_id),
// publishes its jobs and marks the raw item normalized in one transaction.
func (s *Store) Promote(ctx context.Context, p store.Promotion) (store.PromotionResult, error) {
	var res store.PromotionResult
	err := s.inTx(ctx, readWrite, func(tx pgx.Tx) error {
		ev, created, err := insertEvent(ctx, tx, p.Event)
		if err != nil {
			return err
		}
		res = store.PromotionResult{Event: ev, EventCreated: created}

		for _, job := range p.Jobs {
			job.NewsEventID = ev.ID
			stored, jobCreated, err := insertJob(ctx, tx, job)
			if err != nil {
				return err
			}
			res.Jobs = append(res.Jobs, stored)
			if jobCreated {
				res.JobsCreated++
			}
		}

		tag, err := tx.Exec(ctx, `
UPDATE raw_items
SET status = 'normalized', news_event_id = $2, last_error = NULL
WHERE id = $1`, p.RawID, ev.ID)
		if err != nil {
			return fmt.Errorf("mark raw item normalized: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return store.PromotionResult{}, err
	}
	return res, nil
}

func insertEvent(ctx context.Context, q querier, ev store.NewsEvent) (store.NewsEvent, bool, error) {
	tickers := ev.Tickers
	if tickers == nil {
		tickers = []string{}
	}
	stored, err := scanEvent(q.QueryRow(ctx, `
INSERT INTO news_events (id, news_id, trace_id, source, request_ticker, published_at, ingested_at,
	title, url, content, tickers, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT DO NOTHING
RETURNING `+eventColumns,
		ev.ID,
		ev.NewsID,
		ev.TraceID,
		ev.Source,
		ev.RequestTicker,
		ev.PublishedAt,
		ev.IngestedAt,
		ev.Title,
		ev.URL,
		ev.Content,
		tickers,
		[]byte(ev.Payload),
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return store.NewsEvent{}, false, fmt.Errorf("insert news event: %w", err)
	}
	existing, err := scanEvent(q.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM news_events WHERE news_id = $1`, ev.NewsID))
	if err != nil {
		return store.NewsEvent{}, false, fmt.Errorf("load news event %s: %w", ev.NewsID, err)
	}
	if existing.URL != ev.URL {
		return store.NewsEvent{}, false, store.ErrInvariant
	}
	return existing, false, nil
}

// GetEvent loads one news event.
func (s *Store) GetEvent(ctx context.Context, eventID string) (store.NewsEvent, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM news_events WHERE id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.NewsEvent{}, store.ErrNotFound
	}
	if err != nil {
		return store.NewsEvent{}, fmt.Errorf("get news event %s: %w", eventID, err)
	}
	return ev, nil
}
