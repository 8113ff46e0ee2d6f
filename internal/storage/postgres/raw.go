package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alexduan-mel/SentinelStream/internal/store"
)

const rawColumns = `id, source, trace_id, fetched_at, published_at, url, title, dedup_key,
	status, attempts, last_error, payload, news_event_id`

func scanRaw(row pgx.Row) (store.RawItem, error) {
	var (
		item    store.RawItem
		status  string
		payload []byte
	)
	err := row.Scan(
		&item.ID,
		&item.Source,
		&item.TraceID,
		&item.FetchedAt,
		&item.PublishedAt,
		&item.URL,
		&item.Title,
		&item.DedupKey,
		&status,
		&item.Attempts,
		&item.LastError,
		&payload,
		&item.NewsEventID,
	)
	if err != nil {
		return store.RawItem{}, err
	}
	item.Status = store.RawStatus(status)
	item.Payload = payload
	return item, nil
}

// InsertRaw inserts item unless (source, dedup_key) exists.
func (s *Store) InsertRaw(ctx context.Context, item store.RawItem) (store.RawItem, bool, error) {
	if item.Status == "" {
		item.Status = store.RawFetched
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO raw_items (id, source, trace_id, fetched_at, published_at, url, title, dedup_key, status, attempts, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (source, dedup_key) DO NOTHING
RETURNING `+rawColumns,
		item.ID,
		item.Source,
		item.TraceID,
		item.FetchedAt,
		item.PublishedAt,
		item.URL,
		item.Title,
		item.DedupKey,
		string(item.Status),
		item.Attempts,
		[]byte(item.Payload),
	)
	stored, err := scanRaw(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return store.RawItem{}, false, fmt.Errorf("insert raw item: %w", err)
	}
	existing, err := scanRaw(s.pool.QueryRow(ctx,
		`SELECT `+rawColumns+` FROM raw_items WHERE source = $1 AND dedup_key = $2`,
		item.Source, item.DedupKey,
	))
	if err != nil {
		return store.RawItem{}, false, fmt.Errorf("load duplicate raw item: %w", err)
	}
	return existing, false, nil
}

// GetRaw loads one raw item.
func (s *Store) GetRaw(ctx context.Context, rawID string) (store.RawItem, error) {
	item, err := scanRaw(s.pool.QueryRow(ctx, `SELECT `+rawColumns+` FROM raw_items WHERE id = $1`, rawID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.RawItem{}, store.ErrNotFound
	}
	if err != nil {
		return store.RawItem{}, fmt.Errorf("get raw item %s: %w", rawID, err)
	}
	return item, nil
}

// ListStagedRaw returns fetched items, oldest first.
func (s *Store) ListStagedRaw(ctx context.Context, limit int) ([]store.RawItem, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+rawColumns+`
FROM raw_items
WHERE status = 'fetched'
ORDER BY fetched_at, id
LIMIT $1`, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list staged raw items: %w", err)
	}
	defer rows.Close()
	var out []store.RawItem
	for rows.Next() {
		item, err := scanRaw(rows)
		if err != nil {
			return nil, fmt.Errorf("scan raw item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list staged raw items: %w", err)
	}
	return out, nil
}

// RecordRawFailure bumps attempts on a fetched item and fails it when
// terminal is set or attempts reach maxAttempts. Items that already left
// the fetched state are returned unchanged.
func (s *Store) RecordRawFailure(
	ctx context.Context,
	rawID string,
	errText string,
	terminal bool,
	maxAttempts int,
) (store.RawItem, error) {
	item, err := scanRaw(s.pool.QueryRow(ctx, `
UPDATE raw_items
SET attempts = attempts + 1,
	last_error = $2,
	status = CASE WHEN $3::boolean OR attempts + 1 >= $4::int THEN 'failed' ELSE status END
WHERE id = $1 AND status = 'fetched'
RETURNING `+rawColumns, rawID, errText, terminal, maxAttempts))
	if errors.Is(err, pgx.ErrNoRows) {
		return s.GetRaw(ctx, rawID)
	}
	if err != nil {
		return store.RawItem{}, fmt.Errorf("record raw failure %s: %w", rawID, err)
	}
	return item, nil
}
