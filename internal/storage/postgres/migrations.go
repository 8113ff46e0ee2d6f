package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// migrationLockID serializes concurrent Migrate calls across processes.
const migrationLockID int64 = 0x53454e54

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{version: 1, name: "initial schema", sql: schemaV1},
}

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INT PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const schemaV1 = `
CREATE TABLE IF NOT EXISTS tickers (
	symbol   TEXT PRIMARY KEY,
	name     TEXT NOT NULL DEFAULT '',
	exchange TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS news_events (
	id             UUID PRIMARY KEY,
	news_id        TEXT NOT NULL UNIQUE,
	trace_id       TEXT NOT NULL,
	source         TEXT NOT NULL,
	request_ticker TEXT,
	published_at   TIMESTAMPTZ NOT NULL,
	ingested_at    TIMESTAMPTZ NOT NULL,
	title          TEXT NOT NULL,
	url            TEXT NOT NULL,
	content        TEXT,
	tickers        TEXT[] NOT NULL DEFAULT '{}',
	payload        JSONB NOT NULL,
	UNIQUE (source, url)
);
CREATE INDEX IF NOT EXISTS news_events_published_idx ON news_events (published_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS news_events_tickers_idx ON news_events USING GIN (tickers);

CREATE TABLE IF NOT EXISTS raw_items (
	id            UUID PRIMARY KEY,
	source        TEXT NOT NULL,
	trace_id      TEXT NOT NULL,
	fetched_at    TIMESTAMPTZ NOT NULL,
	published_at  TIMESTAMPTZ,
	url           TEXT,
	title         TEXT,
	dedup_key     TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'fetched' CHECK (status IN ('fetched', 'normalized', 'failed')),
	attempts      INT NOT NULL DEFAULT 0,
	last_error    TEXT,
	payload       JSONB NOT NULL,
	news_event_id UUID REFERENCES news_events (id),
	UNIQUE (source, dedup_key)
);
CREATE INDEX IF NOT EXISTS raw_items_staged_idx ON raw_items (fetched_at, id) WHERE status = 'fetched';

CREATE TABLE IF NOT EXISTS analysis_jobs (
	id            UUID PRIMARY KEY,
	news_event_id UUID NOT NULL REFERENCES news_events (id) ON DELETE CASCADE,
	trace_id      TEXT NOT NULL,
	job_type      TEXT NOT NULL,
	status        TEXT NOT NULL CHECK (status IN ('pending', 'running', 'done', 'failed')),
	attempts      INT NOT NULL DEFAULT 0,
	run_after     TIMESTAMPTZ NOT NULL,
	locked_at     TIMESTAMPTZ,
	locked_by     TEXT,
	last_error    TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (news_event_id, job_type)
);
CREATE INDEX IF NOT EXISTS analysis_jobs_runnable_idx ON analysis_jobs (run_after, created_at, id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS analysis_jobs_leased_idx ON analysis_jobs (locked_at) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS analysis_results (
	id            UUID PRIMARY KEY,
	news_event_id UUID NOT NULL UNIQUE REFERENCES news_events (id) ON DELETE CASCADE,
	trace_id      TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	status        TEXT NOT NULL CHECK (status IN ('pending', 'succeeded', 'failed')),
	error_message TEXT,
	sentiment     TEXT CHECK (sentiment IN ('positive', 'negative', 'neutral')),
	confidence    DOUBLE PRECISION CHECK (confidence BETWEEN 0 AND 1),
	impact_score  DOUBLE PRECISION CHECK (impact_score BETWEEN 0 AND 1),
	entities      JSONB NOT NULL DEFAULT '[]',
	summary       TEXT,
	rationale     TEXT,
	raw_output    TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS entity_links (
	analysis_id   UUID NOT NULL REFERENCES analysis_results (id) ON DELETE CASCADE,
	ticker_symbol TEXT NOT NULL REFERENCES tickers (symbol),
	confidence    DOUBLE PRECISION,
	PRIMARY KEY (analysis_id, ticker_symbol)
);
CREATE INDEX IF NOT EXISTS entity_links_symbol_idx ON entity_links (ticker_symbol);
`

// Migrate applies pending schema migrations and returns how many ran.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	applied := 0
	err := s.inTx(ctx, readWrite, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		if _, err := tx.Exec(ctx, createMigrationsTable); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}
		var current int
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		for _, m := range migrations {
			if m.version <= current {
				continue
			}
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
				return fmt.Errorf("record migration %d: %w", m.version, err)
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}
