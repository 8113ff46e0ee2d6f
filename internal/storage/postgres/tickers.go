package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alexduan-mel/SentinelStream/internal/store"
)

// UpsertTickers inserts tickers or refreshes their name and exchange.
func (s *Store) UpsertTickers(ctx context.Context, tickers []store.Ticker) error {
	if len(tickers) == 0 {
		return nil
	}
	return s.inTx(ctx, readWrite, func(tx pgx.Tx) error {
		for _, t := range tickers {
			_, err := tx.Exec(ctx, `
INSERT INTO tickers (symbol, name, exchange)
VALUES ($1, $2, $3)
ON CONFLICT (symbol) DO UPDATE SET name = EXCLUDED.name, exchange = EXCLUDED.exchange`,
				t.Symbol, t.Name, t.Exchange,
			)
			if err != nil {
				return fmt.Errorf("upsert ticker %s: %w", t.Symbol, err)
			}
		}
		return nil
	})
}

// ListTickers returns the ticker universe ordered by symbol.
func (s *Store) ListTickers(ctx context.Context) ([]store.Ticker, error) {
	rows, err := s.pool.Query(ctx, `SELECT symbol, name, exchange FROM tickers ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("list tickers: %w", err)
	}
	defer rows.Close()
	var out []store.Ticker
	for rows.Next() {
		var t store.Ticker
		if err := rows.Scan(&t.Symbol, &t.Name, &t.Exchange); err != nil {
			return nil, fmt.Errorf("scan ticker: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tickers: %w", err)
	}
	return out, nil
}
