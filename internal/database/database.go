package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the ledger table if needed. The dataset and download
// tables read by the records package belong to the surrounding registry and
// are not created here.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS doi_ledger (
	doi TEXT PRIMARY KEY,
	display TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	target TEXT,
	metadata TEXT,
	failure TEXT,
	applied TIMESTAMPTZ,
	created TIMESTAMPTZ NOT NULL,
	modified TIMESTAMPTZ NOT NULL
);
ALTER TABLE doi_ledger ADD COLUMN IF NOT EXISTS failure TEXT;
ALTER TABLE doi_ledger ADD COLUMN IF NOT EXISTS applied TIMESTAMPTZ;
CREATE INDEX IF NOT EXISTS idx_doi_ledger_status ON doi_ledger(status, type);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
