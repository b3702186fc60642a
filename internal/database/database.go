// Package database opens the optional Postgres pool that mirrors job index
// events.
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

// EnsureSchema creates the job tables if needed. jobs holds the latest
// record per job; job_events keeps every index append.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	source_filename TEXT NOT NULL,
	input_hash TEXT,
	parent_job_id TEXT,
	reused BOOLEAN NOT NULL DEFAULT FALSE,
	error_code TEXT,
	error_message TEXT,
	output_md_path TEXT,
	submitted_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE TABLE IF NOT EXISTS job_events (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	status TEXT NOT NULL,
	record JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
