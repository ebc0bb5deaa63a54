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
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the cache tables if needed. Having the migration in
// code keeps the service self-contained so docker-compose can bootstrap
// everything.
//
// The constraints carry the correctness story: one resources row per
// checksum, one derived_results row per (resource, entity key), one
// share_links row per result and per code, and cascading deletes from
// resource down to link.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS resources (
	id TEXT PRIMARY KEY,
	checksum TEXT NOT NULL UNIQUE,
	external_handle TEXT,
	handle_expires_at TIMESTAMPTZ,
	size_bytes BIGINT NOT NULL,
	source_name TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	last_accessed_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS derived_results (
	id TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
	entity_key TEXT NOT NULL,
	entity_display TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT derived_results_resource_entity_key UNIQUE (resource_id, entity_key)
);
CREATE TABLE IF NOT EXISTS share_links (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL CONSTRAINT share_links_code_key UNIQUE,
	result_id TEXT NOT NULL CONSTRAINT share_links_result_id_key UNIQUE REFERENCES derived_results(id) ON DELETE CASCADE,
	view_count BIGINT NOT NULL DEFAULT 0,
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_derived_results_resource ON derived_results(resource_id);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
