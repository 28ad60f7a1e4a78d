// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS raw_items (
	id               TEXT PRIMARY KEY,
	fingerprint      TEXT NOT NULL UNIQUE,
	source_url       TEXT NOT NULL,
	title            TEXT NOT NULL,
	body             TEXT NOT NULL,
	informant        TEXT NOT NULL DEFAULT '',
	published_at     TIMESTAMPTZ,
	collected_at     TIMESTAMPTZ NOT NULL,
	status           TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	next_eligible_at TIMESTAMPTZ,
	last_error       TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS raw_items_status_idx ON raw_items (status)`,
	`CREATE INDEX IF NOT EXISTS raw_items_retry_idx ON raw_items (next_eligible_at) WHERE status = 'retry_pending'`,
	`CREATE TABLE IF NOT EXISTS archive (
	fingerprint      TEXT PRIMARY KEY,
	item_id          TEXT NOT NULL,
	source_url       TEXT NOT NULL,
	title            TEXT NOT NULL,
	body             TEXT NOT NULL,
	informant        TEXT NOT NULL DEFAULT '',
	published_at     TIMESTAMPTZ,
	collected_at     TIMESTAMPTZ NOT NULL,
	event_title      TEXT NOT NULL,
	event_brief      TEXT NOT NULL DEFAULT '',
	ratings          JSONB NOT NULL,
	locations        TEXT[] NOT NULL DEFAULT '{}',
	people           TEXT[] NOT NULL DEFAULT '{}',
	organizations    TEXT[] NOT NULL DEFAULT '{}',
	raw_model_text   TEXT NOT NULL DEFAULT '',
	service_identity TEXT NOT NULL DEFAULT '',
	max_rate_class   TEXT NOT NULL DEFAULT '',
	max_rate_score   DOUBLE PRECISION NOT NULL,
	archived_at      TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS archive_archived_at_idx ON archive (archived_at DESC)`,
	`CREATE INDEX IF NOT EXISTS archive_score_idx ON archive (max_rate_score)`,
}

// EnsureSchema creates the tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, pool dbPool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
