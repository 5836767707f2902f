package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema statements are idempotent so boot-time migration is safe to re-run.
// Full-text search uses a generated tsvector column; the trigram index backs
// the fallback for short or misspelled queries.
var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS pg_trgm`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		auto_approve BOOLEAN NOT NULL DEFAULT FALSE,
		model TEXT NOT NULL DEFAULT '',
		active_snapshot_id TEXT NOT NULL DEFAULT '',
		total_tokens BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		images JSONB,
		tool_calls JSONB,
		tool_results JSONB,
		approval_status TEXT NOT NULL DEFAULT '',
		request_payload JSONB,
		response_payload JSONB,
		token_count INT NOT NULL DEFAULT 0,
		raw_token_count INT NOT NULL DEFAULT 0,
		snapshot_id TEXT NOT NULL DEFAULT '',
		verbatim_count INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		content_tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages (session_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_content_tsv ON messages USING GIN (content_tsv)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_content_trgm ON messages USING GIN (content gin_trgm_ops)`,

	`CREATE TABLE IF NOT EXISTS compaction_snapshots (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		summary TEXT NOT NULL,
		summary_tokens INT NOT NULL DEFAULT 0,
		verbatim_ids JSONB NOT NULL,
		verbatim_tokens INT NOT NULL DEFAULT 0,
		trigger_tokens INT NOT NULL DEFAULT 0,
		model TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_snapshots_session ON compaction_snapshots (session_id)`,

	`CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		tags JSONB,
		token_count INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		content_tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED
	)`,

	`CREATE INDEX IF NOT EXISTS idx_memories_content_tsv ON memories USING GIN (content_tsv)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_content_trgm ON memories USING GIN (content gin_trgm_ops)`,

	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate applies the schema to the given database.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
