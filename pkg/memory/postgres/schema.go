// Package postgres provides a PostgreSQL-backed implementation of
// [memory.Store].
//
// Turns and memory nodes live in two tables sharing a single [pgxpool.Pool].
// Lexical relevance is computed with ts_rank over a GIN full-text index,
// semantic relevance with pgvector cosine distance over an HNSW index. The
// pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	id, _ := store.InsertTurn(ctx, turn)
//	hits, _ := store.HybridSearch(ctx, memory.HybridQuery{UserID: "u1", Text: "tea", Limit: 50})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Turn log DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlTurns = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id               TEXT         PRIMARY KEY,
    user_id          TEXT         NOT NULL,
    conversation_id  TEXT         NOT NULL DEFAULT '',
    role             TEXT         NOT NULL,
    text             TEXT         NOT NULL,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_user_created
    ON conversation_turns (user_id, created_at);

CREATE INDEX IF NOT EXISTS idx_turns_user_conversation
    ON conversation_turns (user_id, conversation_id, created_at);
`

// ddlNodes returns the memory node DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlNodes(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_nodes (
    id                TEXT              PRIMARY KEY,
    user_id           TEXT              NOT NULL,
    level             INTEGER           NOT NULL,
    content           TEXT              NOT NULL,
    embedding         vector(%d),
    importance_score  DOUBLE PRECISION  NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ       NOT NULL DEFAULT now(),
    last_accessed_at  TIMESTAMPTZ       NOT NULL DEFAULT now(),
    last_decayed_at   TIMESTAMPTZ,
    access_count      BIGINT            NOT NULL DEFAULT 0,
    decay_rate        DOUBLE PRECISION  NOT NULL DEFAULT 0,
    children          TEXT[]            NOT NULL DEFAULT '{}',
    parent            TEXT              NOT NULL DEFAULT '',
    turn_id           TEXT              NOT NULL DEFAULT '',
    summarised        BOOLEAN           NOT NULL DEFAULT false
);

ALTER TABLE memory_nodes ADD COLUMN IF NOT EXISTS summarised BOOLEAN NOT NULL DEFAULT false;

CREATE INDEX IF NOT EXISTS idx_nodes_user_level
    ON memory_nodes (user_id, level, created_at);

CREATE INDEX IF NOT EXISTS idx_nodes_parent
    ON memory_nodes (parent);

CREATE INDEX IF NOT EXISTS idx_nodes_fts
    ON memory_nodes USING GIN (to_tsvector('english', content));

CREATE INDEX IF NOT EXISTS idx_nodes_embedding
    ON memory_nodes USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your deployment
// (e.g., 1536 for OpenAI text-embedding-3-small, 768 for nomic-embed-text).
// Changing this value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlTurns,
		ddlNodes(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
