package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		name TEXT NOT NULL,
		brand_name TEXT NOT NULL,
		brand_domain TEXT,
		competitors TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS keywords (
		id UUID PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		keyword TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS queries (
		id UUID PRIMARY KEY,
		keyword_id UUID NOT NULL REFERENCES keywords(id) ON DELETE CASCADE,
		query_text TEXT NOT NULL,
		generation_type TEXT NOT NULL DEFAULT 'template' CHECK (generation_type IN ('template', 'creative')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS target_engines (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS provider_credentials (
		user_id UUID NOT NULL,
		provider TEXT NOT NULL,
		ciphertext BYTEA NOT NULL,
		nonce BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, provider)
	)`,
	`CREATE TABLE IF NOT EXISTS probe_sessions (
		id UUID PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'running', 'completed', 'failed')),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS engine_responses (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES probe_sessions(id) ON DELETE CASCADE,
		query_id UUID NOT NULL REFERENCES queries(id),
		engine_id UUID NOT NULL REFERENCES target_engines(id),
		content TEXT NOT NULL,
		citations JSONB,
		risk_score DOUBLE PRECISION,
		confidence TEXT,
		issues JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_engine_responses_session ON engine_responses(session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS brand_mentions (
		id UUID PRIMARY KEY,
		response_id UUID NOT NULL REFERENCES engine_responses(id) ON DELETE CASCADE,
		brand TEXT NOT NULL,
		is_target BOOLEAN NOT NULL DEFAULT FALSE,
		mentioned BOOLEAN NOT NULL DEFAULT FALSE,
		sentiment DOUBLE PRECISION NOT NULL DEFAULT 0,
		rank_position INTEGER,
		is_sarcastic BOOLEAN NOT NULL DEFAULT FALSE,
		recommendation_strength DOUBLE PRECISION NOT NULL DEFAULT 0,
		context TEXT NOT NULL DEFAULT '',
		degraded BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS citation_sources (
		id UUID PRIMARY KEY,
		response_id UUID NOT NULL REFERENCES engine_responses(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL DEFAULT '',
		source_type TEXT NOT NULL DEFAULT 'unknown'
	)`,
	`CREATE TABLE IF NOT EXISTS execution_logs (
		id BIGSERIAL PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES probe_sessions(id) ON DELETE CASCADE,
		level TEXT NOT NULL CHECK (level IN ('info', 'warning', 'error')),
		message TEXT NOT NULL,
		details JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_logs_session ON execution_logs(session_id, id)`,
	`CREATE TABLE IF NOT EXISTS session_reports (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL UNIQUE REFERENCES probe_sessions(id) ON DELETE CASCADE,
		summary JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate applies the schema
func (c *Client) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	c.logger.Info("Database schema up to date", zap.Int("statements", len(schema)))
	return nil
}
