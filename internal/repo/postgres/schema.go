package postgres

import (
	"context"
	"fmt"
)

// schema is applied by EnsureSchema. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_executions (
		execution_id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		tokens_used INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS step_checkpoints (
		checkpoint_id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		workflow_id TEXT,
		step_id TEXT NOT NULL,
		status TEXT NOT NULL,
		metadata JSONB NOT NULL,
		sequence BIGINT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS step_checkpoints_execution_idx
		ON step_checkpoints (execution_id, recorded_at, sequence)`,
	`CREATE TABLE IF NOT EXISTS execution_audit_events (
		event_id BIGSERIAL PRIMARY KEY,
		occurred_at TIMESTAMPTZ NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		workflow_id TEXT,
		request_id TEXT,
		payload JSONB NOT NULL,
		integrity_sha256 TEXT NOT NULL
	)`,
}

func EnsureSchema(ctx context.Context, db DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
