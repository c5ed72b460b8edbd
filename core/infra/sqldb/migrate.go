package sqldb

import (
	"context"
	"fmt"
)

// schemaStatements create every table used by the SQL stores. They are idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS manifest_entries (
		domain        TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		stage         TEXT NOT NULL,
		rank          INTEGER NOT NULL,
		row_count     BIGINT NOT NULL DEFAULT 0,
		execution_id  TEXT,
		duration_ms   BIGINT NOT NULL DEFAULT 0,
		version       TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (domain, partition_key)
	)`,
	`CREATE TABLE IF NOT EXISTS manifest_steps (
		domain        TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		step          TEXT NOT NULL,
		stage         TEXT NOT NULL,
		row_count     BIGINT NOT NULL DEFAULT 0,
		execution_id  TEXT,
		duration_ms   BIGINT NOT NULL DEFAULT 0,
		output        JSONB,
		recorded_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (domain, partition_key, step)
	)`,
	`CREATE TABLE IF NOT EXISTS anomalies (
		anomaly_id    TEXT PRIMARY KEY,
		domain        TEXT NOT NULL,
		partition_key TEXT,
		workflow      TEXT NOT NULL,
		step          TEXT,
		execution_id  TEXT,
		severity      TEXT NOT NULL,
		category      TEXT NOT NULL,
		message       TEXT NOT NULL,
		details       JSONB,
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS anomalies_domain_created_idx ON anomalies (domain, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS schedules (
		schedule_id           TEXT PRIMARY KEY,
		name                  TEXT NOT NULL UNIQUE,
		target_type           TEXT NOT NULL,
		target_name           TEXT NOT NULL,
		cron_expression       TEXT,
		interval_seconds      BIGINT,
		params                JSONB,
		next_run_at           TIMESTAMPTZ,
		misfire_grace_seconds BIGINT NOT NULL DEFAULT 0,
		enabled               BOOLEAN NOT NULL DEFAULT TRUE,
		last_run_at           TIMESTAMPTZ,
		last_run_status       TEXT,
		last_run_id           TEXT,
		created_at            TIMESTAMPTZ NOT NULL,
		updated_at            TIMESTAMPTZ NOT NULL,
		partition_keys        JSONB
	)`,
	`ALTER TABLE schedules ADD COLUMN IF NOT EXISTS partition_keys JSONB`,
	`CREATE INDEX IF NOT EXISTS schedules_due_idx ON schedules (next_run_at) WHERE enabled`,
	`CREATE TABLE IF NOT EXISTS schedule_runs (
		run_id          TEXT PRIMARY KEY,
		schedule_id     TEXT NOT NULL REFERENCES schedules (schedule_id),
		scheduled_for   TIMESTAMPTZ NOT NULL,
		started_at      TIMESTAMPTZ NOT NULL,
		completed_at    TIMESTAMPTZ,
		status          TEXT NOT NULL,
		external_run_id TEXT,
		error           TEXT,
		trigger         TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS schedule_runs_schedule_idx ON schedule_runs (schedule_id, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS scheduler_locks (
		resource   TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the stagehand tables inside one transaction.
func Migrate(ctx context.Context, db TxBeginner) error {
	return WithTx(ctx, db, func(tx DB) error {
		for i, stmt := range schemaStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration statement %d: %w", i, err)
			}
		}
		return nil
	})
}
