// Package repository provisions the schema for integration tests. The DDL
// here is the source of truth for what the repositories expect; the partial
// unique indexes on live workers carry the names the duplicate-key
// translation keys off.
package repository

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

const schema = `
CREATE TABLE IF NOT EXISTS workers (
    id                   UUID PRIMARY KEY,
    platform             TEXT NOT NULL,
    phone                TEXT NOT NULL,
    status               TEXT NOT NULL,
    proxy_scheme         TEXT NOT NULL DEFAULT '',
    proxy_host           TEXT NOT NULL DEFAULT '',
    proxy_port           INT  NOT NULL DEFAULT 0,
    proxy_username       TEXT NOT NULL DEFAULT '',
    proxy_password       TEXT NOT NULL DEFAULT '',
    fp_device            TEXT NOT NULL DEFAULT '',
    fp_locale            TEXT NOT NULL DEFAULT '',
    fp_timezone          TEXT NOT NULL DEFAULT '',
    session_ref          TEXT NOT NULL DEFAULT '',
    daily_limit          INT  NOT NULL,
    used_today           INT  NOT NULL DEFAULT 0,
    last_used_at         TIMESTAMPTZ,
    consecutive_failures INT  NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ NOT NULL,
    updated_at           TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS workers_live_identity_key
    ON workers (platform, phone)
    WHERE status <> 'destroyed';

CREATE UNIQUE INDEX IF NOT EXISTS workers_live_fingerprint_key
    ON workers (platform, fp_device, fp_locale, fp_timezone)
    WHERE status <> 'destroyed';

CREATE TABLE IF NOT EXISTS jobs (
    id              UUID PRIMARY KEY,
    owner           TEXT NOT NULL DEFAULT '',
    platforms       TEXT[] NOT NULL,
    method          TEXT NOT NULL,
    status          TEXT NOT NULL,
    total_count     INT NOT NULL,
    completed_count INT NOT NULL DEFAULT 0,
    succeeded_count INT NOT NULL DEFAULT 0,
    artifact_path   TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL,
    finished_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS tasks (
    job_id             UUID NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
    idx                INT  NOT NULL,
    number             TEXT NOT NULL,
    platform           TEXT NOT NULL,
    state              TEXT NOT NULL,
    attempt_count      INT  NOT NULL DEFAULT 0,
    assigned_worker_id UUID,
    last_worker_id     UUID,
    outcome_status     TEXT,
    outcome_detail     TEXT,
    checked_by         UUID,
    settled_at         TIMESTAMPTZ,
    PRIMARY KEY (job_id, idx)
);

CREATE INDEX IF NOT EXISTS tasks_job_state_idx ON tasks (job_id, state);
`

func ApplySchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

func TruncateJobsTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `TRUNCATE tasks, jobs`)
	require.NoError(t, err)
}

func TruncateWorkersTable(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `TRUNCATE workers`)
	require.NoError(t, err)
}
