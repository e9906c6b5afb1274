package postgres

const querySchema = `
CREATE TABLE IF NOT EXISTS trigger_jobs (
    key        TEXT PRIMARY KEY,
    event_id   TEXT NOT NULL UNIQUE,
    kind       TEXT NOT NULL,
    target     JSONB NOT NULL,
    payload    JSONB,
    owner      TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trigger_jobs_created_at_idx ON trigger_jobs (created_at);
`

const queryInsertJob = `
INSERT INTO trigger_jobs (key, event_id, kind, target, payload, owner, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

const queryReleaseJob = `
DELETE FROM trigger_jobs
WHERE event_id = $1
RETURNING key, event_id, kind, target, payload, owner, created_at
`

const queryPruneJobs = `
DELETE FROM trigger_jobs
WHERE key IN (
    SELECT key FROM trigger_jobs
    WHERE created_at < $1
    ORDER BY created_at
    LIMIT $2
)
`
