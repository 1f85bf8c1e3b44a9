// Package postgres provides PostgreSQL implementations of storage interfaces.
package postgres

// Schema contains the SQL statements to create the database schema for PostgreSQL.
const Schema = `
CREATE TABLE IF NOT EXISTS identities (
    id TEXT PRIMARY KEY,
    name TEXT,
    first_seen TIMESTAMPTZ,
    last_seen TIMESTAMPTZ,
    total_visits INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Reference vectors, oldest first. embedding is packed little-endian float32.
CREATE TABLE IF NOT EXISTS identity_references (
    identity_id TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    dimension INTEGER NOT NULL,
    embedding BYTEA NOT NULL,
    PRIMARY KEY (identity_id, seq)
);

CREATE TABLE IF NOT EXISTS feeder_states (
    feeder_id TEXT PRIMARY KEY,
    visits_since_refill INTEGER NOT NULL DEFAULT 0,
    remaining DOUBLE PRECISION NOT NULL DEFAULT 1.0 CHECK (remaining >= 0 AND remaining <= 1),
    last_refill TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS visits (
    id TEXT PRIMARY KEY,
    feeder_id TEXT NOT NULL,
    camera_id TEXT,
    attribution_kind TEXT NOT NULL,
    identity_id TEXT,
    start_at TIMESTAMPTZ NOT NULL,
    end_at TIMESTAMPTZ NOT NULL,
    mean_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    capture_count INTEGER NOT NULL DEFAULT 0,
    closed BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE INDEX IF NOT EXISTS idx_visits_feeder_start ON visits(feeder_id, start_at);
CREATE INDEX IF NOT EXISTS idx_visits_identity ON visits(identity_id);
CREATE INDEX IF NOT EXISTS idx_visits_start ON visits(start_at);

CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    feeder_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    severity TEXT NOT NULL,
    state TEXT NOT NULL,
    remaining DOUBLE PRECISION NOT NULL,
    days_to_empty DOUBLE PRECISION,
    visits_since_refill INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    acknowledged_at TIMESTAMPTZ,
    acknowledged_by TEXT,
    resolved_at TIMESTAMPTZ,
    resolved_by TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open ON alerts(feeder_id, kind) WHERE state <> 'resolved';
CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);
`

// MigrationPgvector adds the vector column used for nearest-neighbour
// candidate lookup. It is only applied when the vector extension is available.
// Safe to run multiple times.
const MigrationPgvector = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'identity_references' AND column_name = 'embedding_vec'
    ) THEN
        ALTER TABLE identity_references ADD COLUMN embedding_vec vector;
    END IF;
END
$$;
`
