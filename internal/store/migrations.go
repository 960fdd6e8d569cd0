package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migration is one forward-only schema step. Steps are applied in order, each
// in its own transaction, and recorded in schema_migrations.
type migration struct {
	version     int
	description string
	up          string
}

var migrations = []migration{
	{1, "entity collections and hash-chained audit events", migrationV1Up},
	{2, "audit lookup indexes by actor, subject and type", migrationV2Up},
}

// schemaVersion is the version a fully migrated database reports.
var schemaVersion = migrations[len(migrations)-1].version

const migrationV1Up = `
-- Entities: keypairs, certificates, signatures, workflows
CREATE TABLE IF NOT EXISTS entries (
    collection      TEXT NOT NULL,
    id              TEXT NOT NULL,
    owner_id        TEXT NOT NULL DEFAULT '',
    ref             TEXT NOT NULL DEFAULT '',
    data            TEXT NOT NULL,
    updated_at      INTEGER NOT NULL,
    PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_entries_owner ON entries(collection, owner_id);
CREATE INDEX IF NOT EXISTS idx_entries_ref ON entries(collection, ref);

-- Append-only audit log, chained by hash and authenticated by HMAC
CREATE TABLE IF NOT EXISTS audit_events (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    type            TEXT NOT NULL,
    timestamp_ns    INTEGER NOT NULL,
    actor_id        TEXT NOT NULL DEFAULT '',
    subject_id      TEXT NOT NULL DEFAULT '',
    severity        TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    metadata        TEXT,
    previous_hash   BLOB NOT NULL,
    event_hash      BLOB NOT NULL UNIQUE,
    hmac            BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp_ns);

CREATE TRIGGER IF NOT EXISTS audit_events_no_update
BEFORE UPDATE ON audit_events
BEGIN
    SELECT RAISE(ABORT, 'audit events are append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_events_no_delete
BEFORE DELETE ON audit_events
BEGIN
    SELECT RAISE(ABORT, 'audit events are append-only');
END;
`

const migrationV2Up = `
CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_events(actor_id, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_events(subject_id, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(type, timestamp_ns);
`

// migrate applies every pending migration.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := appliedVersion(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.up); err != nil {
		return fmt.Errorf("apply migration %d (%s): %w", m.version, m.description, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		m.version, time.Now().UnixNano(), m.description,
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	return tx.Commit()
}

func appliedVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
