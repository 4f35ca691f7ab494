// Package server implements the authoritative backend: canonical tables,
// work item assignments, and accepted responses, with the idempotent push
// and cursor-paginated delta queries the clients rely on. The server owns
// identity (ULID ids) and ordering (server timestamps); clients never do.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS tables (
    id                   TEXT PRIMARY KEY,
    name                 TEXT NOT NULL,
    current_version      INTEGER NOT NULL,
    min_accepted_version INTEGER NOT NULL DEFAULT 1,
    updated_at           TEXT NOT NULL,
    deleted_at           TEXT
);

CREATE TABLE IF NOT EXISTS schema_versions (
    table_id     TEXT NOT NULL REFERENCES tables(id),
    version      INTEGER NOT NULL,
    fields       TEXT NOT NULL,
    published_at TEXT NOT NULL,
    PRIMARY KEY (table_id, version)
);

CREATE TABLE IF NOT EXISTS assignments (
    id             TEXT PRIMARY KEY,
    external_id    TEXT NOT NULL DEFAULT '',
    table_id       TEXT NOT NULL REFERENCES tables(id),
    schema_version INTEGER NOT NULL,
    status         TEXT NOT NULL,
    owner_id       TEXT,
    supervisor_id  TEXT,
    seed_payload   TEXT,
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL,
    deleted_at     TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_external
    ON assignments(table_id, external_id) WHERE external_id != '';

CREATE INDEX IF NOT EXISTS idx_assignments_updated
    ON assignments(table_id, updated_at, id);

CREATE TABLE IF NOT EXISTS responses (
    id                TEXT PRIMARY KEY,
    local_id          TEXT NOT NULL UNIQUE,
    assignment_id     TEXT NOT NULL REFERENCES assignments(id),
    table_id          TEXT NOT NULL,
    data              TEXT NOT NULL,
    submitted_version INTEGER,
    device_id         TEXT NOT NULL DEFAULT '',
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL,
    synced_at         TEXT NOT NULL,
    deleted_at        TEXT
);

CREATE INDEX IF NOT EXISTS idx_responses_updated
    ON responses(updated_at, id);
`

// Store is the server-side SQLite store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the server database at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stats reports record counts for the health endpoint.
func (s *Store) Stats(ctx context.Context) (tables, assignments, responses int, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM tables WHERE deleted_at IS NULL),
			(SELECT COUNT(*) FROM assignments WHERE deleted_at IS NULL),
			(SELECT COUNT(*) FROM responses WHERE deleted_at IS NULL)
	`)
	if err := row.Scan(&tables, &assignments, &responses); err != nil {
		return 0, 0, 0, fmt.Errorf("count records: %w", err)
	}
	return tables, assignments, responses, nil
}

// timeLayout is fixed-width so the stored strings compare
// lexicographically in chronological order. RFC3339Nano would trim
// trailing fractional zeros and break the delta window and keyset
// comparisons for timestamps whose fraction is a prefix of another's.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
