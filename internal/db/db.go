package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
}

// DefaultDBPath returns ~/.debugfactory/debugfactory.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".debugfactory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "debugfactory.db"), nil
}

// Open opens or creates the database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &DB{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Path returns the file the database was opened from.
func (d *DB) Path() string {
	return d.path
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS issues (
    id          TEXT PRIMARY KEY,
    repository  TEXT NOT NULL DEFAULT '',
    state       TEXT NOT NULL,
    version     INTEGER NOT NULL,
    data        TEXT NOT NULL,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_issues_state ON issues(state);

CREATE TABLE IF NOT EXISTS workflow_runs (
    id              TEXT PRIMARY KEY,
    issue_id        TEXT NOT NULL,
    stage           TEXT NOT NULL,
    attempt_number  INTEGER NOT NULL,
    outcome         TEXT NOT NULL CHECK(outcome IN ('success','retryable_failure','fatal_failure')),
    error           TEXT,
    started_at      TEXT NOT NULL,
    completed_at    TEXT NOT NULL,
    duration_ms     INTEGER NOT NULL,
    UNIQUE(issue_id, stage, attempt_number)
);
CREATE INDEX IF NOT EXISTS idx_runs_issue ON workflow_runs(issue_id, started_at);

CREATE TRIGGER IF NOT EXISTS workflow_runs_immutable
BEFORE UPDATE ON workflow_runs
BEGIN
    SELECT RAISE(ABORT, 'workflow_runs are append-only');
END;

CREATE TABLE IF NOT EXISTS session_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT NOT NULL,
    issue_id    TEXT,
    event       TEXT NOT NULL CHECK(event IN ('opened','turn','promoted','closed')),
    timestamp   TEXT NOT NULL DEFAULT (datetime('now')),
    metadata    TEXT
);
CREATE INDEX IF NOT EXISTS idx_session_latest ON session_events(session_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS pipeline_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    issue_id    TEXT NOT NULL,
    event       TEXT NOT NULL,
    stage       TEXT,
    attempt     INTEGER,
    detail      TEXT,
    timestamp   TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_pipeline_issue ON pipeline_events(issue_id, timestamp DESC);
`

// schemaV2 widens the session_events kinds to every event a voice session
// logs. SQLite cannot alter a CHECK, so the table is rebuilt.
const schemaV2 = `
CREATE TABLE session_events_v2 (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT NOT NULL,
    issue_id    TEXT,
    event       TEXT NOT NULL CHECK(event IN ('opened','turn','unknown_intent','turn_failed','promoted','closed')),
    timestamp   TEXT NOT NULL DEFAULT (datetime('now')),
    metadata    TEXT
);
INSERT INTO session_events_v2 (id, session_id, issue_id, event, timestamp, metadata)
    SELECT id, session_id, issue_id, event, timestamp, metadata FROM session_events;
DROP TABLE session_events;
ALTER TABLE session_events_v2 RENAME TO session_events;
CREATE INDEX IF NOT EXISTS idx_session_latest ON session_events(session_id, timestamp DESC);
`

var migrations = []string{schemaV1, schemaV2}

// Migrate applies every schema version not yet recorded.
func (d *DB) Migrate() error {
	for i, schema := range migrations {
		version := i + 1
		var count int
		err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&count)
		if err == nil && count > 0 {
			continue
		}
		if err := d.apply(version, schema); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) apply(version int, schema string) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("apply schema v%d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	tables := []string{"pipeline_events", "session_events", "workflow_runs", "issues", "schema_version"}
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
