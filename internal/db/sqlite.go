// Package db provides SQLite-based persistence for VibeCC.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates a SQLite database at the given path, enables WAL
// mode and foreign-key enforcement, and runs pending migrations.
func Open(dbPath string) (*DB, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	d := &DB{DB: sqlDB, path: dbPath}

	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return d, nil
}

func (d *DB) migrate() error {
	_, err := d.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var version int
	row := d.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migration1},
		{2, migration2},
		{3, migration3},
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := d.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := d.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}

	return nil
}

// Migration 1: projects and active pipelines.
const migration1 = `
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    repo TEXT NOT NULL UNIQUE,
    base_branch TEXT NOT NULL DEFAULT 'main',
    kanban_board_ref TEXT NOT NULL,
    max_retries_ci INTEGER NOT NULL DEFAULT 3,
    max_retries_review INTEGER NOT NULL DEFAULT 2,
    max_concurrent INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS pipelines (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    ticket_id TEXT NOT NULL,
    ticket_title TEXT NOT NULL,
    ticket_body TEXT,
    branch_name TEXT NOT NULL,
    pr_id INTEGER NOT NULL DEFAULT 0,
    pr_url TEXT,
    state TEXT NOT NULL DEFAULT 'queued',
    retry_count_ci INTEGER NOT NULL DEFAULT 0,
    retry_count_review INTEGER NOT NULL DEFAULT 0,
    feedback TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

-- A ticket may have at most one active pipeline per project at a time.
CREATE UNIQUE INDEX IF NOT EXISTS idx_pipelines_project_ticket ON pipelines(project_id, ticket_id);
CREATE INDEX IF NOT EXISTS idx_pipelines_project_state ON pipelines(project_id, state);
`

// Migration 2: completed-pipeline history.
const migration2 = `
CREATE TABLE IF NOT EXISTS pipeline_history (
    id TEXT PRIMARY KEY,
    pipeline_id_original TEXT NOT NULL UNIQUE,
    project_id TEXT NOT NULL,
    ticket_id TEXT NOT NULL,
    ticket_title TEXT NOT NULL,
    branch_name TEXT NOT NULL,
    pr_id INTEGER NOT NULL DEFAULT 0,
    pr_url TEXT,
    final_state TEXT NOT NULL,
    total_retries_ci INTEGER NOT NULL DEFAULT 0,
    total_retries_review INTEGER NOT NULL DEFAULT 0,
    started_at DATETIME NOT NULL,
    completed_at DATETIME NOT NULL,
    duration_seconds INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_history_project ON pipeline_history(project_id);
CREATE INDEX IF NOT EXISTS idx_history_final_state ON pipeline_history(final_state);
`

// Migration 3: config and coding-agent audit log.
const migration3 = `
CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

INSERT OR IGNORE INTO config (key, value) VALUES
    ('enable_audit_logging', 'true'),
    ('poll_interval_seconds', '30');

CREATE TABLE IF NOT EXISTS agent_audit_log (
    id TEXT PRIMARY KEY,
    ticket_id TEXT NOT NULL,
    branch TEXT,
    event_type TEXT NOT NULL,
    event_data TEXT,
    duration_ms INTEGER,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_audit_log_ticket ON agent_audit_log(ticket_id);
`

// Close closes the database connection.
func (d *DB) Close() error {
	return d.DB.Close()
}
