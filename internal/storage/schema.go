package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add a migration.
const currentSchemaVersion = 3

type migration struct {
	version     int
	description string
	ddl         string
}

var migrations = []migration{
	{
		version:     1,
		description: "sessions",
		ddl: `
			CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				root TEXT NOT NULL,
				started_at TEXT NOT NULL,
				last_seen TEXT NOT NULL,
				active_path TEXT NOT NULL DEFAULT ''
			);

			-- Restore picks the most recent session for a root.
			CREATE INDEX IF NOT EXISTS idx_sessions_root_seen ON sessions(root, last_seen DESC);
		`,
	},
	{
		version:     2,
		description: "session_tabs",
		ddl: `
			CREATE TABLE IF NOT EXISTS session_tabs (
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				position INTEGER NOT NULL,
				path TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				kind TEXT NOT NULL DEFAULT 'file',
				language TEXT NOT NULL DEFAULT '',
				cursor_line INTEGER NOT NULL DEFAULT 0,
				cursor_column INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (session_id, path)
			);

			CREATE INDEX IF NOT EXISTS idx_session_tabs_order ON session_tabs(session_id, position);
		`,
	},
	{
		version:     3,
		description: "preferences",
		ddl: `
			CREATE TABLE IF NOT EXISTS preferences (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TEXT NOT NULL
			);
		`,
	},
}

// initSchema applies every migration newer than the recorded version.
func (s *SQLiteStore) initSchema() error {
	// Schema version table tracks database migrations.
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if err := s.apply(m); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
	}

	return nil
}

// apply runs one migration and records it in the same transaction.
func (s *SQLiteStore) apply(m migration) error {
	s.logger.Info("applying migration",
		zap.Int("version", m.version),
		zap.String("description", m.description))

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.ddl); err != nil {
		return fmt.Errorf("create %s: %w", m.description, err)
	}

	_, err = tx.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		m.version,
		formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit()
}

// tableExists reports whether a table exists in the current database.
func (s *SQLiteStore) tableExists(name string) (bool, error) {
	var table string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
		name,
	).Scan(&table)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return table == name, nil
}

// SchemaVersion returns the current database schema version.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return version, nil
}
