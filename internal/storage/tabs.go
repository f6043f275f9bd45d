package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// SaveTabs replaces the tab list of a session and records the active path.
// The session must exist.
func (s *SQLiteStore) SaveTabs(sessionID string, tabs []TabRecord, active string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save tabs: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"UPDATE sessions SET active_path = ?, last_seen = ? WHERE id = ?",
		active, formatTime(s.now()), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("update session: %w", err)
	} else if n == 0 {
		return ErrSessionNotFound
	}

	if _, err := tx.Exec("DELETE FROM session_tabs WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("clear tabs: %w", err)
	}

	const insert = `
		INSERT INTO session_tabs
			(session_id, position, path, name, kind, language, cursor_line, cursor_column)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := tx.Prepare(insert)
	if err != nil {
		return fmt.Errorf("prepare tab insert: %w", err)
	}
	defer stmt.Close()

	for i, t := range tabs {
		kind := t.Kind
		if kind == "" {
			kind = "file"
		}
		if _, err := stmt.Exec(sessionID, i, t.Path, t.Name, kind, t.Language, t.CursorLine, t.CursorColumn); err != nil {
			return fmt.Errorf("insert tab %s: %w", t.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tabs: %w", err)
	}

	s.logger.Debug("saved tabs",
		zap.String("session", sessionID),
		zap.Int("count", len(tabs)),
		zap.String("active", active))
	return nil
}

// LoadTabs returns a session's tabs in their saved order and its active path.
func (s *SQLiteStore) LoadTabs(sessionID string) ([]TabRecord, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active string
	err := s.db.QueryRow("SELECT active_path FROM sessions WHERE id = ?", sessionID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrSessionNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("load session: %w", err)
	}

	const query = `
		SELECT path, name, kind, language, cursor_line, cursor_column
		FROM session_tabs WHERE session_id = ?
		ORDER BY position
	`
	rows, err := s.db.Query(query, sessionID)
	if err != nil {
		return nil, "", fmt.Errorf("load tabs: %w", err)
	}
	defer rows.Close()

	var tabs []TabRecord
	for rows.Next() {
		var t TabRecord
		if err := rows.Scan(&t.Path, &t.Name, &t.Kind, &t.Language, &t.CursorLine, &t.CursorColumn); err != nil {
			return nil, "", fmt.Errorf("scan tab: %w", err)
		}
		tabs = append(tabs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate tabs: %w", err)
	}
	return tabs, active, nil
}
