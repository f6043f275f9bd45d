package storage

// sessions.go contains SQLiteStore methods for session rows. A session is one
// run of the host against a root directory.

import (
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// maxSessions is the maximum number of sessions to retain.
// Older sessions (and their tabs) are deleted when this limit is exceeded.
const maxSessions = 20

// SaveSession persists a session. It upserts rather than using INSERT OR
// REPLACE, which would cascade-delete the session's tab rows.
// Enforces retention of maxSessions.
func (s *SQLiteStore) SaveSession(session *Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Debug("saving session", zap.String("id", session.ID), zap.String("root", session.Root))

	const query = `
		INSERT INTO sessions (id, root, started_at, last_seen, active_path)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			root = excluded.root,
			last_seen = excluded.last_seen,
			active_path = excluded.active_path
	`

	_, err := s.db.Exec(query,
		session.ID,
		session.Root,
		formatTime(session.StartedAt),
		formatTime(session.LastSeen),
		session.ActivePath,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	return s.enforceRetentionLocked()
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, root, started_at, last_seen, active_path
		FROM sessions WHERE id = ?
	`
	return s.scanSession(s.db.QueryRow(query, id))
}

// LatestSession returns the most recently seen session for root.
func (s *SQLiteStore) LatestSession(root string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, root, started_at, last_seen, active_path
		FROM sessions WHERE root = ?
		ORDER BY last_seen DESC LIMIT 1
	`
	return s.scanSession(s.db.QueryRow(query, root))
}

// ListSessions returns up to limit sessions, most recent first.
func (s *SQLiteStore) ListSessions(limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = maxSessions
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, root, started_at, last_seen, active_path
		FROM sessions ORDER BY last_seen DESC LIMIT ?
	`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanSession(row rowScanner) (*Session, error) {
	var (
		session             Session
		startedAt, lastSeen string
	)
	err := row.Scan(&session.ID, &session.Root, &startedAt, &lastSeen, &session.ActivePath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if session.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if session.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, err
	}
	return &session, nil
}

// enforceRetentionLocked deletes sessions beyond the newest maxSessions.
// session_tabs rows go with them through ON DELETE CASCADE.
func (s *SQLiteStore) enforceRetentionLocked() error {
	const cleanupQuery = `
		DELETE FROM sessions WHERE id IN (
			SELECT id FROM sessions ORDER BY last_seen DESC LIMIT -1 OFFSET ?
		)
	`
	if _, err := s.db.Exec(cleanupQuery, maxSessions); err != nil {
		return fmt.Errorf("enforce session retention: %w", err)
	}
	return nil
}
