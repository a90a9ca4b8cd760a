package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storyloom/internal/logging"
	"storyloom/internal/types"
)

// CreateSession persists a new session row.
func (s *LocalStore) CreateSession(sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions (session_id, user_id, active_world_id, turn_count, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.SessionID, sess.UserID, nullable(sess.ActiveWorldID), sess.TurnCount, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	logging.Session("Created session %s for user %s", sess.SessionID, sess.UserID)
	return nil
}

// GetSession loads a session by ID. Returns types.ErrNotFound when absent.
func (s *LocalStore) GetSession(sessionID string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sess types.Session
	var activeWorld sql.NullString
	err := s.db.QueryRow(
		`SELECT session_id, user_id, active_world_id, turn_count, created_at
		 FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&sess.SessionID, &sess.UserID, &activeWorld, &sess.TurnCount, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	sess.ActiveWorldID = activeWorld.String
	return &sess, nil
}

// UpdateSession writes back the mutable session fields.
func (s *LocalStore) UpdateSession(sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE sessions SET active_world_id = ?, turn_count = ? WHERE session_id = ?`,
		nullable(sess.ActiveWorldID), sess.TurnCount, sess.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sess.SessionID, types.ErrNotFound)
	}
	return nil
}

// ListSessions returns all sessions for a user, newest first.
func (s *LocalStore) ListSessions(userID string) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT session_id, user_id, active_world_id, turn_count, created_at
		 FROM sessions WHERE user_id = ? ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		var sess types.Session
		var activeWorld sql.NullString
		if err := rows.Scan(&sess.SessionID, &sess.UserID, &activeWorld, &sess.TurnCount, &sess.CreatedAt); err != nil {
			return nil, err
		}
		sess.ActiveWorldID = activeWorld.String
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
