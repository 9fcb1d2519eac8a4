package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jordanhubbard/deploybot/internal/models"
)

// Chat persistence backs the optional assistant UI. The dispatch core never
// touches these tables.

// CreateChatSession inserts a new session.
func (s *Store) CreateChatSession(sess *models.ChatSession) error {
	_, err := s.db.Exec(s.rebind(
		`INSERT INTO chat_sessions (id, user_id, name, created_at, last_activity, archived)
		 VALUES (?, ?, ?, ?, ?, 0)`),
		sess.ID, sess.UserID, sess.Name, fmtTime(sess.CreatedAt), fmtTime(sess.LastActivity),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	return nil
}

// GetChatSession fetches one session by id.
func (s *Store) GetChatSession(id string) (*models.ChatSession, error) {
	row := s.db.QueryRow(s.rebind(
		`SELECT id, user_id, name, created_at, last_activity, archived
		 FROM chat_sessions WHERE id = ?`),
		id,
	)
	sess, err := scanChatSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	return sess, nil
}

// ListChatSessions returns a user's sessions, most recent activity first.
func (s *Store) ListChatSessions(userID string, includeArchived bool) ([]*models.ChatSession, error) {
	query := `SELECT id, user_id, name, created_at, last_activity, archived
	          FROM chat_sessions WHERE user_id = ?`
	if !includeArchived {
		query += ` AND archived = 0`
	}
	query += ` ORDER BY last_activity DESC`

	rows, err := s.db.Query(s.rebind(query), userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	defer rows.Close()

	var sessions []*models.ChatSession
	for rows.Next() {
		sess, err := scanChatSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	return sessions, nil
}

// SetChatSessionArchived flips the archived flag.
func (s *Store) SetChatSessionArchived(id string, archived bool) error {
	flag := 0
	if archived {
		flag = 1
	}
	res, err := s.db.Exec(s.rebind(
		`UPDATE chat_sessions SET archived = ? WHERE id = ?`), flag, id)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteChatSession removes a session and its messages.
func (s *Store) DeleteChatSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(s.rebind(`DELETE FROM chat_messages WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	if _, err := tx.Exec(s.rebind(`DELETE FROM chat_sessions WHERE id = ?`), id); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	return nil
}

// AppendChatMessage stores a message and bumps the session's last activity.
func (s *Store) AppendChatMessage(msg *models.ChatMessage) error {
	var metadata any
	if len(msg.Metadata) > 0 {
		metadata = string(msg.Metadata)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(s.rebind(
		`INSERT INTO chat_messages (session_id, role, content, timestamp, metadata)
		 VALUES (?, ?, ?, ?, ?)`),
		msg.SessionID, msg.Role, msg.Content, fmtTime(msg.Timestamp), metadata,
	); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	if _, err := tx.Exec(s.rebind(
		`UPDATE chat_sessions SET last_activity = ? WHERE id = ?`),
		fmtTime(msg.Timestamp), msg.SessionID,
	); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	return nil
}

// ListChatMessages returns a session's messages in insertion order.
func (s *Store) ListChatMessages(sessionID string, limit int) ([]*models.ChatMessage, error) {
	query := `SELECT id, session_id, role, content, timestamp, metadata
	          FROM chat_messages WHERE session_id = ? ORDER BY id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	defer rows.Close()

	var msgs []*models.ChatMessage
	for rows.Next() {
		var (
			msg      models.ChatMessage
			ts       string
			metadata sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &ts, &metadata); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
		}
		msg.Timestamp = parseTime(ts)
		if metadata.Valid && metadata.String != "" {
			msg.Metadata = json.RawMessage(metadata.String)
		}
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreTransient, err)
	}
	return msgs, nil
}

func scanChatSession(row rowScanner) (*models.ChatSession, error) {
	var (
		sess      models.ChatSession
		name      sql.NullString
		createdAt string
		activity  string
		archived  int
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &name, &createdAt, &activity, &archived); err != nil {
		return nil, err
	}
	sess.Name = name.String
	sess.CreatedAt = parseTime(createdAt)
	sess.LastActivity = parseTime(activity)
	sess.Archived = archived != 0
	return &sess, nil
}
