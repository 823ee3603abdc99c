package store

import (
	"fmt"
	"time"
)

type Message struct {
	Seq       int64  `json:"seq"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// AppendMessage records one message and advances the session's updated_at.
func (s *Store) AppendMessage(sessionID, role, content string, timestamp int64) (*Message, error) {
	msg := &Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: timestamp,
	}

	err := retryOnBusy(func() error {
		tx, e := s.db.Begin()
		if e != nil {
			return e
		}
		defer tx.Rollback()

		result, e := tx.Exec(
			`INSERT INTO messages (session_id, role, content, timestamp) VALUES (?, ?, ?, ?)`,
			sessionID, role, content, timestamp,
		)
		if e != nil {
			return e
		}
		msg.Seq, _ = result.LastInsertId()

		_, e = tx.Exec(
			`UPDATE sessions SET updated_at = ? WHERE id = ?`,
			time.Now().UTC(), sessionID,
		)
		if e != nil {
			return e
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the session's messages in chronological order. When
// userID is non-empty the session must be owned by that user or unowned.
func (s *Store) ListMessages(sessionID, userID string) ([]*Message, error) {
	if userID != "" {
		if _, err := s.GetSession(sessionID, userID); err != nil {
			return nil, err
		}
	}

	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, timestamp FROM messages
		 WHERE session_id = ? ORDER BY timestamp, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Seq, &msg.SessionID, &msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}
