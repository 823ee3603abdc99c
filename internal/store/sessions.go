package store

import (
	"database/sql"
	"fmt"
	"path"
	"strings"
	"time"
)

// Session is one agent conversation. UserID is empty for legacy rows that
// predate user accounts; such sessions are visible to any authenticated user.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	Name         string    `json:"name"`
	ForkedFrom   string    `json:"forked_from,omitempty"`
	WorkspaceDir string    `json:"workspace_dir"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SessionSummary is a Session plus a preview of its latest message, produced
// by ListSessions.
type SessionSummary struct {
	Session
	LastMessage string `json:"last_message,omitempty"`
}

// previewLimit caps the last-message preview in session listings.
const previewLimit = 100

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateSession inserts a new session. The workspace directory is recorded as
// a relative path under the workspaces root; it is created lazily on first
// use, not here.
func (s *Store) CreateSession(id, userID, name string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:           id,
		UserID:       userID,
		Name:         name,
		WorkspaceDir: path.Join(id, "workspace"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO sessions (id, user_id, name, forked_from, workspace_dir, created_at, updated_at)
			 VALUES (?, ?, ?, NULL, ?, ?, ?)`,
			sess.ID, nullable(userID), sess.Name, sess.WorkspaceDir, sess.CreatedAt, sess.UpdatedAt,
		)
		return e
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return nil, fmt.Errorf("session %s: %w", id, ErrExists)
		}
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

// GetSession fetches a session. When userID is non-empty the row must either
// belong to that user or be unowned.
func (s *Store) GetSession(id, userID string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, name, forked_from, workspace_dir, created_at, updated_at
		 FROM sessions WHERE id = ? AND (user_id IS NULL OR ? = '' OR user_id = ?)`,
		id, userID, userID,
	)
	return scanSession(row)
}

// ListSessions returns the user's sessions newest-first, each with a preview
// of its latest message. The preview is fetched in the same query to avoid a
// per-session round trip.
func (s *Store) ListSessions(userID string) ([]*SessionSummary, error) {
	rows, err := s.db.Query(
		`SELECT s.id, s.user_id, s.name, s.forked_from, s.workspace_dir, s.created_at, s.updated_at,
		        COALESCE(m.content, '')
		 FROM sessions s
		 LEFT JOIN (
		     SELECT session_id, content, MAX(timestamp)
		     FROM messages GROUP BY session_id
		 ) m ON m.session_id = s.id
		 WHERE s.user_id IS NULL OR ? = '' OR s.user_id = ?
		 ORDER BY s.updated_at DESC`,
		userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var owner, forked sql.NullString
		var preview string
		err := rows.Scan(&sum.ID, &owner, &sum.Name, &forked, &sum.WorkspaceDir,
			&sum.CreatedAt, &sum.UpdatedAt, &preview)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sum.UserID = owner.String
		sum.ForkedFrom = forked.String
		sum.LastMessage = truncatePreview(preview)
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// truncatePreview clips content to previewLimit characters, appending an
// ellipsis when anything was cut. Counted in runes so multi-byte text is not
// split mid-character.
func truncatePreview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLimit {
		return content
	}
	return string(runes[:previewLimit]) + "…"
}

// RenameSession updates the name and advances updated_at.
func (s *Store) RenameSession(id, userID, name string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions SET name = ?, updated_at = ?
			 WHERE id = ? AND (user_id IS NULL OR ? = '' OR user_id = ?)`,
			name, time.Now().UTC(), id, userID, userID,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("renaming session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSession removes the session; messages cascade, and any forks keep
// their rows with forked_from nulled by the schema.
func (s *Store) DeleteSession(id, userID string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`DELETE FROM sessions WHERE id = ? AND (user_id IS NULL OR ? = '' OR user_id = ?)`,
			id, userID, userID,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// ForkSession copies the source session and its full message history into a
// new session. The copy is transactional: a concurrent append lands wholly
// before or wholly after the fork.
func (s *Store) ForkSession(sourceID, newID, newName, userID string) (*Session, error) {
	src, err := s.GetSession(sourceID, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:           newID,
		UserID:       src.UserID,
		Name:         newName,
		ForkedFrom:   sourceID,
		WorkspaceDir: path.Join(newID, "workspace"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = retryOnBusy(func() error {
		tx, e := s.db.Begin()
		if e != nil {
			return e
		}
		defer tx.Rollback()

		_, e = tx.Exec(
			`INSERT INTO sessions (id, user_id, name, forked_from, workspace_dir, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, nullable(sess.UserID), sess.Name, sourceID, sess.WorkspaceDir, sess.CreatedAt, sess.UpdatedAt,
		)
		if e != nil {
			return e
		}
		_, e = tx.Exec(
			`INSERT INTO messages (session_id, role, content, timestamp)
			 SELECT ?, role, content, timestamp FROM messages
			 WHERE session_id = ? ORDER BY timestamp, id`,
			sess.ID, sourceID,
		)
		if e != nil {
			return e
		}
		return tx.Commit()
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return nil, fmt.Errorf("session %s: %w", newID, ErrExists)
		}
		return nil, fmt.Errorf("forking session: %w", err)
	}
	return sess, nil
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	var owner, forked sql.NullString
	err := row.Scan(&sess.ID, &owner, &sess.Name, &forked, &sess.WorkspaceDir,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.UserID = owner.String
	sess.ForkedFrom = forked.String
	return &sess, nil
}
