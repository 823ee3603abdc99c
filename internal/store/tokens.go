package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// TokenTTL is how long a bearer token stays valid.
const TokenTTL = 30 * 24 * time.Hour

// CreateToken issues a new bearer token for the user.
func (s *Store) CreateToken(userID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := "pi_" + hex.EncodeToString(buf)
	now := time.Now().UTC()

	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			token, userID, now, now.Add(TokenTTL),
		)
		return e
	})
	if err != nil {
		return "", fmt.Errorf("inserting token: %w", err)
	}
	return token, nil
}

// ValidateToken resolves a token to its user, or nil when the token is
// unknown or expired. Expired tokens are purged best-effort on touch.
func (s *Store) ValidateToken(token string) (*User, error) {
	s.db.Exec(`DELETE FROM tokens WHERE expires_at <= ?`, time.Now().UTC())

	row := s.db.QueryRow(
		`SELECT u.id, u.username, u.display_name, u.created_at
		 FROM tokens t JOIN users u ON u.id = t.user_id
		 WHERE t.token = ? AND t.expires_at > ?`,
		token, time.Now().UTC(),
	)
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning token user: %w", err)
	}
	return &user, nil
}

// DeleteToken revokes a token. Unknown tokens are not an error.
func (s *Store) DeleteToken(token string) error {
	return retryOnBusy(func() error {
		_, e := s.db.Exec(`DELETE FROM tokens WHERE token = ?`, token)
		return e
	})
}
