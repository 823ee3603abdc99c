package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateUser registers a new user with a bcrypt-hashed password.
func (s *Store) CreateUser(username, displayName, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := &User{
		ID:          uuid.New().String(),
		Username:    username,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}

	err = retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO users (id, username, display_name, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
			user.ID, user.Username, user.DisplayName, string(hash), user.CreatedAt,
		)
		return e
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("username %q: %w", username, ErrExists)
		}
		return nil, fmt.Errorf("inserting user: %w", err)
	}
	return user, nil
}

func (s *Store) GetUser(id string) (*User, error) {
	row := s.db.QueryRow(
		`SELECT id, username, display_name, created_at FROM users WHERE id = ?`, id,
	)
	return scanUser(row)
}

func (s *Store) GetUserByUsername(username string) (*User, error) {
	row := s.db.QueryRow(
		`SELECT id, username, display_name, created_at FROM users WHERE username = ?`, username,
	)
	return scanUser(row)
}

// Authenticate verifies credentials and returns the user, or nil when the
// username is unknown or the password does not match.
func (s *Store) Authenticate(username, password string) (*User, error) {
	row := s.db.QueryRow(
		`SELECT id, username, display_name, password_hash, created_at FROM users WHERE username = ?`, username,
	)
	var user User
	var hash string
	err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &hash, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, nil
	}
	return &user, nil
}

func (s *Store) ListUsers() ([]*User, error) {
	rows, err := s.db.Query(
		`SELECT id, username, display_name, created_at FROM users ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) DeleteUser(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM users WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanUser(row scannable) (*User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &user, nil
}
