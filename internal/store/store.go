// Package store is the persistence port: users, tokens, sessions, messages,
// and MCP server records in a single embedded sqlite database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

type Store struct {
	db *sql.DB
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	display_name  TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tokens (
	token      TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tokens_expires_at ON tokens(expires_at);

CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	user_id     TEXT REFERENCES users(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	forked_from TEXT REFERENCES sessions(id) ON DELETE SET NULL,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	timestamp  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session_ts ON messages(session_id, timestamp);

CREATE TABLE IF NOT EXISTS mcp_servers (
	name       TEXT PRIMARY KEY,
	command    TEXT NOT NULL DEFAULT '',
	url        TEXT NOT NULL DEFAULT '',
	args       TEXT NOT NULL DEFAULT '[]',
	env        TEXT NOT NULL DEFAULT '{}',
	headers    TEXT NOT NULL DEFAULT '{}',
	transport  TEXT NOT NULL DEFAULT 'stdio',
	enabled    INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);
`

// Older databases predate the workspace_dir column; added in place.
const migrateAddWorkspaceDirSQL = `
ALTER TABLE sessions ADD COLUMN workspace_dir TEXT NOT NULL DEFAULT '';
`

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and
// foreign-key pragmas applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
}

// DefaultMaxOpenConns is the connection pool size; WAL allows concurrent
// readers alongside the single writer.
const DefaultMaxOpenConns = 4

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxOpenConns)

	if _, err := db.Exec(createTablesSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	db.Exec(migrateAddWorkspaceDirSQL) // ignore error if column exists

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}
