// Package store is the persistent document store: users, device sessions,
// friend edges, channels with their membership, and messages. The signaling
// core reads it on every auth, membership check and fanout resolution; the
// only fields it writes are session lastStart metadata and message rows.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens or creates the database in the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "huddle.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenMemory opens a private in-memory store. Used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL,
	public_key    TEXT NOT NULL,
	want_status   INTEGER NOT NULL DEFAULT 0,
	typing_events INTEGER NOT NULL DEFAULT 1,
	created       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	token_digest TEXT NOT NULL UNIQUE,
	user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	agent        TEXT NOT NULL DEFAULT '',
	ip           TEXT NOT NULL DEFAULT '',
	created      INTEGER NOT NULL,
	last_start   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS friends (
	user1_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	user2_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	accepted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user1_id, user2_id)
);

CREATE TABLE IF NOT EXISTS channels (
	id      TEXT PRIMARY KEY,
	type    INTEGER NOT NULL,
	name    TEXT NOT NULL DEFAULT '',
	created INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_users (
	channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	hidden     INTEGER NOT NULL DEFAULT 0,
	owner      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (channel_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	user_id    TEXT NOT NULL,
	type       INTEGER NOT NULL,
	body       TEXT,
	created    INTEGER NOT NULL,
	updated    INTEGER
);

CREATE TABLE IF NOT EXISTS message_keys (
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	user_id    TEXT NOT NULL,
	data       TEXT NOT NULL,
	PRIMARY KEY (message_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_channel_users_user ON channel_users(user_id);
CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created);
`
