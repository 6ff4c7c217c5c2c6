package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// openDB opens (or creates) the SQLite database at path with WAL journaling and
// foreign keys enabled. ":memory:" opens a private in-memory database.
func openDB(path string) (*sql.DB, error) {
	if path == ":memory:" {
		db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(ON)")
		if err != nil {
			return nil, err
		}
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
		return db, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		display_name  TEXT NOT NULL DEFAULT '',
		location      TEXT NOT NULL DEFAULT '',
		farm_size     TEXT NOT NULL DEFAULT '',
		crop_types    TEXT NOT NULL DEFAULT '[]',
		experience    TEXT NOT NULL DEFAULT '',
		language      TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS threads (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title         TEXT NOT NULL DEFAULT '',
		description   TEXT NOT NULL DEFAULT '',
		category      TEXT NOT NULL DEFAULT 'general',
		crop_type     TEXT NOT NULL DEFAULT '',
		season        TEXT NOT NULL DEFAULT '',
		urgency_level INTEGER NOT NULL DEFAULT 1,
		archived      INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS threads_user_idx ON threads(user_id, updated_at DESC);`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		thread_id  TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
		role       TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
		content    TEXT NOT NULL,
		hidden     INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages(thread_id, seq);`,
}

func ensureSchema(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
