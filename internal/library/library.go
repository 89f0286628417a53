// Package library provides the SQLite-backed stores for books, highlight
// annotations, and conversation history. The vault owns note content; this
// database owns everything else.
package library

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS books (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	authors     TEXT NOT NULL DEFAULT '[]',
	source_file TEXT NOT NULL DEFAULT '',
	imported_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS chapters (
	book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
	idx     INTEGER NOT NULL,
	title   TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	text    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (book_id, idx)
);

CREATE TABLE IF NOT EXISTS highlights (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	book_id       TEXT NOT NULL,
	chapter_title TEXT NOT NULL DEFAULT '',
	start_off     INTEGER NOT NULL DEFAULT -1,
	end_off       INTEGER NOT NULL DEFAULT -1,
	quote         TEXT NOT NULL,
	quote_key     TEXT NOT NULL,
	comment       TEXT NOT NULL DEFAULT '',
	source        TEXT NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(book_id, chapter_title, start_off, end_off, quote_key)
);

CREATE INDEX IF NOT EXISTS idx_highlights_chapter ON highlights(book_id, chapter_title);

CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	book_id       TEXT NOT NULL,
	chapter_index INTEGER NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_conversations_chapter ON conversations(book_id, chapter_index);

CREATE TABLE IF NOT EXISTS turns (
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	idx             INTEGER NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	context         TEXT NOT NULL DEFAULT '',
	incomplete      INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (conversation_id, idx)
);
`

// DB wraps a sql.DB with library-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("library: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("library: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("library: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
