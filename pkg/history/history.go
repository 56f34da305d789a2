// Package history records every broadcast chat message in a SQLite log.
// The log is server-side only: nothing is ever replayed over the chat
// protocol, so a client that reconnects sees no backlog.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one logged chat message.
type Entry struct {
	ID        int64
	Sender    string
	Content   string
	CreatedAt int64 // Unix milliseconds
}

// Store wraps the SQLite connection for the history log.
type Store struct {
	conn *sql.DB
}

// Open opens (or creates) the history database at path and initializes the
// schema if needed.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// Single writer; SQLite serializes writes anyway
	conn.SetMaxOpenConns(1)

	// WAL mode so an operator tailing the log doesn't block appends
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	if _, err := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)
	`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Append records one broadcast message.
func (s *Store) Append(sender, content string) error {
	_, err := s.conn.Exec(
		`INSERT INTO messages (sender, content, created_at) VALUES (?, ?, ?)`,
		sender, content, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(limit int) ([]*Entry, error) {
	rows, err := s.conn.Query(
		`SELECT id, sender, content, created_at FROM messages ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Sender, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the total number of logged messages.
func (s *Store) Count() (int64, error) {
	var count int64
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count history entries: %w", err)
	}
	return count, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.conn.Close()
}
