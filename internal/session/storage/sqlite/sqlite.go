// Package sqlite implements session.Storage on an embedded
// modernc.org/sqlite database — a pure-Go engine suited to single-node,
// standalone-mode storage without a second, cgo-based sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "modernc.org/sqlite"

	"github.com/agentforge/core/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Store implements session.Storage against a single sqlite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite file at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Load(ctx context.Context, sessionID string) (*session.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM sessions WHERE session_id = ?`, sessionID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		return nil, session.ErrNotFound(sessionID)
	}
	var doc session.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) Save(ctx context.Context, doc *session.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, doc.SessionID, string(raw), doc.UpdatedAt.Format("2006-01-02T15:04:05.999999999Z07:00"))
	return err
}

func (s *Store) Exists(ctx context.Context, sessionID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, sessionID)
	var one int
	if err := row.Scan(&one); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}
