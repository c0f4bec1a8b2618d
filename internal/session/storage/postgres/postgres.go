// Package postgres implements session.Storage on Postgres via pgx/v5,
// backed by a connection pool and a migrated sessions table storing the
// tree-shaped Document as JSON.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	pgxpool "github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentforge/core/internal/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements session.Storage against a Postgres table holding one
// row per session, the Document body stored as JSONB.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and runs pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := migrateUp(dsn); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func migrateUp(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Load(ctx context.Context, sessionID string) (*session.Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT body FROM sessions WHERE session_id = $1`, sessionID)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return nil, session.ErrNotFound(sessionID)
	}
	var doc session.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) Save(ctx context.Context, doc *session.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, body, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET body = $2, updated_at = $3
	`, doc.SessionID, raw, doc.UpdatedAt)
	return err
}

func (s *Store) Exists(ctx context.Context, sessionID string) (bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT 1 FROM sessions WHERE session_id = $1`, sessionID)
	var one int
	err := row.Scan(&one)
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	return err
}
