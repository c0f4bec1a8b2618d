// Package file implements session.Storage by writing one JSON document per
// session to a directory.
package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentforge/core/internal/session"
)

// Store persists session.Document values as one file per session under
// Dir, using a flat "<storage>/<key>.json" layout.
type Store struct {
	mu  sync.Mutex
	dir string
}

// New creates a file-backed store, creating Dir if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

func (s *Store) Load(_ context.Context, sessionID string) (*session.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil, session.ErrNotFound(sessionID)
	}
	if err != nil {
		return nil, err
	}
	var doc session.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) Save(_ context.Context, doc *session.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path(doc.SessionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(doc.SessionID))
}

func (s *Store) Exists(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := os.Stat(s.path(sessionID))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
