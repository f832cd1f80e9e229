// Package archive persists session snapshots as JSON files so
// transcripts survive an application crash. Writes are atomic
// (temp file + rename) and flock-guarded against concurrent processes
// sharing a profile directory.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/agentdeck/agentdeck/pkg/types"
)

// ErrNotFound is returned when no snapshot exists for a session.
var ErrNotFound = errors.New("not found")

// Store is a file-based snapshot archive rooted at one directory.
type Store struct {
	basePath string
	mu       sync.Mutex
	locks    map[string]*fileLock
}

// New creates an archive rooted at basePath.
func New(basePath string) *Store {
	return &Store{
		basePath: basePath,
		locks:    make(map[string]*fileLock),
	}
}

func (s *Store) statePath(sessionID string) string {
	return filepath.Join(s.basePath, "session", sessionID, "state.json")
}

// PutState writes the session's snapshot.
func (s *Store) PutState(ctx context.Context, state types.SessionState) error {
	if state.Session.ID == "" {
		return fmt.Errorf("refusing to archive a session without an id")
	}
	path := s.statePath(state.Session.ID)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	lock := s.getLock(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire archive lock: %w", err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// GetState reads a session's archived snapshot.
func (s *Store) GetState(ctx context.Context, sessionID string) (types.SessionState, error) {
	var state types.SessionState

	data, err := os.ReadFile(s.statePath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return state, ErrNotFound
		}
		return state, fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return state, nil
}

// Delete removes a session's snapshot. Missing snapshots are not an
// error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	err := os.Remove(s.statePath(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	// Best effort cleanup of the now-empty directory.
	os.Remove(filepath.Dir(s.statePath(sessionID)))
	return nil
}

// List returns the ids of every archived session.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.basePath, "session"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) getLock(path string) *fileLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[path]
	if !ok {
		lock = &fileLock{path: path}
		s.locks[path] = lock
	}
	return lock
}
