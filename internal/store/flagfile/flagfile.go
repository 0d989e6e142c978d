// Package flagfile persists one-time flags in a JSON file on disk.
package flagfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/capitalize-ai/chatsync/internal/store"
)

// Store is a file-backed store.FlagStore. The whole set is rewritten
// atomically (temp file + rename) on every Set.
type Store struct {
	path string

	mu    sync.Mutex
	flags map[string]bool
}

var _ store.FlagStore = (*Store)(nil)

// Open loads path, creating its directory if needed. A missing file is
// an empty flag set.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("flagfile: create dir: %w", err)
	}
	s := &Store{path: path, flags: make(map[string]bool)}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("flagfile: read: %w", err)
	}
	if err := json.Unmarshal(b, &s.flags); err != nil {
		return nil, fmt.Errorf("flagfile: decode %s: %w", path, err)
	}
	return s, nil
}

// IsSet implements store.FlagStore.
func (s *Store) IsSet(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags[key], nil
}

// Set implements store.FlagStore.
func (s *Store) Set(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flags[key] {
		return nil
	}
	s.flags[key] = true
	if err := s.writeLocked(); err != nil {
		delete(s.flags, key)
		return err
	}
	return nil
}

func (s *Store) writeLocked() error {
	b, err := json.MarshalIndent(s.flags, "", "  ")
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("flagfile: temp file: %w", err)
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return fmt.Errorf("flagfile: write: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("flagfile: close: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("flagfile: rename: %w", err)
	}
	return nil
}
