// Package memory implements the snapshot archive in process memory for
// tests and demo runs.
package memory

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Store keeps objects in a map keyed by path.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

// Put stores the object and returns a memory:// URI.
func (s *Store) Put(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = data
	s.types[path] = contentType
	return "memory://" + path, nil
}

// Get returns a stored object and whether it exists.
func (s *Store) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

// ContentType returns the content type recorded for a path.
func (s *Store) ContentType(path string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.types[path]
}

// Len reports how many objects are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
