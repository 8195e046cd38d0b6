// Package memory stores archived payloads in-memory for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// BlobStore keeps payloads in a map and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an in-memory blob store.
func New() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject stores the payload and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", path), nil
}

// Object returns a stored payload for inspection in tests.
func (s *BlobStore) Object(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}
