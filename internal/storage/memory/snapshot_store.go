// Package memory stores snapshots in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/booky-indexer/internal/storage"
)

// SnapshotStore keeps snapshots in a map and returns pseudo URIs.
type SnapshotStore struct {
	mu   sync.RWMutex
	data map[int64][]byte
}

// NewSnapshotStore creates a new in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{data: make(map[int64][]byte)}
}

// Write persists a copy of raw and returns a memory:// URI.
func (s *SnapshotStore) Write(_ context.Context, bookmarkID int64, raw []byte) (string, error) {
	name, err := storage.SnapshotName(bookmarkID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[bookmarkID] = append([]byte(nil), raw...)
	return fmt.Sprintf("memory://%s", name), nil
}

// Get returns the stored snapshot for a bookmark.
func (s *SnapshotStore) Get(bookmarkID int64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.data[bookmarkID]
	return raw, ok
}
