package blob

import (
	"context"
	"sync"

	"github.com/gridxlabs/gridx/types"
)

// MemStore is an in-memory blob store for tests and single-process
// development runs. URLs are "mem://" + path.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemStore creates an empty in-memory blob store.
func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string][]byte)}
}

// Put stores a copy of data under the path.
func (s *MemStore) Put(ctx context.Context, path, contentType string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	u := "mem://" + path
	s.blobs[u] = cp
	return u, nil
}

// Get returns the blob behind a URL returned by Put.
func (s *MemStore) Get(ctx context.Context, url string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[url]
	if !ok {
		return nil, types.NewErrorf(types.ErrTransientFetch, "fetch %s", url)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Delete removes a blob. Tests use it to simulate unfetchable results.
func (s *MemStore) Delete(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, url)
}

// Len reports the number of stored blobs.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
