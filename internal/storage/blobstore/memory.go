package blobstore

import (
	"context"
	"sync"
)

// MemoryStore keeps blobs in process memory, for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, store string, data []byte) (string, int64, error) {
	digest := ComputeDigest(data)
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.objects[store]
	if !ok {
		bucket = make(map[string][]byte)
		s.objects[store] = bucket
	}
	if _, exists := bucket[digest]; !exists {
		bucket[digest] = cp
	}
	return digest, int64(len(data)), nil
}

func (s *MemoryStore) Get(ctx context.Context, store, digest string) ([]byte, error) {
	if _, _, err := ParseDigest(digest); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[store][digest]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryStore) VerifyDigest(ctx context.Context, store, digest, algo string) (bool, error) {
	data, err := s.Get(ctx, store, digest)
	if err != nil {
		return false, err
	}
	return verify(data, digest, algo)
}

// Corrupt overwrites a stored blob in place. Test hook for integrity checks.
func (s *MemoryStore) Corrupt(store, digest string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.objects[store]; ok {
		bucket[digest] = data
	}
}

var _ Store = (*MemoryStore)(nil)
