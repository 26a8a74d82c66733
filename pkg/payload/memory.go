package payload

import (
	"context"
	"sync"
)

// MemoryStore keeps payloads in process memory. Used with in-memory audit
// databases and in tests; contents vanish with the process.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, payload []byte) (string, error) {
	ref := MakeRef(payload)
	stored := make([]byte, len(payload))
	copy(stored, payload)

	s.mu.Lock()
	s.blobs[ref] = stored
	s.mu.Unlock()
	return ref, nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	if _, _, err := ParseRef(ref); err != nil {
		return nil, err
	}
	s.mu.RLock()
	stored, ok := s.blobs[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Ref: ref}
	}
	out := make([]byte, len(stored))
	copy(out, stored)
	return out, nil
}

func (s *MemoryStore) Exists(_ context.Context, ref string) (bool, error) {
	if _, _, err := ParseRef(ref); err != nil {
		return false, err
	}
	s.mu.RLock()
	_, ok := s.blobs[ref]
	s.mu.RUnlock()
	return ok, nil
}

func (s *MemoryStore) Purge(_ context.Context, ref string) error {
	if _, _, err := ParseRef(ref); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.blobs, ref)
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored payloads.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
