package payload

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore wraps a Store with an LRU read cache. Content addressing
// makes cached bytes immutable, so the only invalidation is purge.
// Exporters and sinks that re-read the same payloads benefit most.
type CachedStore struct {
	inner Store
	cache *lru.Cache[string, []byte]
}

// NewCachedStore caches up to maxEntries payloads from inner.
func NewCachedStore(inner Store, maxEntries int) (*CachedStore, error) {
	cache, err := lru.New[string, []byte](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cache: %w", err)
	}
	return &CachedStore{inner: inner, cache: cache}, nil
}

func (s *CachedStore) Put(ctx context.Context, payload []byte) (string, error) {
	ref, err := s.inner.Put(ctx, payload)
	if err != nil {
		return "", err
	}
	stored := make([]byte, len(payload))
	copy(stored, payload)
	s.cache.Add(ref, stored)
	return ref, nil
}

func (s *CachedStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if cached, ok := s.cache.Get(ref); ok {
		out := make([]byte, len(cached))
		copy(out, cached)
		return out, nil
	}
	data, err := s.inner.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	s.cache.Add(ref, stored)
	return data, nil
}

func (s *CachedStore) Exists(ctx context.Context, ref string) (bool, error) {
	if s.cache.Contains(ref) {
		return true, nil
	}
	return s.inner.Exists(ctx, ref)
}

// Purge drops the cache entry and purges the inner store when it supports
// purging.
func (s *CachedStore) Purge(ctx context.Context, ref string) error {
	s.cache.Remove(ref)
	if purger, ok := s.inner.(Purger); ok {
		return purger.Purge(ctx, ref)
	}
	return nil
}
