// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package secrets defines the secrets capability the control plane
// depends on, with a vault backend for production and an in-memory
// backend for tests. Reads go through a short-lived cache; writes and
// deletes never do.
package secrets

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// ErrPermissionDenied is returned when the backend refuses access.
const ErrPermissionDenied = errors.ConstError("secrets permission denied")

// Store is the capability interface. Any backend implementing these
// operations suffices; the control plane never sees backend detail.
type Store interface {
	// Get returns the secret at path.
	Get(ctx context.Context, path string) ([]byte, error)

	// Put stores value at path, overwriting any previous value.
	Put(ctx context.Context, path string, value []byte) error

	// Delete removes the secret at path. Deleting an absent path is
	// not an error.
	Delete(ctx context.Context, path string) error

	// List returns the paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// DefaultCacheTTL is how long a read-through entry stays fresh.
const DefaultCacheTTL = 60 * time.Second

type cacheEntry struct {
	value   []byte
	expires time.Time
}

// CachingStore fronts a Store with a read-through cache. Writes are
// always uncached and invalidate the entry they touch.
type CachingStore struct {
	backend Store
	clock   clock.Clock
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCachingStore wraps the backend. A zero ttl means DefaultCacheTTL.
func NewCachingStore(backend Store, clk clock.Clock, ttl time.Duration) *CachingStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachingStore{
		backend: backend,
		clock:   clk,
		ttl:     ttl,
		cache:   make(map[string]cacheEntry),
	}
}

// Get implements Store.
func (s *CachingStore) Get(ctx context.Context, path string) ([]byte, error) {
	now := s.clock.Now()
	s.mu.Lock()
	if entry, ok := s.cache[path]; ok && now.Before(entry.expires) {
		value := entry.value
		s.mu.Unlock()
		return value, nil
	}
	s.mu.Unlock()

	value, err := s.backend.Get(ctx, path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.mu.Lock()
	s.cache[path] = cacheEntry{value: value, expires: now.Add(s.ttl)}
	s.mu.Unlock()
	return value, nil
}

// Put implements Store.
func (s *CachingStore) Put(ctx context.Context, path string, value []byte) error {
	if err := s.backend.Put(ctx, path, value); err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	delete(s.cache, path)
	s.mu.Unlock()
	return nil
}

// Delete implements Store.
func (s *CachingStore) Delete(ctx context.Context, path string) error {
	if err := s.backend.Delete(ctx, path); err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	delete(s.cache, path)
	s.mu.Unlock()
	return nil
}

// List implements Store. Listings are never cached.
func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	paths, err := s.backend.List(ctx, prefix)
	return paths, errors.Trace(err)
}
