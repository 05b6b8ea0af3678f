// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
)

// MemoryStore is an in-process Store for tests and development.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// BaseURL prefixes the fake presigned URLs.
	BaseURL string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		BaseURL: "https://blobstore.invalid",
	}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, 0, errors.NotFoundf("object %q", key)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// Head implements Store.
func (s *MemoryStore) Head(_ context.Context, key string) (ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return ObjectInfo{}, errors.NotFoundf("object %q", key)
	}
	return ObjectInfo{Key: key, SizeBytes: int64(len(data))}, nil
}

// Presign implements Store.
func (s *MemoryStore) Presign(_ context.Context, key string, ttl time.Duration, method Method) (string, error) {
	if method != MethodGet && method != MethodPut {
		return "", errors.NotValidf("presign method %q", method)
	}
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	return fmt.Sprintf("%s/%s?method=%s&expires=%d", s.BaseURL, key, method, int(ttl.Seconds())), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// CreateBucket implements Store.
func (s *MemoryStore) CreateBucket(context.Context) error {
	return nil
}
