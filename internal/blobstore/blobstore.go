// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package blobstore defines the object-storage capability holding
// boot images and other large artifacts. The control plane is the
// only holder of backend credentials; boot workers are handed
// time-limited presigned URLs instead.
package blobstore

import (
	"context"
	"io"
	"time"
)

// Method selects the HTTP verb a presigned URL authorises.
type Method string

const (
	MethodGet Method = "GET"
	MethodPut Method = "PUT"
)

// ObjectInfo describes a stored object without its payload.
type ObjectInfo struct {
	Key       string
	SizeBytes int64
	ETag      string
}

// Store is the capability interface over one bucket of one backend.
type Store interface {
	// Put stores the object at key.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get opens the object at key for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Head returns metadata for the object at key.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// Presign returns a URL that authorises the given method on key
	// until the TTL elapses.
	Presign(ctx context.Context, key string, ttl time.Duration, method Method) (string, error)

	// List returns the keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object at key.
	Delete(ctx context.Context, key string) error

	// CreateBucket ensures the backing bucket exists.
	CreateBucket(ctx context.Context) error
}

// DefaultPresignTTL bounds how long a handed-out image URL stays
// valid.
const DefaultPresignTTL = 15 * time.Minute
