// Package store abstracts the shared state backend every relay instance
// coordinates through. The Redis implementation gives all instances a common
// view; the memory implementation is the degraded instance-local fallback used
// when no backend is configured or reachable.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or its TTL has elapsed.
var ErrNotFound = errors.New("store: key not found")

// Store is the keyed backend contract shared by Redis and the local fallback.
//
// Delete returns the number of keys actually removed, which is the atomic
// claim primitive: when two callers race to consume a single-use record, only
// the caller whose Delete reports 1 may act on the value it read.
type Store interface {
	// Get returns the string value stored at key.
	Get(ctx context.Context, key string) (string, error)
	// Set stores a string value, applying ttl when positive.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes the given keys and reports how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)
	// HSet stores hash fields under key, applying ttl to the whole key when positive.
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	// HGetAll returns all hash fields at key, or an empty map when absent.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
	// Scan returns the keys matching a glob-style pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)
	// Shared reports whether the backend is visible to other instances.
	Shared() bool
	// Ping verifies backend reachability.
	Ping(ctx context.Context) error
	// Close releases backend resources and stops background maintenance.
	Close() error
}
