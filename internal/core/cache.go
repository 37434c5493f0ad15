package core

import (
	"context"
	"time"
)

//go:generate mockgen -source=cache.go -destination=cache_mock.go -package=core

// CacheRepository defines the contract for caching operations. The core
// defines the interface; the data layer provides the Redis implementation.
type CacheRepository interface {
	// Set stores a value with the given key and TTL. A TTL of 0 means no
	// expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a value by key. Returns nil if the key does not exist
	// or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists checks whether a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// SetTTL updates the TTL for an existing key. Returns true if the key
	// exists and the TTL was updated.
	SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// SetIfNotExists atomically sets a key only if it does not already
	// exist. Returns true if the key was set. Used for distributed locks
	// and deduplication.
	SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Health checks the cache connection.
	Health(ctx context.Context) error
}
