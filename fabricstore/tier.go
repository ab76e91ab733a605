// Package fabricstore implements the three tier adapters: a uniform
// get/put/remove/exists/computeIfAbsent surface over the in-process map
// (L1), the shared in-memory store (L2), and the document store (L3).
// Each adapter normalizes its native errors into fabriberr.Kind at the
// boundary so nothing above this package ever sees a redis.Nil or a kivik
// HTTP status.
package fabricstore

import (
	"context"
	"time"
)

// Tier is the uniform surface L1 and L2 share. L3 is document
// shaped and implemented by DocumentStore instead (see couch.go), since its
// native key is the record id and its value is always an
// fabricmodel.EntityDocument/PlayerDocument, not an opaque byte string.
type Tier interface {
	// Get returns the stored value and true, or false if absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores value under key. ttl == 0 means no expiry on RedisTier;
	// LocalTier applies its idle TTL instead when it has one.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// Exists reports key membership without fetching the value.
	Exists(ctx context.Context, key string) (bool, error)
	// ComputeIfAbsent atomically supplies and stores a value for key when
	// absent, returning the now-current value either way.
	ComputeIfAbsent(ctx context.Context, key string, ttl time.Duration, supplier func() ([]byte, error)) ([]byte, error)
}
