// Package fabricretry implements the resilient retry counter: a bounded,
// TTL-capable increment used to count failed attempts at a fabric
// operation (most notably the L1->L2 sync task's "sync-l1-l2:<id>" action
// key) before it is abandoned with PERSISTENCE_EXHAUSTED. Two interchangeable
// backends exist: a single-process map and a shared redis-backed one.
package fabricretry

import (
	"context"
	"time"

	"github.com/legacylands/fabric/fabriberr"
)

// MaxTTL is the longest TTL a counter may be created with.
const MaxTTL = 7 * 24 * time.Hour

// Backend stores named integer counters with optional TTL.
type Backend interface {
	// Increment atomically increments key and returns the new value. If key
	// does not exist it is created starting from 0 (so the first call
	// returns 1).
	Increment(ctx context.Context, key string) (int64, error)
	// IncrementWithTTL is like Increment but arms a TTL the first time key is
	// created. Re-incrementing an existing counter must not re-arm the TTL.
	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Get returns the current value, or 0 if absent.
	Get(ctx context.Context, key string) (int64, error)
	// Reset deletes the counter.
	Reset(ctx context.Context, key string) error
	// Exists reports counter membership.
	Exists(ctx context.Context, key string) (bool, error)
}

// Counter is the public façade over a retry-counter Backend.
type Counter struct {
	backend Backend
}

// New constructs a Counter over the given backend.
func New(backend Backend) *Counter {
	return &Counter{backend: backend}
}

// Increment bumps key and returns its new value.
func (c *Counter) Increment(ctx context.Context, key string) (int64, error) {
	return c.backend.Increment(ctx, key)
}

// IncrementWithTTL bumps key, arming ttl on first creation. Refuses ttl
// greater than MaxTTL with INVALID_TTL.
func (c *Counter) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl > MaxTTL {
		return 0, fabriberr.New(fabriberr.InvalidTTL, "fabricretry.IncrementWithTTL", key, nil)
	}
	return c.backend.IncrementWithTTL(ctx, key, ttl)
}

// Get returns the current value, or 0 if absent.
func (c *Counter) Get(ctx context.Context, key string) (int64, error) {
	return c.backend.Get(ctx, key)
}

// Reset deletes the counter.
func (c *Counter) Reset(ctx context.Context, key string) error {
	return c.backend.Reset(ctx, key)
}

// Exists reports counter membership.
func (c *Counter) Exists(ctx context.Context, key string) (bool, error) {
	return c.backend.Exists(ctx, key)
}

// SyncL1L2ActionKey builds the retry-counter action key the tiered cache
// engine uses for a given record id's L1->L2 sync task.
func SyncL1L2ActionKey(id string) string {
	return "sync-l1-l2:" + id
}
