package fabricretry

import (
	"context"
	"sync"
	"time"
)

// LocalBackend is the single-process map-backed retry counter, guarded by a
// single mutex.
type LocalBackend struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	value     int64
	expiresAt time.Time // zero means no TTL
}

// NewLocalBackend constructs an empty in-process retry counter backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{entries: make(map[string]*localEntry)}
}

// evictIfExpired must be called with mu held. It lazily removes an entry
// whose TTL has elapsed, the same "check on access" eviction the L1 tier
// adapter uses.
func (b *LocalBackend) evictIfExpired(key string) {
	e, ok := b.entries[key]
	if !ok {
		return
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(b.entries, key)
	}
}

func (b *LocalBackend) Increment(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictIfExpired(key)

	e, ok := b.entries[key]
	if !ok {
		e = &localEntry{}
		b.entries[key] = e
	}
	e.value++
	return e.value, nil
}

func (b *LocalBackend) IncrementWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictIfExpired(key)

	e, existed := b.entries[key]
	if !existed {
		e = &localEntry{}
		if ttl > 0 {
			e.expiresAt = time.Now().Add(ttl)
		}
		b.entries[key] = e
	}
	e.value++
	return e.value, nil
}

func (b *LocalBackend) Get(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictIfExpired(key)
	e, ok := b.entries[key]
	if !ok {
		return 0, nil
	}
	return e.value, nil
}

func (b *LocalBackend) Reset(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *LocalBackend) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictIfExpired(key)
	_, ok := b.entries[key]
	return ok, nil
}
