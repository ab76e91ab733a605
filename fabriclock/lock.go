// Package fabriclock implements the key-scoped lock manager: a single
// ExecuteUnderLock(key, body, waitTime, leaseTime) contract with an
// interchangeable local (in-process) or shared (redis-leased) backend.
// ExecuteUnderLock is reentrant for the calling goroutine's call chain with
// either backend, and both backends reject release attempts from a
// non-owner.
package fabriclock

import (
	"context"
	"fmt"
	"time"

	"github.com/legacylands/fabric/fabriberr"
)

// Backend acquires and releases a named, leased lock. Implementations must
// return a *fabriberr.Error with Kind LockTimeout on wait-budget exhaustion
// and LockInterrupted when ctx is cancelled while waiting.
type Backend interface {
	// Acquire blocks until the lock for key is held, waitTime elapses, or ctx
	// is done, whichever comes first. The lock is automatically released
	// after leaseTime even if Release is never called. It returns an opaque
	// token that only the caller holding it may use to Release early.
	Acquire(ctx context.Context, key string, waitTime, leaseTime time.Duration) (Token, error)
	// Release releases a previously acquired lock. Returns an error if token
	// does not match the current holder (already released, expired, or
	// never owned by this caller).
	Release(ctx context.Context, key string, token Token) error
}

// Token identifies a specific lock acquisition, used to prevent a caller
// from releasing a lock it does not hold (including one it held but that
// has since leased out and been re-acquired by someone else).
type Token uint64

// Manager is the public façade over a lock Backend.
type Manager struct {
	backend Backend
}

// New constructs a Manager over the given backend.
func New(backend Backend) *Manager {
	return &Manager{backend: backend}
}

type ctxOwnerKey struct{ key string }

func ownerFromContext(ctx context.Context, key string) (Token, bool) {
	v := ctx.Value(ctxOwnerKey{key})
	if v == nil {
		return 0, false
	}
	return v.(Token), true
}

// ExecuteUnderLock acquires the lock for key, runs body, and releases the
// lock on every exit path including a panic propagating out of body. If the
// calling goroutine already holds key (recognized via ctx, the way a nested
// call within the same logical operation passes its context down), the lock
// is not re-acquired. Reentrancy is modeled without a thread-identity
// primitive by carrying ownership in ctx instead.
//
// ExecuteUnderLock is a free function rather than a Manager method because
// Go methods cannot carry their own type parameters.
func ExecuteUnderLock[T any](ctx context.Context, m *Manager, key string, waitTime, leaseTime time.Duration, body func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if _, reentrant := ownerFromContext(ctx, key); reentrant {
		return body(ctx)
	}

	token, err := m.backend.Acquire(ctx, key, waitTime, leaseTime)
	if err != nil {
		return zero, err
	}
	defer func() {
		_ = m.backend.Release(context.Background(), key, token)
	}()

	innerCtx := context.WithValue(ctx, ctxOwnerKey{key}, token)
	return body(innerCtx)
}

// newLockTimeout builds the LOCK_TIMEOUT error for a failed acquisition.
func newLockTimeout(key string) error {
	return fabriberr.New(fabriberr.LockTimeout, "fabriclock.Acquire", key, nil)
}

// newLockInterrupted builds the LOCK_INTERRUPTED error for a cancelled wait.
func newLockInterrupted(key string) error {
	return fabriberr.New(fabriberr.LockInterrupted, "fabriclock.Acquire", key, context.Canceled)
}

// newNotOwner reports a Release call from a caller that does not hold key.
// This is caller misuse rather than one of the fabric's normalized failure
// kinds, so it is a plain error rather than a *fabriberr.Error.
func newNotOwner(key string) error {
	return fmt.Errorf("fabriclock: release of %q attempted by non-owner", key)
}
