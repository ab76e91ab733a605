// Package fabriccache implements the tiered cache engine: read-through
// L1->L2->L3, write-behind persistence, and the background sync/persistence
// tasks that keep the tiers eventually consistent.
package fabriccache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/legacylands/fabric/fabriberr"
	"github.com/legacylands/fabric/fabriclock"
	"github.com/legacylands/fabric/fabriclog"
	"github.com/legacylands/fabric/fabricmodel"
	"github.com/legacylands/fabric/fabricretry"
	"github.com/legacylands/fabric/fabricstore"
)

// Built-in stream-bus action names. Defined here (rather than in
// fabricbus) so both this package's write-behind notifier and the built-in
// accepters the fabric façade registers use the same constants. This
// package reaches the bus only through the Publisher interface, and
// fabricbus does not import fabriccache.
const (
	ActionPlayerDataSyncByID   = "player-data-sync-id"
	ActionPlayerDataSyncByName = "player-data-sync-name"
)

// Publisher is the narrow slice of the stream bus the cache engine needs to
// announce a write to peers. Satisfied by *fabricbus.Bus.
type Publisher interface {
	Publish(ctx context.Context, action, payload string, ttl time.Duration) error
}

// Options configures an Engine. Zero values fall back to fabricconfig
// defaults applied by the caller (typically the fabric façade).
type Options struct {
	L1TTL                  time.Duration
	L2TTL                  time.Duration
	LockWait               time.Duration
	LockLease              time.Duration
	RetryMaxAttempts       int
	PersistencePeriod      time.Duration
	PersistenceBatch       int
	PersistenceConcurrency int
}

// Engine is the tiered cache core: L1 (in-process), L2 (shared in-memory
// store) and L3 (document store), coordinated by the key-scoped lock
// manager and backstopped by the retry counter.
type Engine struct {
	name string

	l1      *fabricstore.LocalTier
	l2      fabricstore.Tier
	l3      fabricstore.DocumentStore
	locks   *fabriclock.Manager
	retries *fabricretry.Counter
	bus     Publisher // nil when the fabric was created without a bus

	opts Options

	// persistedVersions and persistedRevs are the optimistic-lock predicates
	// for L3 writes: the record version (entities) or document revision
	// (players, whose documents carry no version of their own) this node
	// most recently wrote to L3, per id. A pre-read that finds any other
	// value means a peer advanced the document and the write must go through
	// re-read-and-merge.
	persistMu         sync.Mutex
	persistedVersions map[string]uint64
	persistedRevs     map[string]string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a tiered cache engine. bus may be nil, in which case
// writes are never announced cross-node (useful for single-node embeddings
// and tests).
func New(name string, l1 *fabricstore.LocalTier, l2 fabricstore.Tier, l3 fabricstore.DocumentStore, locks *fabriclock.Manager, retries *fabricretry.Counter, bus Publisher, opts Options) *Engine {
	return &Engine{
		name:              name,
		l1:                l1,
		l2:                l2,
		l3:                l3,
		locks:             locks,
		retries:           retries,
		bus:               bus,
		opts:              opts,
		persistedVersions: make(map[string]uint64),
		persistedRevs:     make(map[string]string),
		stopCh:            make(chan struct{}),
	}
}

func (e *Engine) encode(r *fabricmodel.Record) ([]byte, error) {
	doc := r.ToEntityDocument()
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fabriberr.New(fabriberr.TierUnavailable, "fabriccache.encode", doc.ID, err)
	}
	return data, nil
}

func (e *Engine) decode(data []byte) (*fabricmodel.Record, error) {
	var doc fabricmodel.EntityDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fabriberr.New(fabriberr.TierUnavailable, "fabriccache.decode", "", err)
	}
	return fabricmodel.EntityDocumentToRecord(doc)
}

// Get is the read-through path: L1, then the key lock with a
// double-checked L1 re-read, then L2, then L3, populating back up through
// the tiers as it goes.
func (e *Engine) Get(ctx context.Context, id fabricmodel.ID) (*fabricmodel.Record, error) {
	key := id.String()

	if data, ok, err := e.l1.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return e.decode(data)
	}

	return fabriclock.ExecuteUnderLock(ctx, e.locks, key, e.opts.LockWait, e.opts.LockLease, func(ctx context.Context) (*fabricmodel.Record, error) {
		if data, ok, err := e.l1.Get(ctx, key); err != nil {
			return nil, err
		} else if ok {
			return e.decode(data)
		}

		if data, ok, err := e.l2.Get(ctx, key); err != nil {
			return nil, err
		} else if ok {
			rec, err := e.decode(data)
			if err != nil {
				return nil, err
			}
			if err := e.l1.Put(ctx, key, data, e.opts.L1TTL); err != nil {
				return nil, err
			}
			return rec, nil
		}

		rec, found, err := e.loadFromL3(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fabriberr.New(fabriberr.NotFound, "fabriccache.Get", key, nil)
		}

		data, err := e.encode(rec)
		if err != nil {
			return nil, err
		}
		if err := e.l2.Put(ctx, key, data, e.opts.L2TTL); err != nil {
			fabriclog.For(e.name).WithError(err).WithField(fabriclog.FieldID, key).Warn("l3->l2 populate failed")
		}
		if err := e.l1.Put(ctx, key, data, e.opts.L1TTL); err != nil {
			return nil, err
		}
		return rec, nil
	})
}

func (e *Engine) loadFromL3(ctx context.Context, id fabricmodel.ID) (*fabricmodel.Record, bool, error) {
	if e.l3 == nil {
		return nil, false, nil
	}
	key := id.String()

	if doc, ok, err := e.l3.GetEntity(ctx, key); err != nil {
		return nil, false, err
	} else if ok {
		rec, err := fabricmodel.EntityDocumentToRecord(doc)
		return rec, true, err
	}

	if doc, ok, err := e.l3.GetPlayer(ctx, key); err != nil {
		return nil, false, err
	} else if ok {
		rec, err := fabricmodel.PlayerDocumentToRecord(doc)
		return rec, true, err
	}

	return nil, false, nil
}

// Put is the write path: bump if needed, write L1 through the
// lock, enqueue write-behind to L2 (and, at the next periodic tick, L3),
// and announce the write on the stream bus so peers can refresh.
func (e *Engine) Put(ctx context.Context, record *fabricmodel.Record) error {
	if record.Version() == 0 {
		record.Touch()
	}

	key := record.ID().String()
	data, err := e.encode(record)
	if err != nil {
		return err
	}

	_, err = fabriclock.ExecuteUnderLock(ctx, e.locks, key, e.opts.LockWait, e.opts.LockLease, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.l1.Put(ctx, key, data, e.opts.L1TTL)
	})
	if err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		syncCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.syncL1L2(syncCtx, key); err != nil {
			fabriclog.For(e.name).WithError(err).WithField(fabriclog.FieldID, key).Warn("l1->l2 sync failed")
		}
	}()

	if e.bus != nil {
		if err := e.bus.Publish(ctx, ActionPlayerDataSyncByID, key, e.opts.L2TTL); err != nil {
			fabriclog.For(e.name).WithError(err).WithField(fabriclog.FieldID, key).Warn("cross-node publish failed")
		}
	}
	return nil
}

// Remove deletes id from every tier, including L3: documents there are
// never TTL-evicted, and this is their explicit delete path.
func (e *Engine) Remove(ctx context.Context, id fabricmodel.ID) error {
	key := id.String()
	_, err := fabriclock.ExecuteUnderLock(ctx, e.locks, key, e.opts.LockWait, e.opts.LockLease, func(ctx context.Context) (struct{}, error) {
		if err := e.l1.Remove(ctx, key); err != nil {
			return struct{}{}, err
		}
		if err := e.l2.Remove(ctx, key); err != nil {
			return struct{}{}, err
		}
		if err := e.removeFromL3(ctx, key); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return err
}

// removeFromL3 deletes key from whichever L3 collection holds it. A record's
// type (entity vs. player) isn't known from the id alone, so both deletes
// are attempted and a NOT_FOUND from either is swallowed, the same way
// loadFromL3 probes both collections on read. A fabric created without an
// L3 (e.l3 == nil) has nothing to delete.
func (e *Engine) removeFromL3(ctx context.Context, key string) error {
	if e.l3 == nil {
		return nil
	}
	if err := e.l3.DeleteEntity(ctx, key); err != nil && !fabriberr.Is(err, fabriberr.NotFound) {
		return err
	}
	if err := e.l3.DeletePlayer(ctx, key); err != nil && !fabriberr.Is(err, fabriberr.NotFound) {
		return err
	}
	return nil
}

// InvalidateLocal evicts id from L1 only, leaving L2/L3 untouched. The
// cross-node stream-bus accepter for player-data-sync-id calls this before
// re-reading: without it, a node that
// already cached id in L1 would have its Get call in the accepter return the
// same stale L1 entry the notification was meant to refresh, since Get's
// read-through path only consults L2/L3 on an L1 miss.
func (e *Engine) InvalidateLocal(ctx context.Context, id fabricmodel.ID) error {
	return e.l1.Remove(ctx, id.String())
}

// syncL1L2 takes the L1 copy of id under the lock, merges it into the L2
// copy, and writes the merged result back to L2 with the configured TTL.
// Failures are
// recorded against the retry counter under action key
// fabricretry.SyncL1L2ActionKey(id); exhausting RetryMaxAttempts surfaces
// PERSISTENCE_EXHAUSTED.
func (e *Engine) syncL1L2(ctx context.Context, key string) error {
	_, err := fabriclock.ExecuteUnderLock(ctx, e.locks, key, e.opts.LockWait, e.opts.LockLease, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.syncL1L2Locked(ctx, key)
	})
	if err != nil {
		return e.recordSyncFailure(ctx, key, err)
	}
	return nil
}

func (e *Engine) syncL1L2Locked(ctx context.Context, key string) error {
	l1Data, ok, err := e.l1.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil // evicted from L1 before the sync ran; nothing to do
	}
	incoming, err := e.decode(l1Data)
	if err != nil {
		return err
	}

	// The L2 copy is the merge base and the L1 copy is the arriving record:
	// this node's fresh writes land as attribute updates on whatever peers
	// have already pushed to L2, and a local deletion (whose mutator bumped
	// the version past the copy it was read from) is honored by the merge's
	// version rule.
	merged := incoming
	refreshL1 := false
	if l2Data, ok, err := e.l2.Get(ctx, key); err != nil {
		return err
	} else if ok {
		base, err := e.decode(l2Data)
		if err != nil {
			return err
		}
		changed, err := base.MergeFrom(incoming)
		if err != nil {
			return err
		}
		merged = base
		refreshL1 = changed
	}

	data, err := e.encode(merged)
	if err != nil {
		return err
	}
	if err := e.l2.Put(ctx, key, data, e.opts.L2TTL); err != nil {
		return err
	}
	if refreshL1 {
		// The merge advanced the version past the L1 copy; writing it back
		// keeps this node's version monotonic and lets it observe attributes
		// peers had already pushed to L2.
		return e.l1.Put(ctx, key, data, e.opts.L1TTL)
	}
	return nil
}

func (e *Engine) recordSyncFailure(ctx context.Context, key string, cause error) error {
	maxAttempts := e.opts.RetryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	actionKey := fabricretry.SyncL1L2ActionKey(key)
	attempts, rerr := e.retries.Increment(ctx, actionKey)
	if rerr != nil {
		return rerr
	}

	fabriclog.For(e.name).WithError(cause).
		WithField(fabriclog.FieldID, key).
		WithField(fabriclog.FieldAttempt, attempts).
		Warn("l1->l2 sync attempt failed")

	if int(attempts) >= maxAttempts {
		fabriclog.For(e.name).
			WithField(fabriclog.FieldID, key).
			WithField(fabriclog.FieldAttempt, attempts).
			Error("l1->l2 sync exhausted retry budget")
		return fabriberr.New(fabriberr.PersistenceExhausted, "fabriccache.syncL1L2", key, cause)
	}
	return cause
}

// SignalStop flips the cooperative cancellation flag background tasks check
// between iterations, without waiting for any of them.
func (e *Engine) SignalStop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Close signals stop and waits for in-flight syncL1L2 goroutines spawned by
// Put to finish.
func (e *Engine) Close() {
	e.SignalStop()
	e.wg.Wait()
}
