// Package fabric is the Legacy Data Fabric's library surface: the façade
// that wires the tiered cache engine, stream bus and
// name registry together into a single embeddable API, with the
// INIT -> RUNNING -> DRAINING -> CLOSED lifecycle callers drive through
// Create and Shutdown.
package fabric

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/legacylands/fabric/fabriberr"
	"github.com/legacylands/fabric/fabricbus"
	"github.com/legacylands/fabric/fabriccache"
	"github.com/legacylands/fabric/fabricconfig"
	"github.com/legacylands/fabric/fabriclock"
	"github.com/legacylands/fabric/fabriclog"
	"github.com/legacylands/fabric/fabricmodel"
	"github.com/legacylands/fabric/fabricretry"
	"github.com/legacylands/fabric/fabricstore"
)

// state is the handle lifecycle state machine.
type state int

const (
	stateInit state = iota
	stateRunning
	stateDraining
	stateClosed
)

// L3Config carries the document-store connection details a Handle is
// created with. L3 is optional: a fabric created without one (URL empty)
// only ever serves from L1/L2 and treats an L3 miss as a permanent miss,
// useful for tests and for fabrics that don't need cross-restart durability.
type L3Config struct {
	URL     string
	Indexes fabricstore.IndexConfig
}

// Handle is a single named fabric: the tiered cache engine, its stream bus,
// and the background tasks driving persistence and bus consumption.
type Handle struct {
	name string

	mu    sync.Mutex
	state state

	engine *fabriccache.Engine
	bus    *fabricbus.Bus
	l3     fabricstore.DocumentStore

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Name returns the fabric's registered name.
func (h *Handle) Name() string { return h.name }

// Start transitions INIT -> RUNNING, launching the periodic persistence task
// and the stream-bus consumer loop.
func (h *Handle) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateInit {
		return fabriberr.New(fabriberr.Shutdown, "fabric.Start", h.name, nil)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.state = stateRunning

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.engine.RunPeriodicPersistence(runCtx)
	}()

	if h.bus != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.bus.Run(runCtx)
		}()
	}

	return nil
}

func (h *Handle) checkRunning() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateRunning {
		return fabriberr.New(fabriberr.Shutdown, "fabric", h.name, nil)
	}
	return nil
}

// Read returns the record for id through the tiered read path.
func (h *Handle) Read(ctx context.Context, id fabricmodel.ID) (*fabricmodel.Record, error) {
	if err := h.checkRunning(); err != nil {
		return nil, err
	}
	return h.engine.Get(ctx, id)
}

// ReadOrCreate implements Handle.readOrCreate(id, factory): on a NOT_FOUND
// miss, factory builds a fresh record which is then written and returned.
func (h *Handle) ReadOrCreate(ctx context.Context, id fabricmodel.ID, factory func() *fabricmodel.Record) (*fabricmodel.Record, error) {
	rec, err := h.Read(ctx, id)
	if err == nil {
		return rec, nil
	}
	if !fabriberr.Is(err, fabriberr.NotFound) {
		return nil, err
	}

	created := factory()
	if err := h.Write(ctx, created); err != nil {
		return nil, err
	}
	return created, nil
}

// Write stores record through the write-behind path.
func (h *Handle) Write(ctx context.Context, record *fabricmodel.Record) error {
	if err := h.checkRunning(); err != nil {
		return err
	}
	return h.engine.Put(ctx, record)
}

// Remove deletes id from every tier.
func (h *Handle) Remove(ctx context.Context, id fabricmodel.ID) error {
	if err := h.checkRunning(); err != nil {
		return err
	}
	return h.engine.Remove(ctx, id)
}

// FindByType returns every record of the given entity type, answered from
// the document tier's entityType index. Secondary access is indexed
// equality only; fabrics created without an L3 have no secondary index to
// consult.
func (h *Handle) FindByType(ctx context.Context, entityType string) ([]*fabricmodel.Record, error) {
	if err := h.checkRunning(); err != nil {
		return nil, err
	}
	if h.l3 == nil {
		return nil, fabriberr.New(fabriberr.TierUnavailable, "fabric.FindByType", h.name, nil)
	}
	docs, err := h.l3.FindEntitiesByType(ctx, entityType)
	if err != nil {
		return nil, err
	}
	return docsToRecords(docs)
}

// FindByAttribute returns every record whose attribute key equals value.
func (h *Handle) FindByAttribute(ctx context.Context, key, value string) ([]*fabricmodel.Record, error) {
	if err := h.checkRunning(); err != nil {
		return nil, err
	}
	if h.l3 == nil {
		return nil, fabriberr.New(fabriberr.TierUnavailable, "fabric.FindByAttribute", h.name, nil)
	}
	docs, err := h.l3.FindEntitiesByAttribute(ctx, key, value)
	if err != nil {
		return nil, err
	}
	return docsToRecords(docs)
}

// FindByRelationship returns every record whose relationship set for relType
// contains target.
func (h *Handle) FindByRelationship(ctx context.Context, relType string, target fabricmodel.ID) ([]*fabricmodel.Record, error) {
	if err := h.checkRunning(); err != nil {
		return nil, err
	}
	if h.l3 == nil {
		return nil, fabriberr.New(fabriberr.TierUnavailable, "fabric.FindByRelationship", h.name, nil)
	}
	docs, err := h.l3.FindEntitiesByRelationship(ctx, relType, target.String())
	if err != nil {
		return nil, err
	}
	return docsToRecords(docs)
}

func docsToRecords(docs []fabricmodel.EntityDocument) ([]*fabricmodel.Record, error) {
	out := make([]*fabricmodel.Record, 0, len(docs))
	for _, doc := range docs {
		rec, err := fabricmodel.EntityDocumentToRecord(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Publish appends a task entry to this fabric's stream bus.
func (h *Handle) Publish(ctx context.Context, action, payload string, ttl time.Duration) error {
	if err := h.checkRunning(); err != nil {
		return err
	}
	if h.bus == nil {
		return fabriberr.New(fabriberr.BusUnavailable, "fabric.Publish", h.name, nil)
	}
	return h.bus.Publish(ctx, action, payload, ttl)
}

// RegisterAccepter binds an accepter to its action on the stream bus.
// accepterID distinguishes this accepter's idempotency bookkeeping from any
// other accepter registered for the same action.
func (h *Handle) RegisterAccepter(accepterID string, accepter fabricbus.Accepter) error {
	if h.bus == nil {
		return fabriberr.New(fabriberr.BusUnavailable, "fabric.RegisterAccepter", h.name, nil)
	}
	h.bus.RegisterAccepter(accepterID, accepter)
	return nil
}

// drainTimeout bounds shutdown's wait for background tasks to finish their
// current unit of work before they are force-cancelled.
const drainTimeout = 30 * time.Second

// Shutdown drives RUNNING -> DRAINING -> CLOSED: new operations are
// rejected immediately, then background tasks are given up to drainTimeout
// to finish their current unit of work before being force-cancelled.
func (h *Handle) Shutdown() error {
	h.mu.Lock()
	if h.state == stateClosed {
		h.mu.Unlock()
		return nil
	}
	h.state = stateDraining
	cancel := h.cancel
	h.mu.Unlock()

	// Cooperative stop first: the consumer loop finishes its current entry,
	// the periodic task its current cycle, and in-flight write-behind syncs
	// run to completion within the drain window.
	if h.bus != nil {
		h.bus.Close()
	}
	h.engine.SignalStop()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		h.engine.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}

	if h.l3 != nil {
		_ = h.l3.Close()
	}

	h.mu.Lock()
	h.state = stateClosed
	h.mu.Unlock()
	return nil
}

// Registry is the process-wide fabric-name -> Handle mapping, guarded by a
// read-write lock: creation takes the write lock, lookup takes the read
// lock. It is constructed explicitly rather than kept as a package-level
// singleton so tests (and embedders running several fleets in one process)
// can isolate their own registries.
type Registry struct {
	mu       sync.RWMutex
	fabrics  map[string]*Handle
	defaults fabricconfig.TierOptions
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		fabrics:  make(map[string]*Handle),
		defaults: fabricconfig.Defaults(),
	}
}

// GetByName looks up a fabric by name.
func (r *Registry) GetByName(name string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.fabrics[name]
	return h, ok
}

// Create builds L1/L2/L3 adapters, the lock manager, retry counter,
// stream bus, and the cache engine, then registers the resulting
// Handle under name. L3Config.URL empty means "no document tier" (see
// L3Config).
func (r *Registry) Create(ctx context.Context, name string, l2Client *redis.Client, l3 L3Config, opts fabricconfig.TierOptions) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fabrics[name]; exists {
		return nil, fabriberr.New(fabriberr.DuplicateName, "fabric.Create", name, nil)
	}

	l1 := fabricstore.NewLocalTier(opts.L1MaxEntries, opts.L1TTL)
	l2 := fabricstore.NewRedisTier(fabricstore.RedisTierConfig{Client: l2Client, KeyPrefix: "fabric:" + name + ":l2:"})
	locks := fabriclock.New(fabriclock.NewRedisBackend(fabriclock.RedisBackendConfig{Client: l2Client, KeyPrefix: "fabric:" + name + ":lock:"}))
	retries := fabricretry.New(fabricretry.NewRedisBackend(fabricretry.RedisBackendConfig{Client: l2Client, KeyPrefix: "fabric:" + name + ":retry:"}))

	var store fabricstore.DocumentStore
	if l3.URL != "" {
		s, err := fabricstore.NewCouchStore(ctx, fabricstore.CouchStoreConfig{URL: l3.URL})
		if err != nil {
			return nil, err
		}
		if err := s.EnsureIndexes(ctx, l3.Indexes); err != nil {
			return nil, err
		}
		store = s
	}

	bus := fabricbus.New(fabricbus.Config{
		Client:              l2Client,
		Fabric:              name,
		NodeID:              opts.NodeID,
		PollPeriod:          opts.ConsumerTick,
		ConsumerParallelism: opts.ConsumerParallelism,
	})

	engine := fabriccache.New(name, l1, l2, store, locks, retries, bus, fabriccache.Options{
		L1TTL:                  opts.L1TTL,
		L2TTL:                  opts.L2TTL,
		LockWait:               opts.LockWaitDefault,
		LockLease:              opts.LockLeaseDefault,
		RetryMaxAttempts:       opts.RetryMaxAttempts,
		PersistencePeriod:      opts.PersistencePeriod,
		PersistenceBatch:       opts.PersistenceBatch,
		PersistenceConcurrency: opts.PersistenceConcurrency,
	})

	registerBuiltinAccepters(bus, engine)

	handle := &Handle{name: name, engine: engine, bus: bus, l3: store, state: stateInit}
	r.fabrics[name] = handle

	fabriclog.For(name).Info("fabric created")
	return handle, nil
}

// registerBuiltinAccepters wires the built-in actions. player-data-sync-id
// invalidates this node's L1 copy of the id and then re-reads it;
// player-data-sync-name is accepted and does nothing. Invalidating first matters: Get's
// read-through path only consults L2/L3 on an L1 miss, so a node that
// already has id cached in L1 would otherwise have its Get call here return
// the very stale copy the notification exists to refresh.
func registerBuiltinAccepters(bus *fabricbus.Bus, engine *fabriccache.Engine) {
	bus.RegisterAccepter("builtin:player-data-sync-id", fabricbus.AccepterFunc{
		Action: fabriccache.ActionPlayerDataSyncByID,
		Fn: func(ctx context.Context, entry fabricbus.Entry) error {
			id, err := fabricmodel.ParseID(entry.Payload)
			if err != nil {
				return err
			}
			if err := engine.InvalidateLocal(ctx, id); err != nil {
				return err
			}
			_, err = engine.Get(ctx, id)
			if fabriberr.Is(err, fabriberr.NotFound) {
				return nil
			}
			return err
		},
	})
	bus.RegisterAccepter("builtin:player-data-sync-name", fabricbus.AccepterFunc{
		Action: fabriccache.ActionPlayerDataSyncByName,
		Fn: func(ctx context.Context, entry fabricbus.Entry) error {
			// Name-keyed sync is a placeholder hook for callers that maintain
			// their own name->ID index; the fabric itself is id-keyed only.
			return nil
		},
	})
}

// Remove unregisters a fabric's name without shutting it down. Callers
// should call Handle.Shutdown first; Remove exists so a caller that already
// holds the Handle doesn't need a second registry round-trip just to forget
// the name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fabrics, name)
}
