// Package fabricmodel defines the entity/player record the Legacy Data
// Fabric caches, replicates and persists: attributes, typed relationships,
// an optimistic-concurrency version, and the three-way merge used to
// reconcile copies arriving from other nodes.
package fabricmodel

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ID is the 128-bit identifier every record and relationship target is keyed
// by. Relationships model an arbitrary directed multigraph: a Record never
// holds a pointer to another Record, only sets of IDs, so the graph is free
// of cycles-as-owning-references.
type ID = uuid.UUID

// NewID generates a fresh 128-bit record identifier.
func NewID() ID { return uuid.New() }

// ParseID parses the canonical string form of an ID.
func ParseID(s string) (ID, error) { return uuid.Parse(s) }

// PlayerType is the entity type reserved for player records. Records of
// this type expose the same schema as any other entity; relationships
// simply need not be surfaced by callers.
const PlayerType = "player"

// Record is an entity or player document managed by the fabric. All fields
// are accessed through methods so every structural mutation can bump
// (version, lastModifiedMillis) exactly once.
type Record struct {
	mu sync.RWMutex

	id                 ID
	recordType         string
	attributes         map[string]string
	relationships      map[string]map[ID]struct{}
	version            uint64
	lastModifiedMillis int64
	rawCache           map[string]string
}

// NewRecord creates a fresh record with version 0. The first mutation (or an
// explicit Touch) bumps it to version 1.
func NewRecord(id ID, recordType string) *Record {
	return &Record{
		id:                 id,
		recordType:         recordType,
		attributes:         make(map[string]string),
		relationships:      make(map[string]map[ID]struct{}),
		lastModifiedMillis: nowMillis(),
	}
}

// nowMillis returns the current wall-clock time in milliseconds; bump
// guards against it going backwards.
func nowMillis() int64 { return time.Now().UnixMilli() }

// ID returns the record's immutable identifier.
func (r *Record) ID() ID { return r.id }

// Type returns the record's entity type classification.
func (r *Record) Type() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recordType
}

// Version returns the current optimistic-concurrency version.
func (r *Record) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// LastModifiedMillis returns the wall-clock time of the last bump.
func (r *Record) LastModifiedMillis() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastModifiedMillis
}

// bump advances version and lastModifiedMillis. Must be called with mu held
// for writing. lastModifiedMillis never decreases even if the wall clock
// does.
func (r *Record) bump() {
	r.version++
	if now := nowMillis(); now > r.lastModifiedMillis {
		r.lastModifiedMillis = now
	}
}

// Touch bumps (version, lastModifiedMillis) without any other change. Used
// by the tiered cache engine's Put when the caller hands in a record that
// wasn't already bumped by a mutator.
func (r *Record) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bump()
}

// Attributes returns a snapshot copy of the attribute map; mutating the
// returned map has no effect on the record.
func (r *Record) Attributes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.attributes))
	for k, v := range r.attributes {
		out[k] = v
	}
	return out
}

// GetAttribute reads a single attribute. Non-mutating.
func (r *Record) GetAttribute(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.attributes[key]
	return v, ok
}

// AddAttribute sets (or overwrites) a single attribute and bumps the
// version, even if the value is unchanged; the contract only promises
// "every mutator bumps", not that it bumps only on an actual diff.
func (r *Record) AddAttribute(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attributes[key] = value
	r.bump()
}

// AddAttributes sets multiple attributes as a single bulk mutation, bumping
// the version exactly once for the whole call.
func (r *Record) AddAttributes(bulk map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range bulk {
		r.attributes[k] = v
	}
	r.bump()
}

// RemoveAttribute deletes an attribute if present, bumping the version when
// it existed. Returns whether anything was removed.
func (r *Record) RemoveAttribute(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.attributes[key]; !ok {
		return false
	}
	delete(r.attributes, key)
	r.bump()
	return true
}

// Relationships returns a snapshot of every relationship key to its target
// set, as slices (order unspecified).
func (r *Record) Relationships() map[string][]ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]ID, len(r.relationships))
	for k, set := range r.relationships {
		ids := make([]ID, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		out[k] = ids
	}
	return out
}

// AddRelationship adds target to the relationship key, collapsing duplicate
// targets to one. Bumps the version when the target wasn't already
// present. Returns whether the set actually changed.
func (r *Record) AddRelationship(key string, target ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.relationships[key]
	if !ok {
		set = make(map[ID]struct{})
		r.relationships[key] = set
	}
	if _, exists := set[target]; exists {
		return false
	}
	set[target] = struct{}{}
	r.bump()
	return true
}

// RemoveRelationship removes target from the relationship key. Bumps the
// version when something was actually removed.
func (r *Record) RemoveRelationship(key string, target ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.relationships[key]
	if !ok {
		return false
	}
	if _, exists := set[target]; !exists {
		return false
	}
	delete(set, target)
	if len(set) == 0 {
		delete(r.relationships, key)
	}
	r.bump()
	return true
}

// HasRelationship reports whether target is a member of the relationship
// key's target set. Non-mutating.
func (r *Record) HasRelationship(key string, target ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.relationships[key][target]
	return ok
}

// GetRelatedEntities returns the target set for a relationship key, as a
// fresh slice. Non-mutating.
func (r *Record) GetRelatedEntities(key string) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.relationships[key]
	out := make([]ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// CountRelationships returns the number of targets under a relationship key.
// Non-mutating.
func (r *Record) CountRelationships(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.relationships[key])
}

// ClearRelationships removes every target under a relationship key. Bumps
// the version if the key had any targets. Returns whether anything changed.
func (r *Record) ClearRelationships(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.relationships[key]) == 0 {
		return false
	}
	delete(r.relationships, key)
	r.bump()
	return true
}

// RawCacheGet reads the transient per-record memoization cache. It is never
// persisted or replicated.
func (r *Record) RawCacheGet(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.rawCache[key]
	return v, ok
}

// RawCacheSet writes the transient per-record memoization cache.
func (r *Record) RawCacheSet(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rawCache == nil {
		r.rawCache = make(map[string]string)
	}
	r.rawCache[key] = value
}

// Clone returns a deep copy of the record, including version and timestamp
// but excluding rawCache: the in-memory form handed to another tier must be
// structurally identical to the L3 form, and rawCache is transient.
func (r *Record) Clone() *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := &Record{
		id:                 r.id,
		recordType:         r.recordType,
		attributes:         make(map[string]string, len(r.attributes)),
		relationships:      make(map[string]map[ID]struct{}, len(r.relationships)),
		version:            r.version,
		lastModifiedMillis: r.lastModifiedMillis,
	}
	for k, v := range r.attributes {
		out.attributes[k] = v
	}
	for k, set := range r.relationships {
		clone := make(map[ID]struct{}, len(set))
		for id := range set {
			clone[id] = struct{}{}
		}
		out.relationships[k] = clone
	}
	return out
}
