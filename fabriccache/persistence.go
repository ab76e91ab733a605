package fabriccache

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/legacylands/fabric/fabriberr"
	"github.com/legacylands/fabric/fabriclog"
	"github.com/legacylands/fabric/fabricmodel"
)

// l3ConflictRetries bounds the re-read/merge/retry loop for optimistic-lock
// conflicts on L3 writes.
const l3ConflictRetries = 3

// RunPeriodicPersistence drives the periodic persistence task until
// ctx is cancelled or Close is called. It is meant to run in its own
// goroutine, started by the fabric façade when a handle transitions to
// RUNNING.
func (e *Engine) RunPeriodicPersistence(ctx context.Context) {
	period := e.opts.PersistencePeriod
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runPersistenceCycle(ctx)
		}
	}
}

// runPersistenceCycle runs the two steps of a persistence pass: a
// bounded-concurrency L1->L2 sync sweep over the current L1 snapshot,
// followed by a bulk L2->L3 persistence run capped at PersistenceBatch
// records.
func (e *Engine) runPersistenceCycle(ctx context.Context) {
	snapshot := e.l1.Snapshot()

	concurrency := e.opts.PersistenceConcurrency
	if concurrency <= 0 {
		concurrency = 16
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)

keys:
	for key := range snapshot {
		select {
		case <-groupCtx.Done():
			break keys
		case <-e.stopCh:
			break keys
		default:
		}

		key := key
		group.Go(func() error {
			if err := e.syncL1L2(groupCtx, key); err != nil && !fabriberr.Is(err, fabriberr.PersistenceExhausted) {
				fabriclog.For(e.name).WithError(err).WithField(fabriclog.FieldID, key).Warn("periodic l1->l2 sync failed")
			}
			return nil
		})
	}
	_ = group.Wait() // errors are logged per-key above; a single bad key must not abort the sweep

	// Re-snapshot: a sync that merged peer changes from L2 wrote the merged,
	// version-bumped copy back to L1, and that is what L3 must receive.
	e.runL3Persistence(ctx, e.l1.Snapshot())
}

// runL3Persistence bulk-persists up to PersistenceBatch records from the L2
// tier (approximated here by the L1 snapshot already synced above, since
// the L1->L2 sweep that just ran guarantees L2 reflects at least as much)
// down to L3, preserving per-record version ordering and re-read-then-merge
// on conflict.
func (e *Engine) runL3Persistence(ctx context.Context, snapshot map[string][]byte) {
	if e.l3 == nil {
		return
	}

	batch := e.opts.PersistenceBatch
	if batch <= 0 {
		batch = 1000
	}

	docs := make([]fabricmodel.EntityDocument, 0, batch)
	dropped := 0
	for _, data := range snapshot {
		if len(docs) >= batch {
			dropped++
			continue
		}
		var doc fabricmodel.EntityDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			fabriclog.For(e.name).WithError(err).Warn("skipping malformed l1 entry during l3 persistence")
			continue
		}
		docs = append(docs, doc)
	}
	if dropped > 0 {
		fabriclog.For(e.name).WithField("dropped", dropped).Warn("l3 persistence batch cap reached; remainder deferred to next cycle")
	}
	if len(docs) == 0 {
		return
	}

	e.persistBatch(ctx, docs)
}

func (e *Engine) lastPersistedVersion(id string) uint64 {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	return e.persistedVersions[id]
}

func (e *Engine) notePersistedVersion(id string, version uint64) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	e.persistedVersions[id] = version
}

func (e *Engine) lastPersistedRev(id string) string {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	return e.persistedRevs[id]
}

func (e *Engine) notePersistedRev(id, rev string) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	e.persistedRevs[id] = rev
}

func (e *Engine) persistBatch(ctx context.Context, docs []fabricmodel.EntityDocument) {
	var entityDocs []fabricmodel.EntityDocument

	for _, doc := range docs {
		if doc.EntityType == fabricmodel.PlayerType {
			existing, found, err := e.l3.GetPlayer(ctx, doc.ID)
			if err != nil {
				fabriclog.For(e.name).WithError(err).WithField(fabriclog.FieldID, doc.ID).Warn("player persistence read failed")
				continue
			}
			pd := fabricmodel.PlayerDocument{ID: doc.ID, Data: doc.Attributes}
			if found {
				// Player documents have no version field, so the revision is
				// the whole predicate: a rev this node didn't write means a
				// peer advanced the document, and a straight overwrite would
				// discard its changes.
				if existing.Rev != e.lastPersistedRev(doc.ID) {
					e.resolvePlayerConflict(ctx, doc)
					continue
				}
				pd.Rev = existing.Rev
			}
			rev, err := e.l3.PutPlayer(ctx, pd)
			if err != nil {
				if fabriberr.IsConflict(err) {
					e.resolvePlayerConflict(ctx, doc)
				} else {
					fabriclog.For(e.name).WithError(err).WithField(fabriclog.FieldID, doc.ID).Warn("player persistence write failed")
				}
				continue
			}
			e.notePersistedRev(doc.ID, rev)
			continue
		}

		existing, found, err := e.l3.GetEntity(ctx, doc.ID)
		if err != nil {
			fabriclog.For(e.name).WithError(err).WithField(fabriclog.FieldID, doc.ID).Warn("entity persistence read failed")
			continue
		}
		if found {
			// The version predicate: if L3 no longer holds the version this
			// node last wrote, a peer advanced the document and a straight
			// overwrite would discard its changes. Route through
			// re-read-and-merge instead.
			if existing.Version != e.lastPersistedVersion(doc.ID) {
				e.resolveConflict(ctx, doc)
				continue
			}
			doc.Rev = existing.Rev
		}
		entityDocs = append(entityDocs, doc)
	}

	if len(entityDocs) == 0 {
		return
	}

	results, err := e.l3.BulkPutEntities(ctx, entityDocs)
	if err != nil {
		fabriclog.For(e.name).WithError(err).Warn("bulk l2->l3 persistence failed")
		return
	}

	byID := make(map[string]fabricmodel.EntityDocument, len(entityDocs))
	for _, d := range entityDocs {
		byID[d.ID] = d
	}

	for _, r := range results {
		if r.OK {
			e.notePersistedVersion(r.ID, byID[r.ID].Version)
			continue
		}
		if !r.Conflict {
			fabriclog.For(e.name).WithField(fabriclog.FieldID, r.ID).WithField("reason", r.Reason).Warn("bulk persistence entry failed")
			continue
		}
		e.resolveConflict(ctx, byID[r.ID])
	}
}

// resolvePlayerConflict is resolveConflict for the player collection.
// Player documents carry no version, so the merge leans on the locally
// derived record's version being ahead of the rebuilt remote's: remote
// attributes union in, and no local key is deleted.
func (e *Engine) resolvePlayerConflict(ctx context.Context, doc fabricmodel.EntityDocument) {
	local, err := fabricmodel.EntityDocumentToRecord(doc)
	if err != nil {
		fabriclog.For(e.name).WithError(err).WithField(fabriclog.FieldID, doc.ID).Warn("player conflict resolution: cannot rebuild local record")
		return
	}

	for attempt := 0; attempt < l3ConflictRetries; attempt++ {
		current, found, err := e.l3.GetPlayer(ctx, doc.ID)
		if err != nil {
			fabriclog.For(e.name).WithError(err).WithField(fabriclog.FieldID, doc.ID).Warn("player conflict resolution: re-read failed")
			return
		}

		pd := fabricmodel.PlayerDocument{ID: doc.ID, Data: local.Attributes()}
		if found {
			remote, err := fabricmodel.PlayerDocumentToRecord(current)
			if err != nil {
				fabriclog.For(e.name).WithError(err).WithField(fabriclog.FieldID, doc.ID).Warn("player conflict resolution: cannot rebuild remote record")
				return
			}
			if _, err := local.MergeFrom(remote); err != nil {
				fabriclog.For(e.name).WithError(err).WithField(fabriclog.FieldID, doc.ID).Warn("player conflict resolution: merge failed")
				return
			}
			pd.Data = local.Attributes()
			pd.Rev = current.Rev
		}

		rev, err := e.l3.PutPlayer(ctx, pd)
		if err != nil {
			if fabriberr.IsConflict(err) {
				continue
			}
			fabriclog.For(e.name).WithError(err).WithField(fabriclog.FieldID, doc.ID).Warn("player conflict resolution: write failed")
			return
		}
		e.notePersistedRev(doc.ID, rev)
		return
	}
	fabriclog.For(e.name).WithField(fabriclog.FieldID, doc.ID).WithField(fabriclog.FieldAttempt, l3ConflictRetries).
		Error("giving up on player conflict resolution after bounded retries")
}

// resolveConflict re-reads the current L3 document, merges it with the
// locally-derived record, and retries the write, bounded by
// l3ConflictRetries.
func (e *Engine) resolveConflict(ctx context.Context, doc fabricmodel.EntityDocument) {
	local, err := fabricmodel.EntityDocumentToRecord(doc)
	if err != nil {
		fabriclog.For(e.name).WithError(err).WithField(fabriclog.FieldID, doc.ID).Warn("conflict resolution: cannot rebuild local record")
		return
	}

	for attempt := 0; attempt < l3ConflictRetries; attempt++ {
		current, found, err := e.l3.GetEntity(ctx, doc.ID)
		if err != nil {
			fabriclog.For(e.name).WithError(err).WithField(fabriclog.FieldID, doc.ID).Warn("conflict resolution: re-read failed")
			return
		}

		merged := local.ToEntityDocument()
		if found {
			remote, err := fabricmodel.EntityDocumentToRecord(current)
			if err != nil {
				fabriclog.For(e.name).WithError(err).WithField(fabriclog.FieldID, doc.ID).Warn("conflict resolution: cannot rebuild remote record")
				return
			}
			if _, err := local.MergeFrom(remote); err != nil {
				fabriclog.For(e.name).WithError(err).WithField(fabriclog.FieldID, doc.ID).Warn("conflict resolution: merge failed")
				return
			}
			merged = local.ToEntityDocument()
			merged.Rev = current.Rev
		}

		if _, err := e.l3.PutEntity(ctx, merged); err != nil {
			if fabriberr.IsConflict(err) {
				continue
			}
			fabriclog.For(e.name).WithError(err).WithField(fabriclog.FieldID, doc.ID).Warn("conflict resolution: write failed")
			return
		}
		e.notePersistedVersion(doc.ID, merged.Version)
		return
	}
	fabriclog.For(e.name).WithField(fabriclog.FieldID, doc.ID).WithField(fabriclog.FieldAttempt, l3ConflictRetries).
		Error("giving up on l3 conflict resolution after bounded retries")
}
