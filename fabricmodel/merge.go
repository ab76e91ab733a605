package fabricmodel

import "fmt"

// MergeFrom applies the three-way merge used for cross-node convergence:
// r is "local",
// other is "remote". Structural unions (attribute adds/updates, relationship
// unions) always apply; structural deletions only apply when the remote
// version is greater than or equal to the local version, so a stale remote
// that merely lacks keys a strictly newer local copy holds cannot remove
// them. Because unions always apply, a key the local copy deleted is added
// back whenever the remote still holds it, whatever the versions.
//
// Returns whether anything actually changed, and an error if the two
// records don't share an ID.
func (r *Record) MergeFrom(other *Record) (bool, error) {
	if other == nil {
		return false, nil
	}
	if r.id != other.id {
		return false, fmt.Errorf("fabricmodel: cannot merge record %s into %s", other.id, r.id)
	}

	// Snapshot remote under its own lock before taking the local write lock,
	// so we never hold two record locks at once (avoids lock-ordering
	// deadlocks when two nodes merge each other's copies concurrently).
	other.mu.RLock()
	remoteAttrs := make(map[string]string, len(other.attributes))
	for k, v := range other.attributes {
		remoteAttrs[k] = v
	}
	remoteRels := make(map[string]map[ID]struct{}, len(other.relationships))
	for k, set := range other.relationships {
		clone := make(map[ID]struct{}, len(set))
		for id := range set {
			clone[id] = struct{}{}
		}
		remoteRels[k] = clone
	}
	remoteVersion := other.version
	remoteModified := other.lastModifiedMillis
	other.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	remoteNewer := remoteVersion >= r.version

	// 1. Attribute add/update.
	for k, v := range remoteAttrs {
		if cur, ok := r.attributes[k]; !ok || cur != v {
			r.attributes[k] = v
			changed = true
		}
	}

	// 2. Attribute deletion, only when remote is not older.
	if remoteNewer {
		for k := range r.attributes {
			if _, ok := remoteAttrs[k]; !ok {
				delete(r.attributes, k)
				changed = true
			}
		}
	}

	// 3. Relationship union.
	for k, remoteSet := range remoteRels {
		localSet, ok := r.relationships[k]
		if !ok {
			localSet = make(map[ID]struct{})
			r.relationships[k] = localSet
		}
		for id := range remoteSet {
			if _, exists := localSet[id]; !exists {
				localSet[id] = struct{}{}
				changed = true
			}
		}
	}

	// 4. Relationship deletion, only when remote is not older.
	if remoteNewer {
		for k, localSet := range r.relationships {
			remoteSet, ok := remoteRels[k]
			if !ok {
				delete(r.relationships, k)
				changed = true
				continue
			}
			for id := range localSet {
				if _, exists := remoteSet[id]; !exists {
					delete(localSet, id)
					changed = true
				}
			}
			if len(localSet) == 0 {
				delete(r.relationships, k)
			}
		}
	}

	if changed {
		// lastModifiedMillis is the max of the two records' own
		// modification times, not the time the merge itself runs.
		if remoteModified > r.lastModifiedMillis {
			r.lastModifiedMillis = remoteModified
		}
		newVersion := r.version
		if remoteVersion > newVersion {
			newVersion = remoteVersion
		}
		r.version = newVersion + 1
	}

	return changed, nil
}
