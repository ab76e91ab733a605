package fabricmodel

// EntityDocument is the on-disk shape of the legacy-entity-data collection:
// `{ id, entityType, attributes, relationships, version,
// lastModifiedMillis }`. Rev carries the document store's native revision
// token (CouchDB's `_rev`), used as the optimistic-lock predicate on
// writes.
type EntityDocument struct {
	ID                 string              `json:"id"`
	EntityType         string              `json:"entityType"`
	Attributes         map[string]string   `json:"attributes"`
	Relationships      map[string][]string `json:"relationships"`
	Version            uint64              `json:"version"`
	LastModifiedMillis int64               `json:"lastModifiedMillis"`
	Rev                string              `json:"_rev,omitempty"`
}

// PlayerDocument is the on-disk shape of the legacy-player-data collection:
// `{ id, data }`, where data is the player's attribute map.
type PlayerDocument struct {
	ID   string            `json:"id"`
	Data map[string]string `json:"data"`
	Rev  string            `json:"_rev,omitempty"`
}

// ToEntityDocument converts the record to its L3 form: structurally
// identical to the in-memory record except that the transient rawCache is
// stripped.
func (r *Record) ToEntityDocument() EntityDocument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rels := make(map[string][]string, len(r.relationships))
	for k, set := range r.relationships {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id.String())
		}
		rels[k] = ids
	}
	attrs := make(map[string]string, len(r.attributes))
	for k, v := range r.attributes {
		attrs[k] = v
	}
	return EntityDocument{
		ID:                 r.id.String(),
		EntityType:         r.recordType,
		Attributes:         attrs,
		Relationships:      rels,
		Version:            r.version,
		LastModifiedMillis: r.lastModifiedMillis,
	}
}

// EntityDocumentToRecord rebuilds a Record from its L3 form.
func EntityDocumentToRecord(doc EntityDocument) (*Record, error) {
	id, err := ParseID(doc.ID)
	if err != nil {
		return nil, err
	}
	r := &Record{
		id:                 id,
		recordType:         doc.EntityType,
		attributes:         make(map[string]string, len(doc.Attributes)),
		relationships:      make(map[string]map[ID]struct{}, len(doc.Relationships)),
		version:            doc.Version,
		lastModifiedMillis: doc.LastModifiedMillis,
	}
	for k, v := range doc.Attributes {
		r.attributes[k] = v
	}
	for k, targets := range doc.Relationships {
		set := make(map[ID]struct{}, len(targets))
		for _, raw := range targets {
			tid, err := ParseID(raw)
			if err != nil {
				return nil, err
			}
			set[tid] = struct{}{}
		}
		r.relationships[k] = set
	}
	return r, nil
}

// ToPlayerDocument converts a player-type record to its L3 form.
func (r *Record) ToPlayerDocument() PlayerDocument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data := make(map[string]string, len(r.attributes))
	for k, v := range r.attributes {
		data[k] = v
	}
	return PlayerDocument{ID: r.id.String(), Data: data}
}

// PlayerDocumentToRecord rebuilds a player record from its L3 form. Player
// documents carry no version/timestamp of their own; the returned record
// starts at version 0 and is expected to be merged or touched by the
// caller, since the player document schema carries no version of its own.
func PlayerDocumentToRecord(doc PlayerDocument) (*Record, error) {
	id, err := ParseID(doc.ID)
	if err != nil {
		return nil, err
	}
	r := NewRecord(id, PlayerType)
	if len(doc.Data) > 0 {
		r.AddAttributes(doc.Data)
		// AddAttributes bumps to version 1; rehydration from storage is not
		// itself a mutation, so reset the counter the caller observes.
		r.mu.Lock()
		r.version = 0
		r.mu.Unlock()
	}
	return r, nil
}
