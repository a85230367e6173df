// Package document implements the per-puzzle replicated state store: a set
// of last-writer-wins maps (§3.1) with Lamport-clock causality, a local
// durable append log, and a re-entrant-safe observer pattern (§4.1).
package document

import (
	"sync"
)

// Stamp is a Lamport (counter, nodeID) pair. Ties are broken by nodeID so
// that every writer resolves concurrent writes to a key identically without
// coordination, the minimal causality primitive the CRDT maps need (§9).
type Stamp struct {
	Counter uint64
	NodeID  string
}

// After reports whether s happened after other in the map's last-writer-wins
// order: higher counter wins; on a tie, the lexicographically larger nodeID
// wins. This total order is what lets every peer converge on the same
// winner without additional coordination (§8 invariant 1).
func (s Stamp) After(other Stamp) bool {
	if s.Counter != other.Counter {
		return s.Counter > other.Counter
	}
	return s.NodeID > other.NodeID
}

// entry is one LWWMap slot: the current value plus the stamp that wrote it.
// A deleted entry is kept as a tombstone (deleted=true) rather than removed
// outright, so its stamp still wins against a stale concurrent write and
// still appears in Export/Diff for a peer that hasn't seen the delete yet.
type entry struct {
	Value   any
	Stamp   Stamp
	deleted bool
}

// Op is a single applied write, as recorded in the durable log and exchanged
// during peer sync (§4.4 "document sync").
type Op struct {
	Map   string
	Key   string
	Value any
	Stamp Stamp
}

// Observer is called after a write is applied to a map. Implementations may
// themselves call Set on the same or another map during delivery: delivery
// holds no lock across the callback (§9 "observer pattern").
type Observer func(mapName, key string, value any)

// LWWMap is a last-writer-wins map over string keys. Concurrent writers are
// resolved by Stamp.After; within one process, writes only ever move a key's
// stamp forward because Set always issues a fresh local stamp.
type LWWMap struct {
	mu      sync.RWMutex
	name    string
	entries map[string]entry
}

func newLWWMap(name string) *LWWMap {
	return &LWWMap{name: name, entries: make(map[string]entry)}
}

// Get returns the current value for key and whether it is present. A
// tombstoned (deleted) key reports not-present.
func (m *LWWMap) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || e.deleted {
		return nil, false
	}
	return e.Value, true
}

// Has reports whether key currently has a value.
func (m *LWWMap) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Delete tombstones key under stamp. Deletion is modeled as an entry with a
// nil value winning under the same stamp rules as any other write, so a
// delete whose stamp is not newer than the stored one is not applied.
func (m *LWWMap) Delete(key string, stamp Stamp) (applied bool) {
	return m.apply(key, nil, stamp, true)
}

// apply merges a (key, value, stamp) write, returning whether it became the
// winning value (i.e. stamp.After the previously stored stamp, or no prior
// entry existed). Deletes are kept as tombstones, not removed, so their
// stamp keeps winning against late-arriving stale writes and keeps
// propagating through Export/Diff to peers that haven't observed it yet.
func (m *LWWMap) apply(key string, value any, stamp Stamp, deleted bool) bool {
	m.mu.Lock()
	existing, had := m.entries[key]
	if had && !stamp.After(existing.Stamp) {
		m.mu.Unlock()
		return false
	}
	m.entries[key] = entry{Value: value, Stamp: stamp, deleted: deleted}
	m.mu.Unlock()
	return true
}

// Keys returns a snapshot of the map's current (non-tombstoned) keys.
func (m *LWWMap) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	return keys
}

// Snapshot returns a copy of the map's current (non-tombstoned) key/value
// pairs.
func (m *LWWMap) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			out[k] = e.Value
		}
	}
	return out
}

// stampOf returns the stamp currently backing key, for sync delta export.
func (m *LWWMap) stampOf(key string) (Stamp, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e.Stamp, ok
}
