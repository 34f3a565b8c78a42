// Package router implements the change router: it consumes committed
// store mutations, decides which connections must see each one, and
// publishes ordered DDP frames through the NOTIFY transport
// (internal/notifybus).
package router

import (
	"sync"

	"github.com/ddp-host/ddpd/internal/registry"
)

// objectKey identifies a single record across subscriber-index lookups.
func objectKey(collection, id string) string { return collection + "\x00" + id }

// SeenIndex is the process-wide mirror of every connection's per-
// collection SeenIDs: for an object, the set of connections
// currently believing it has been sent as `added` and not yet
// `removed`. It serves as the pre-change subscriber snapshot when
// routing a mutation. Rather than re-deriving
// who saw a record before a write by re-querying a row that may no
// longer exist (a delete leaves nothing to query), the router
// maintains this index incrementally as subs/unsubs/auth-changes/
// live updates happen, so "P" is always an O(1) lookup instead of a
// point-in-time DB read.
type SeenIndex struct {
	mu  sync.RWMutex
	byO map[string]map[string]struct{} // objectKey -> connID set
}

// NewSeenIndex returns an empty SeenIndex.
func NewSeenIndex() *SeenIndex {
	return &SeenIndex{byO: make(map[string]map[string]struct{})}
}

// Subscribers returns the connection ids currently holding (collection,
// id) in their SeenIDs set.
func (s *SeenIndex) Subscribers(collection, id string) map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byO[objectKey(collection, id)]
	out := make(map[string]struct{}, len(set))
	for c := range set {
		out[c] = struct{}{}
	}
	return out
}

// Mark records that connID has now been sent `added` for (collection, id).
func (s *SeenIndex) Mark(collection, id, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := objectKey(collection, id)
	set, ok := s.byO[key]
	if !ok {
		set = make(map[string]struct{})
		s.byO[key] = set
	}
	set[connID] = struct{}{}
}

// Unmark records that connID has been sent `removed` for (collection, id).
func (s *SeenIndex) Unmark(collection, id, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := objectKey(collection, id)
	set, ok := s.byO[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(s.byO, key)
	}
}

// DropConnection removes connID from every object it was marked
// against — used on connection teardown so a crashed/closed socket
// doesn't leave phantom entries that would suppress a future `added`
// to whichever connection eventually reuses that session slot.
func (s *SeenIndex) DropConnection(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, set := range s.byO {
		if _, ok := set[connID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(s.byO, key)
			}
		}
	}
}

// SubEntry is one subscription's registered interest in one
// collection, materialized at sub time so the router can cheaply test
// candidacy without re-evaluating the owning publication.
type SubEntry struct {
	ConnID      string
	SubID       string
	Query       registry.Query
	UserID      any
	IsSuperuser bool
}

type subKey struct{ connID, subID string }

// SubIndex is the live set of (connection, subscription) interests,
// keyed by collection name so a NOTIFY-delivered change only walks
// the subscriptions that could possibly care about it.
type SubIndex struct {
	mu         sync.RWMutex
	byCollection map[string]map[subKey]SubEntry
	bySub        map[subKey][]string // subKey -> collections registered, for Remove
}

// NewSubIndex returns an empty SubIndex.
func NewSubIndex() *SubIndex {
	return &SubIndex{
		byCollection: make(map[string]map[subKey]SubEntry),
		bySub:        make(map[subKey][]string),
	}
}

// Add registers one (connection, subscription) interest in a collection.
func (s *SubIndex) Add(collection string, e SubEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := subKey{e.ConnID, e.SubID}
	m, ok := s.byCollection[collection]
	if !ok {
		m = make(map[subKey]SubEntry)
		s.byCollection[collection] = m
	}
	m[k] = e
	s.bySub[k] = append(s.bySub[k], collection)
}

// Remove drops every collection interest registered for (connID, subID).
func (s *SubIndex) Remove(connID, subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := subKey{connID, subID}
	for _, collection := range s.bySub[k] {
		delete(s.byCollection[collection], k)
	}
	delete(s.bySub, k)
}

// RemoveConnection drops every subscription interest belonging to connID.
func (s *SubIndex) RemoveConnection(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, collections := range s.bySub {
		if k.connID != connID {
			continue
		}
		for _, collection := range collections {
			delete(s.byCollection[collection], k)
		}
		delete(s.bySub, k)
	}
}

// Candidates returns every registered interest in collection.
func (s *SubIndex) Candidates(collection string) []SubEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.byCollection[collection]
	out := make([]SubEntry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}
