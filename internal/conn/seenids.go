package conn

import (
	"sync"

	"github.com/ddp-host/ddpd/internal/ddp"
)

// SeenIDs is the per-connection, per-collection set of client ids the
// remote currently believes exist. Every added/changed/
// removed frame passes through Filter before hitting the socket, which
// keeps the stream consistent with what the remote already holds:
//
//   - added for an id already seen  -> rewritten as changed
//   - changed for an id not seen    -> rewritten as added
//   - removed for an id not seen    -> dropped
//
// The connection task and the NOTIFY listener both deliver frames, so
// the set carries its own lock even though the session conceptually
// owns it.
type SeenIDs struct {
	mu           sync.Mutex
	byCollection map[string]map[string]struct{}
}

// NewSeenIDs returns an empty set.
func NewSeenIDs() *SeenIDs {
	return &SeenIDs{byCollection: make(map[string]map[string]struct{})}
}

// Filter applies the rewrite rules to one outgoing frame, mutating the
// set to match what the client will believe after the frame lands. The
// returned msg is the (possibly rewritten) kind to send; ok is false
// when the frame must be dropped entirely.
func (s *SeenIDs) Filter(msg ddp.Msg, collection, id string) (ddp.Msg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, present := s.byCollection[collection], false
	if set != nil {
		_, present = set[id]
	}

	switch msg {
	case ddp.MsgAdded:
		if present {
			return ddp.MsgChanged, true
		}
		s.insertLocked(collection, id)
		return ddp.MsgAdded, true
	case ddp.MsgChanged:
		if !present {
			s.insertLocked(collection, id)
			return ddp.MsgAdded, true
		}
		return ddp.MsgChanged, true
	case ddp.MsgRemoved:
		if !present {
			return ddp.MsgRemoved, false
		}
		delete(set, id)
		if len(set) == 0 {
			delete(s.byCollection, collection)
		}
		return ddp.MsgRemoved, true
	default:
		return msg, true
	}
}

// Has reports whether the client currently believes (collection, id)
// exists.
func (s *SeenIDs) Has(collection, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.byCollection[collection]
	if set == nil {
		return false
	}
	_, ok := set[id]
	return ok
}

func (s *SeenIDs) insertLocked(collection, id string) {
	set, ok := s.byCollection[collection]
	if !ok {
		set = make(map[string]struct{})
		s.byCollection[collection] = set
	}
	set[id] = struct{}{}
}
