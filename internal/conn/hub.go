package conn

import (
	"log"
	"sync"

	"github.com/ddp-host/ddpd/internal/router"
)

// Hub tracks the sessions this process owns, keyed by session id. The
// NOTIFY listener hands it reassembled envelopes; the hub fans each
// frame out to the local connections named in the routing header and
// resolves the originator's pre-allocated TX sequence.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*Session)}
}

// Add registers a session.
func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
}

// Remove forgets a session by id.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
}

// Get looks a session up by id.
func (h *Hub) Get(id string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

// Len reports how many sessions this process currently owns.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Deliver routes one reassembled envelope to the local sessions it
// names. The originating connection uses the envelope's pre-allocated
// sequence; everyone else allocates fresh. If the originator isn't
// among the recipients, its reserved sequence is released so the TX
// buffer doesn't stall.
func (h *Hub) Deliver(env *router.Envelope) {
	senderIncluded := false
	for _, id := range env.ConnectionIDs {
		sess := h.Get(id)
		if sess == nil {
			continue
		}
		var seq *uint64
		if env.Sender == id {
			senderIncluded = true
			seq = env.TxSeq
		}
		if err := sess.DeliverChange(env.Frame, seq); err != nil {
			log.Printf("hub: deliver to %s: %v", id, err)
		}
	}

	if env.Sender != "" && env.TxSeq != nil && !senderIncluded {
		if sess := h.Get(env.Sender); sess != nil {
			sess.SkipSeq(*env.TxSeq)
		}
	}
}
