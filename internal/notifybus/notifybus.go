// Package notifybus implements the NOTIFY chunking/reassembly
// transport: PostgreSQL's NOTIFY payload is limited to
// roughly 8000 bytes, so a routed change is serialized once, split
// into bounded chunks, and published as "<header>|<chunk>" where
// header is a small EJSON object carrying a uuid, sequence number, and
// a final-chunk flag. Listeners reassemble by uuid and hand the
// decoded payload to the caller once the final chunk arrives.
package notifybus

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ddp-host/ddpd/internal/ejson"
)

// MaxChunkBytes bounds each published chunk body, leaving headroom
// under PostgreSQL's ~8000-byte NOTIFY payload limit for the header
// and separator.
const MaxChunkBytes = 7800

type header struct {
	UUID string `json:"uuid"`
	Seq  int    `json:"seq"`
	Fin  int    `json:"fin"`
}

// Split serializes payload once and breaks it into one or more
// "<header>|<chunk>" wire strings ready for NOTIFY.
func Split(payload []byte) ([]string, error) {
	id := uuid.NewString()
	if len(payload) == 0 {
		payload = []byte{}
	}

	var chunks [][]byte
	for len(payload) > MaxChunkBytes {
		chunks = append(chunks, payload[:MaxChunkBytes])
		payload = payload[MaxChunkBytes:]
	}
	chunks = append(chunks, payload)

	out := make([]string, len(chunks))
	for i, c := range chunks {
		fin := 0
		if i == len(chunks)-1 {
			fin = 1
		}
		h := header{UUID: id, Seq: i + 1, Fin: fin}
		hdrBytes, err := ejson.Marshal(h)
		if err != nil {
			return nil, fmt.Errorf("notifybus: encode header: %w", err)
		}
		out[i] = string(hdrBytes) + "|" + string(c)
	}
	return out, nil
}

type pending struct {
	chunks map[int][]byte
	want   int // total chunks, known once fin=1 arrives; 0 until then
}

// Reassembler tracks in-flight multi-chunk messages across calls to
// Feed, keyed by the header's uuid. A single Reassembler is meant to
// be owned by one LISTEN loop.
type Reassembler struct {
	mu      sync.Mutex
	pending map[string]*pending
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[string]*pending)}
}

// Feed processes one raw NOTIFY payload. It returns the fully
// reassembled payload and true once the final chunk for its uuid has
// arrived; otherwise it returns nil, false while more chunks are
// awaited. A malformed frame (missing separator, bad header) is
// reported as an error but does not abort in-flight reassembly of
// other messages.
func (r *Reassembler) Feed(raw string) ([]byte, bool, error) {
	sep := strings.IndexByte(raw, '|')
	if sep < 0 {
		return nil, false, fmt.Errorf("notifybus: malformed frame: no header separator")
	}

	var h header
	doc, err := ejson.Unmarshal([]byte(raw[:sep]))
	if err != nil {
		return nil, false, fmt.Errorf("notifybus: decode header: %w", err)
	}
	m, ok := doc.(map[string]any)
	if !ok {
		return nil, false, fmt.Errorf("notifybus: header is not an object")
	}
	h.UUID, _ = m["uuid"].(string)
	if seq, ok := m["seq"].(float64); ok {
		h.Seq = int(seq)
	}
	if fin, ok := m["fin"].(float64); ok {
		h.Fin = int(fin)
	}
	if h.UUID == "" || h.Seq == 0 {
		return nil, false, fmt.Errorf("notifybus: header missing uuid/seq")
	}

	chunk := []byte(raw[sep+1:])

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[h.UUID]
	if !ok {
		p = &pending{chunks: make(map[int][]byte)}
		r.pending[h.UUID] = p
	}
	p.chunks[h.Seq] = chunk
	if h.Fin == 1 {
		p.want = h.Seq
	}

	if p.want == 0 || len(p.chunks) < p.want {
		return nil, false, nil
	}

	var buf strings.Builder
	for i := 1; i <= p.want; i++ {
		c, ok := p.chunks[i]
		if !ok {
			return nil, false, fmt.Errorf("notifybus: missing chunk %d of %d for %s", i, p.want, h.UUID)
		}
		buf.Write(c)
	}
	delete(r.pending, h.UUID)
	return []byte(buf.String()), true, nil
}

// Discard drops any partial reassembly state, used when the listener
// exits.
func (r *Reassembler) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = make(map[string]*pending)
}
