package conn

import (
	"errors"
	"sync"
)

// ErrBufferClosed is returned by Deliver once the buffer has shut down.
var ErrBufferClosed = errors.New("conn: tx buffer closed")

// ErrBackpressure is returned when the drain channel is full: the peer
// is not consuming fast enough and the connection must be dropped.
var ErrBackpressure = errors.New("conn: tx buffer full")

// outBufferSize bounds how many flushed frames may queue between the
// buffer and the socket writer before backpressure kicks in.
const outBufferSize = 256

// TxBuffer is the per-connection reorder buffer:
// sequence numbers are handed out by Allocate in monotone order, and a
// frame written with Deliver(seq, payload) is held until every earlier
// sequence has been delivered, then flushed strictly in allocation
// order. Producers on other tasks (the NOTIFY listener) may call
// Allocate/Deliver concurrently with the connection task.
type TxBuffer struct {
	mu       sync.Mutex
	nextSeq  uint64            // next value Allocate hands out
	drainSeq uint64            // next sequence eligible to flush
	held     map[uint64][]byte // delivered but waiting on predecessors
	closed   bool

	out chan []byte
}

// NewTxBuffer returns an empty buffer with sequence numbers starting
// at 0.
func NewTxBuffer() *TxBuffer {
	return &TxBuffer{
		held: make(map[uint64][]byte),
		out:  make(chan []byte, outBufferSize),
	}
}

// Allocate reserves the next sequence number. Every allocated sequence
// must eventually be passed to Deliver or Skip, or the buffer stalls.
func (b *TxBuffer) Allocate() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	seq := b.nextSeq
	b.nextSeq++
	return seq
}

// Deliver hands the payload for seq to the buffer. If all earlier
// sequences have already been delivered, the payload (and any held
// successors) flush to Out immediately; otherwise it is held.
func (b *TxBuffer) Deliver(seq uint64, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBufferClosed
	}
	if seq < b.drainSeq {
		// Already passed — duplicate delivery, drop.
		return nil
	}
	b.held[seq] = payload
	return b.flushLocked()
}

// Skip releases seq without emitting anything — used when an allocated
// sequence turns out to carry no frame (a rolled-back write, or a
// broadcast whose originator isn't subscribed).
func (b *TxBuffer) Skip(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || seq < b.drainSeq {
		return
	}
	b.held[seq] = nil
	_ = b.flushLocked()
}

func (b *TxBuffer) flushLocked() error {
	for {
		payload, ok := b.held[b.drainSeq]
		if !ok {
			return nil
		}
		delete(b.held, b.drainSeq)
		b.drainSeq++
		if payload == nil {
			continue
		}
		select {
		case b.out <- payload:
		default:
			b.closeLocked()
			return ErrBackpressure
		}
	}
}

// Out is the ordered stream of flushed frames; the socket writer drains
// it. The channel closes when the buffer closes.
func (b *TxBuffer) Out() <-chan []byte {
	return b.out
}

// Close shuts the buffer down, discarding held frames. Safe to call
// more than once.
func (b *TxBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

func (b *TxBuffer) closeLocked() {
	if b.closed {
		return
	}
	b.closed = true
	b.held = nil
	close(b.out)
}
