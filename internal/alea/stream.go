package alea

import "sync"

// Stream is a per-task (connection/request) namespaced PRNG source;
// PRNG state is never process-global.
// A Stream wraps one base seed (typically a connection id or a
// method's client-supplied randomSeed) and mints a fresh Alea instance
// per namespace on first use, so that two independent id spaces (say,
// "collection:todos" vs "collection:lists") drawn from the same
// request don't interfere with each other's sequences.
type Stream struct {
	seed any

	mu      sync.Mutex
	streams map[string]*Alea
}

// NewStream creates a namespaced PRNG source seeded by seed. When seed
// is nil, each namespace gets an independently-secure generator instead
// of a deterministic one.
func NewStream(seed any) *Stream {
	return &Stream{seed: seed, streams: make(map[string]*Alea)}
}

// For returns the Alea instance for the given namespace, creating it
// (seeded from the stream's base seed plus the namespace key) on first
// use.
func (s *Stream) For(namespace string) *Alea {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.streams[namespace]; ok {
		return a
	}

	var a *Alea
	if s.seed == nil {
		a = NewSecure()
	} else {
		a = New(s.seed, namespace)
	}
	s.streams[namespace] = a
	return a
}

// NewID draws a 17-character opaque id from the given namespace's
// stream.
func (s *Stream) NewID(namespace string) string {
	return s.For(namespace).ID()
}
