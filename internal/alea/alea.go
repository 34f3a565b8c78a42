package alea

import (
	"crypto/rand"
	"fmt"
	"math"
	"time"
)

// Unmistakable is the alphabet used for client-visible opaque ids
//: it omits characters easily confused with one another
// (0/O, 1/l/I, etc).
const Unmistakable = "23456789ABCDEFGHJKLMNPQRSTWXYZabcdefghijkmnopqrstuvwxyz"

// Base64URL is the alphabet used for longer random tokens.
const Base64URL = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_"

const hexAlphabet = "0123456789abcdef"

// Alea is a stateful, seedable PRNG. Given identical seeds it produces
// an identical sequence of draws, which lets a method call's
// client-supplied randomSeed reproduce the same ids on client and
// server.
type Alea struct {
	c, s0, s1, s2 float64
}

// New seeds an Alea instance from the given values. Each value is
// converted to its string form (matching the reference implementation's
// reliance on toString()/bytes() coercion) before being folded into
// state via Mash.
func New(seeds ...any) *Alea {
	a := &Alea{}
	a.Seed(seeds...)
	return a
}

// NewSecure seeds an Alea instance from process entropy rather than
// caller-supplied values, for contexts where determinism is not
// required (e.g. a fresh per-connection PRNG with no client-supplied
// randomSeed).
func NewSecure() *Alea {
	buf := make([]byte, 64)
	_, _ = rand.Read(buf)
	return New(string(buf), time.Now().UnixNano())
}

// Seed (re-)initializes the generator's state from the given values.
func (a *Alea) Seed(values ...any) {
	m := newMash()
	a.c = 1
	a.s0 = m.hash([]byte(" "))
	a.s1 = m.hash([]byte(" "))
	a.s2 = m.hash([]byte(" "))

	for _, v := range values {
		b := []byte(toMashString(v))

		a.s0 -= m.hash(b)
		if a.s0 < 0 {
			a.s0++
		}
		a.s1 -= m.hash(b)
		if a.s1 < 0 {
			a.s1++
		}
		a.s2 -= m.hash(b)
		if a.s2 < 0 {
			a.s2++
		}
	}
}

// toMashString mirrors the reference implementation's bytes(data)/
// toString() coercion: strings pass through unchanged, everything else
// is formatted with its default string representation.
func toMashString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Next draws the next pseudo-random float64 in [0, 1), advancing state.
func (a *Alea) Next() float64 {
	t := 2091639*a.s0 + a.c*2.3283064365386963e-10 // 2^-32
	a.c = math.Floor(t)
	a.s0 = a.s1
	a.s1 = a.s2
	a.s2 = t - a.c
	return a.s2
}

// State returns the internal state, exposed for testing against the
// reference implementation's doctest vectors.
func (a *Alea) State() (c, s0, s1, s2 float64) {
	return a.c, a.s0, a.s1, a.s2
}

// Choice picks one byte from alphabet, weighted uniformly by Next().
func (a *Alea) Choice(alphabet string) byte {
	return alphabet[int(a.Next()*float64(len(alphabet)))]
}

// RandomString returns a string of length characters drawn from alphabet.
func (a *Alea) RandomString(length int, alphabet string) string {
	out := make([]byte, length)
	for i := range out {
		out[i] = a.Choice(alphabet)
	}
	return string(out)
}

// HexString returns a hex string of the given digit count.
func (a *Alea) HexString(digits int) string {
	return a.RandomString(digits, hexAlphabet)
}

// ID draws a 17-character opaque client id from the unmistakable
// alphabet — the form used for connection/subscription/object ids
// throughout the protocol.
func (a *Alea) ID() string {
	return a.RandomString(17, Unmistakable)
}
