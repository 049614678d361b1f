// Package idgen produces the opaque tokens used to mint record URIs.
package idgen

import (
	"encoding/hex"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Generator produces globally unique opaque tokens.
type Generator interface {
	Generate() string
}

// Random generates 32-character lowercase hex tokens from random (v4) UUIDs.
//
// Collisions are not handled; they rely on the improbability of 122 random
// bits repeating.
//
// Thread-safety: Random is stateless and safe for concurrent use.
type Random struct{}

// Generate returns a new random hex token.
// Panics if the system random source fails.
func (Random) Generate() string {
	id := uuid.Must(uuid.NewRandom())
	return hex.EncodeToString(id[:])
}

// Fixed returns predetermined tokens for testing.
//
// Thread-safety: Fixed is safe for concurrent use via internal mutex.
type Fixed struct {
	mu     sync.Mutex
	tokens []string
	idx    int
}

// NewFixed creates a generator that returns tokens in order.
//
// Example:
//
//	gen := NewFixed("a1", "b2")
//	gen.Generate() // "a1"
//	gen.Generate() // "b2"
//	gen.Generate() // panic: all tokens exhausted
func NewFixed(tokens ...string) *Fixed {
	return &Fixed{tokens: tokens}
}

// Generate returns the next predetermined token.
//
// Panics if all tokens have been consumed, so a test that mints more URIs
// than it planned for fails loudly.
func (g *Fixed) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.tokens) {
		panic("idgen.Fixed: all tokens exhausted")
	}
	token := g.tokens[g.idx]
	g.idx++
	return token
}

// Sequence returns deterministic tokens "<prefix>1", "<prefix>2", ...
// without an upper bound. Useful for tests that mint many URIs.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequence creates an unbounded deterministic generator.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// Generate returns the next token in the sequence.
func (g *Sequence) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return g.prefix + strconv.Itoa(g.n)
}

