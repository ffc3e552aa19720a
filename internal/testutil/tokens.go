package testutil

import (
	"fmt"
	"sync"
)

// CountingGenerator generates "<prefix>-1", "<prefix>-2", ... forever.
//
// Claim tokens only need to be unique, so golden scenarios use this in place
// of UUIDv7 to keep their output byte-identical across runs.
//
// Thread-safety: CountingGenerator is safe for concurrent use via internal mutex.
type CountingGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewCountingGenerator creates a generator. An empty prefix becomes "tok".
func NewCountingGenerator(prefix string) *CountingGenerator {
	if prefix == "" {
		prefix = "tok"
	}
	return &CountingGenerator{prefix: prefix}
}

// Generate returns the next token.
func (g *CountingGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Reset restarts numbering at 1.
func (g *CountingGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
