package ns

import (
	"math"
	"sync"
)

// IDGen hands out message ids, increasing per application and wrapping
// from MaxInt32 back to 1.
type IDGen struct {
	mu   sync.Mutex
	last int32
}

// NewIDGen starts after last, so the first Next() returns last+1.
func NewIDGen(last int32) *IDGen {
	if last < 0 {
		last = 0
	}
	return &IDGen{last: last}
}

func (g *IDGen) Next() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == math.MaxInt32 {
		g.last = 0
	}
	g.last++
	return g.last
}

// Last returns the most recently issued id.
func (g *IDGen) Last() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
