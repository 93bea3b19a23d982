package ratelimit

import "sync"

// Gate bounds the number of concurrently bridged sessions. A max of zero or
// less means unlimited.
type Gate struct {
	mu     sync.Mutex
	max    int
	active int
}

func NewGate(max int) *Gate {
	return &Gate{max: max}
}

// TryAcquire reserves a slot, reporting false when the gate is full.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.max > 0 && g.active >= g.max {
		return false
	}
	g.active++
	return true
}

// Release frees a slot previously reserved with TryAcquire.
func (g *Gate) Release() {
	g.mu.Lock()
	if g.active > 0 {
		g.active--
	}
	g.mu.Unlock()
}

func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}
