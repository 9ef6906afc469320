package dispatcher

import "sync/atomic"

// Guard ensures at most one dispatch loop is active per dispatcher
type Guard struct {
	running atomic.Bool
}

// TryStart marks the guard active. It returns false if it already was.
func (g *Guard) TryStart() bool {
	return g.running.CompareAndSwap(false, true)
}

// Stop marks the guard inactive
func (g *Guard) Stop() {
	g.running.Store(false)
}

// Running reports whether a loop holds the guard
func (g *Guard) Running() bool {
	return g.running.Load()
}
