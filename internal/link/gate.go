package link

import (
	"context"
	"sync"
)

// Gate is a level-triggered, multi-waiter boolean. Set releases every current
// waiter and lets later waiters pass straight through; Clear makes new waiters
// block again. Waiting never consumes the level.
type Gate struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{} // closed while set
}

// NewGate returns a cleared gate.
func NewGate() *Gate { return &Gate{ch: make(chan struct{})} }

// Set raises the level. It reports whether the gate changed state.
func (g *Gate) Set() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.set {
		return false
	}
	g.set = true
	close(g.ch)
	return true
}

// Clear lowers the level. It reports whether the gate changed state.
func (g *Gate) Clear() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.set {
		return false
	}
	g.set = false
	g.ch = make(chan struct{})
	return true
}

// IsSet is a point-in-time read of the level.
func (g *Gate) IsSet() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.set
}

// Done returns a channel closed once the gate is (or becomes) set. A later
// Clear does not reopen an already returned channel.
func (g *Gate) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

// Wait blocks until the gate is set or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
