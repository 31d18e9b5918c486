package worker

import (
	"context"
	"sync"
)

// Gate blocks chunk emission while paused.
type Gate struct {
	mu     sync.Mutex
	paused bool
	open   chan struct{} // closed while not paused
}

// NewGate returns an open gate.
func NewGate() *Gate {
	open := make(chan struct{})
	close(open)
	return &Gate{open: open}
}

// Pause closes the gate. Pausing a paused gate is a no-op.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.open = make(chan struct{})
	}
}

// Resume opens the gate and releases every waiter.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.open)
	}
}

// Paused reports the current state.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks until the gate is open or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()

	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply routes a control signal to the gate.
func (g *Gate) Apply(c Control) {
	switch c {
	case ControlPause:
		g.Pause()
	case ControlResume:
		g.Resume()
	}
}
