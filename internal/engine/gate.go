package engine

import (
	"sync"
	"sync/atomic"
)

// Gate admits repository writes. Writes share the gate; table rebuilds take
// it exclusively. The gate stays closed until the first pull completes.
type Gate struct {
	mu    sync.RWMutex
	ready atomic.Bool
}

// Enter admits one write. The returned release func must be called when
// the write is done.
func (g *Gate) Enter() (release func(), err error) {
	g.mu.RLock()
	if !g.ready.Load() {
		g.mu.RUnlock()
		return nil, ErrNotReady
	}
	return g.mu.RUnlock, nil
}

// Exclusive runs fn while no write is in progress.
func (g *Gate) Exclusive(fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn()
}

// Open starts admitting writes.
func (g *Gate) Open() {
	g.ready.Store(true)
}

// Close stops admitting writes.
func (g *Gate) Close() {
	g.ready.Store(false)
}

// Ready reports whether writes are admitted.
func (g *Gate) Ready() bool {
	return g.ready.Load()
}
