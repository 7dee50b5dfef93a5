package config

import "sync/atomic"

// Cell is the process-wide configuration cell described in the design
// notes: a pointer-sized atomic holding a reference to an immutable
// Snapshot. Load and Store are both lock-free with respect to each other,
// so the dispatch thread never blocks behind the control plane and vice
// versa.
type Cell struct {
	ptr atomic.Pointer[Snapshot]
}

// NewCell creates a cell pre-populated with the given snapshot.
func NewCell(initial Snapshot) *Cell {
	c := &Cell{}
	c.Store(initial)
	return c
}

// Load returns the currently published snapshot.
func (c *Cell) Load() Snapshot {
	return *c.ptr.Load()
}

// Store atomically replaces the snapshot. It is never a partial update:
// readers either observe the old value in full or the new one in full.
func (c *Cell) Store(s Snapshot) {
	c.ptr.Store(&s)
}
