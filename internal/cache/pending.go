package cache

import "sync"

// PendingEvent is a buffered event awaiting the lookup-index bind that
// will let the dispatcher route it: an event arriving for an address that
// has not yet been bound to an entity instance, typically because the
// account-creation event it depends on hasn't been processed yet.
type PendingEvent struct {
	Entity  string
	Source  string
	Slot    uint64
	Payload map[string]any
}

// PendingBuffer holds events keyed by the address they're waiting on. It
// is bounded per address to guard against an address that never resolves
// accumulating unbounded memory.
type PendingBuffer struct {
	mu       sync.Mutex
	byAddr   map[string][]PendingEvent
	capPerKey int
}

// NewPendingBuffer builds an empty buffer. capPerKey bounds how many
// events are retained per unresolved address (oldest dropped first); 0
// means unbounded.
func NewPendingBuffer(capPerKey int) *PendingBuffer {
	return &PendingBuffer{byAddr: make(map[string][]PendingEvent), capPerKey: capPerKey}
}

// Add buffers ev under address.
func (p *PendingBuffer) Add(address string, ev PendingEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := append(p.byAddr[address], ev)
	if p.capPerKey > 0 && len(q) > p.capPerKey {
		q = q[len(q)-p.capPerKey:]
	}
	p.byAddr[address] = q
}

// Drain removes and returns all events buffered under address, in arrival
// order, once that address resolves.
func (p *PendingBuffer) Drain(address string) []PendingEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.byAddr[address]
	delete(p.byAddr, address)
	return q
}

// Len reports how many addresses currently have buffered events.
func (p *PendingBuffer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byAddr)
}
