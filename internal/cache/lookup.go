package cache

import "sync"

// identityKey names one (entity, key) instance.
type identityKey struct {
	Entity string
	Key    string
}

// LookupIndex maps an on-chain account address to the entity instance it
// identifies, for entities whose primary key is a direct account address
// (ir.PKDirect) and for resolve(address, ...) calls that need to find an
// instance by the address a computed field resolved to.
type LookupIndex struct {
	mu   sync.RWMutex
	byAddr map[string]identityKey
}

// NewLookupIndex builds an empty index.
func NewLookupIndex() *LookupIndex {
	return &LookupIndex{byAddr: make(map[string]identityKey)}
}

// Bind records that address identifies (entity, key).
func (l *LookupIndex) Bind(address, entity, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byAddr[address] = identityKey{Entity: entity, Key: key}
}

// Resolve looks up the (entity, key) an address was bound to.
func (l *LookupIndex) Resolve(address string) (entity, key string, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ik, ok := l.byAddr[address]
	return ik.Entity, ik.Key, ok
}

// Unbind removes an address binding, e.g. when its instance is evicted.
func (l *LookupIndex) Unbind(address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byAddr, address)
}
