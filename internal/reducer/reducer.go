// Package reducer is the client-side half of the subscription protocol: it
// folds the frame stream internal/wire describes into a local, queryable
// store. One Store holds one View per subscribed view path, merges
// create/upsert/patch/delete frames (honoring append hints), maintains a
// sorted key order for latest/top views using the sort config the server
// echoes in Subscribed, and tracks a reconnect cursor per view so a
// reconnect can ask the server to resume past what the client already has.
package reducer

import (
	"container/list"
	"sort"
	"sync"

	"github.com/hypertekorg/hyperstack/internal/wire"
)

// StorageAdapter is the pluggable capability set a View persists through.
// The default MapStorage is an in-memory implementation; a browser or
// mobile client can swap in one backed by IndexedDB, SQLite, or similar
// without the merge/sort logic above it changing.
type StorageAdapter interface {
	Get(key string) (map[string]any, bool)
	Set(key string, data map[string]any)
	Delete(key string)
	Keys() []string
	Size() int
	// EvictOldest removes and returns the least-recently-set entry. ok is
	// false if the adapter is empty.
	EvictOldest() (key string, ok bool)
}

// MapStorage is the default in-memory StorageAdapter: a map plus a
// container/list tracking insertion/update order for EvictOldest, the same
// shape internal/cache.Store uses for its own LRU bound.
type MapStorage struct {
	mu    sync.Mutex
	data  map[string]map[string]any
	order *list.List
	elems map[string]*list.Element
}

// NewMapStorage builds an empty MapStorage.
func NewMapStorage() *MapStorage {
	return &MapStorage{
		data:  make(map[string]map[string]any),
		order: list.New(),
		elems: make(map[string]*list.Element),
	}
}

func (s *MapStorage) Get(key string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *MapStorage) Set(key string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
	if el, ok := s.elems[key]; ok {
		s.order.MoveToBack(el)
		return
	}
	s.elems[key] = s.order.PushBack(key)
}

func (s *MapStorage) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	if el, ok := s.elems[key]; ok {
		s.order.Remove(el)
		delete(s.elems, key)
	}
}

func (s *MapStorage) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	return out
}

func (s *MapStorage) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *MapStorage) EvictOldest() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	front := s.order.Front()
	if front == nil {
		return "", false
	}
	key := front.Value.(string)
	s.order.Remove(front)
	delete(s.elems, key)
	delete(s.data, key)
	return key, true
}

// Update is delivered on a View's rich update stream: the merged frame plus
// enough context for a UI to diff without re-fetching.
type Update struct {
	View   string
	Key    string
	Op     wire.Op
	Data   map[string]any
	Append []string
	Slot   uint64
}

const updateQueueSize = 256

// View is one subscribed view's local mirror. Safe for concurrent Apply and
// reads; the notification channels never block the caller applying frames,
// matching internal/bus's drop-oldest-on-overflow policy.
type View struct {
	Name     string
	adapter  StorageAdapter
	maxBound int // 0 disables local capacity bounding

	mu      sync.Mutex
	sortCfg *wire.SortConfig
	order   []string // sorted key order; unused (nil) for unsorted state/list views
	cursor  uint64   // highest frame.Slot folded in so far

	coarse          chan string
	rich            chan Update
	snapshotApplied chan int
}

// NewView builds a View backed by adapter (NewMapStorage() if nil). maxBound
// caps local entry count via adapter.EvictOldest when non-zero; pass 0 for
// unbounded (the server's own view caps already bound what it sends).
func NewView(name string, adapter StorageAdapter, maxBound int) *View {
	if adapter == nil {
		adapter = NewMapStorage()
	}
	return &View{
		Name:            name,
		adapter:         adapter,
		maxBound:        maxBound,
		coarse:          make(chan string, updateQueueSize),
		rich:            make(chan Update, updateQueueSize),
		snapshotApplied: make(chan int, updateQueueSize),
	}
}

// Updates returns the coarse (key-only) notification stream.
func (v *View) Updates() <-chan string { return v.coarse }

// RichUpdates returns the full Update notification stream.
func (v *View) RichUpdates() <-chan Update { return v.rich }

// SnapshotApplied delivers one entry count per Snapshot frame folded into
// the view, in place of the per-key Updates()/RichUpdates() notifications
// a live upsert stream would otherwise produce for every batched entry.
func (v *View) SnapshotApplied() <-chan int { return v.snapshotApplied }

// SetSortConfig records the sort field/order a latest/top view's Subscribed
// frame echoed, so subsequent Apply calls maintain Keys() in that order.
func (v *View) SetSortConfig(cfg *wire.SortConfig) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sortCfg = cfg
	if cfg != nil && v.order == nil {
		v.order = make([]string, 0, v.adapter.Size())
		for _, k := range v.adapter.Keys() {
			v.order = append(v.order, k)
		}
		v.resort()
	}
}

// Cursor returns the highest slot folded into this view so far, for
// reconnect resume requests (SPEC_FULL.md's reconnect-cursor supplement).
func (v *View) Cursor() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cursor
}

// Get returns one key's current merged data.
func (v *View) Get(key string) (map[string]any, bool) {
	return v.adapter.Get(key)
}

// Keys returns the view's current key set: sort order for a latest/top
// view, adapter order otherwise.
func (v *View) Keys() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.order != nil {
		out := make([]string, len(v.order))
		copy(out, v.order)
		return out
	}
	return v.adapter.Keys()
}

// Size reports the view's current entry count.
func (v *View) Size() int { return v.adapter.Size() }

func (v *View) advanceCursor(slot uint64) {
	if slot > v.cursor {
		v.cursor = slot
	}
}

func (v *View) notify(u Update) {
	select {
	case v.coarse <- u.Key:
	default:
		select {
		case <-v.coarse:
		default:
		}
		select {
		case v.coarse <- u.Key:
		default:
		}
	}
	select {
	case v.rich <- u:
	default:
		select {
		case <-v.rich:
		default:
		}
		select {
		case v.rich <- u:
		default:
		}
	}
}

func (v *View) notifySnapshotApplied(n int) {
	select {
	case v.snapshotApplied <- n:
	default:
		select {
		case <-v.snapshotApplied:
		default:
		}
		select {
		case v.snapshotApplied <- n:
		default:
		}
	}
}

func (v *View) enforceCapacity() {
	if v.maxBound <= 0 {
		return
	}
	for v.adapter.Size() > v.maxBound {
		evicted, ok := v.adapter.EvictOldest()
		if !ok {
			return
		}
		v.removeFromOrder(evicted)
	}
}

func (v *View) removeFromOrder(key string) {
	if v.order == nil {
		return
	}
	for i, k := range v.order {
		if k == key {
			v.order = append(v.order[:i], v.order[i+1:]...)
			return
		}
	}
}

// resort rebuilds v.order from the adapter's current contents by the
// active sort config, breaking ties by key string (invariant 5).
func (v *View) resort() {
	if v.sortCfg == nil {
		return
	}
	desc := v.sortCfg.Order == "desc"
	sort.SliceStable(v.order, func(i, j int) bool {
		a, _ := v.adapter.Get(v.order[i])
		b, _ := v.adapter.Get(v.order[j])
		av, aok := asFloat(a[v.sortCfg.Field])
		bv, bok := asFloat(b[v.sortCfg.Field])
		switch {
		case aok && bok && av != bv:
			if desc {
				return av > bv
			}
			return av < bv
		default:
			return v.order[i] < v.order[j]
		}
	})
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// Store owns every subscribed view by name ("<Entity>/<view>").
type Store struct {
	mu    sync.Mutex
	views map[string]*View
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{views: make(map[string]*View)}
}

// View returns (creating if necessary) the named view's local mirror.
func (s *Store) View(name string) *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[name]
	if !ok {
		v = NewView(name, nil, 0)
		s.views[name] = v
	}
	return v
}

// Views lists every view name the store currently holds.
func (s *Store) Views() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.views))
	for name := range s.views {
		out = append(out, name)
	}
	return out
}

// Forget drops a view entirely, e.g. after an explicit unsubscribe.
func (s *Store) Forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, name)
}
