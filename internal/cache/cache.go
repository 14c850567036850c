// Package cache holds the live entity instances the VM mutates and the
// projector reads: a capacity-bounded LRU store per entity kind, an
// address-to-instance lookup index, a pending-event buffer for events that
// arrive before their target instance exists, and a bounded per-entity
// dedup set (see dedup.go).
package cache

import (
	"container/list"
	"sync"

	"github.com/hypertekorg/hyperstack/internal/ir"
	"github.com/hypertekorg/hyperstack/internal/vm"
)

// Instance is one live entity's field state: a dense slice indexed by
// FieldID (mirroring bytecode.Program.FieldNames), plus accumulated
// event-list fields kept out of band since they grow independently of the
// scalar fields around them.
type Instance struct {
	Entity string
	Key    string

	Fields          []any
	fieldSet        []bool
	Events          map[int][]any
	LastAppliedSlot uint64

	// avgSum/avgCount track an AggAvg field's running sum and sample count
	// so Fields can hold the current average rather than the running sum.
	avgSum   []float64
	avgCount []int64
}

func newInstance(entity, key string, numFields int) *Instance {
	return &Instance{
		Entity:   entity,
		Key:      key,
		Fields:   make([]any, numFields),
		fieldSet: make([]bool, numFields),
		Events:   make(map[int][]any),
		avgSum:   make([]float64, numFields),
		avgCount: make([]int64, numFields),
	}
}

// GetField implements vm.FieldReader.
func (in *Instance) GetField(fieldID int) (any, bool) {
	if fieldID < 0 || fieldID >= len(in.Fields) {
		return nil, false
	}
	return in.Fields[fieldID], in.fieldSet[fieldID]
}

func (in *Instance) setField(fieldID int, v any) {
	if fieldID < 0 || fieldID >= len(in.Fields) {
		return
	}
	in.Fields[fieldID] = v
	in.fieldSet[fieldID] = true
}

// ApplyMutations folds a VM result's mutations into the instance and
// advances LastAppliedSlot. It is the single place strategy/aggregate
// semantics are interpreted; the VM only describes intent.
func (in *Instance) ApplyMutations(slot uint64, muts []vm.Mutation) {
	for _, m := range muts {
		switch m.Kind {
		case vm.MutationField:
			in.applyField(m)
		case vm.MutationEvent:
			in.appendEvent(m)
		case vm.MutationAggregate:
			in.applyAggregate(m)
		case vm.MutationResolve:
			// Resolution is async; the resolver pool (internal/resolver)
			// owns turning this into a later MutationField once its
			// request completes. Nothing to apply here.
		}
	}
	if slot > in.LastAppliedSlot {
		in.LastAppliedSlot = slot
	}
}

func (in *Instance) applyField(m vm.Mutation) {
	cur, had := in.GetField(m.FieldID)
	switch m.Strategy {
	case ir.StrategySetOnce:
		if had {
			return
		}
	case ir.StrategyIfGreater:
		if had && !isGreater(m.Value, cur) {
			return
		}
	case ir.StrategyIfLess:
		if had && !isGreater(cur, m.Value) {
			return
		}
	case ir.StrategyOverwrite, "":
		// always applies
	}
	in.setField(m.FieldID, m.Value)
}

func (in *Instance) appendEvent(m vm.Mutation) {
	in.Events[m.FieldID] = append(in.Events[m.FieldID], m.Value)
}

func (in *Instance) applyAggregate(m vm.Mutation) {
	if m.AggOp == ir.AggAvg {
		in.applyAvg(m)
		return
	}

	cur, had := in.GetField(m.FieldID)
	if !had {
		switch m.AggOp {
		case ir.AggCount:
			in.setField(m.FieldID, int64(1))
		case ir.AggMin, ir.AggMax, ir.AggSum:
			in.setField(m.FieldID, m.Value)
		}
		return
	}
	curF, curOK := asFloat(cur)
	valF, valOK := asFloat(m.Value)
	if !curOK || !valOK {
		return
	}
	switch m.AggOp {
	case ir.AggSum:
		in.setField(m.FieldID, curF+valF)
	case ir.AggCount:
		in.setField(m.FieldID, curF+1)
	case ir.AggMin:
		if valF < curF {
			in.setField(m.FieldID, valF)
		}
	case ir.AggMax:
		if valF > curF {
			in.setField(m.FieldID, valF)
		}
	}
}

// applyAvg folds m.Value into the field's running sum/count and stores the
// resulting average, so readers of Fields never need to know avg is a
// derived quantity.
func (in *Instance) applyAvg(m vm.Mutation) {
	valF, valOK := asFloat(m.Value)
	if !valOK || m.FieldID < 0 || m.FieldID >= len(in.avgSum) {
		return
	}
	in.avgSum[m.FieldID] += valF
	in.avgCount[m.FieldID]++
	in.setField(m.FieldID, in.avgSum[m.FieldID]/float64(in.avgCount[m.FieldID]))
}

func isGreater(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af > bf
	}
	return false
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

// shard is one entity kind's LRU-bounded instance set.
type shard struct {
	maxEntries int
	numFields  int
	items      map[string]*list.Element
	order      *list.List // front = most recently touched
}

func newShard(maxEntries, numFields int) *shard {
	return &shard{
		maxEntries: maxEntries,
		numFields:  numFields,
		items:      make(map[string]*list.Element),
		order:      list.New(),
	}
}

func (s *shard) getOrCreate(key string) (inst *Instance, created bool, evicted *Instance) {
	if el, ok := s.items[key]; ok {
		s.order.MoveToFront(el)
		return el.Value.(*Instance), false, nil
	}
	inst = newInstance("", key, s.numFields)
	el := s.order.PushFront(inst)
	s.items[key] = el
	if s.maxEntries > 0 && s.order.Len() > s.maxEntries {
		back := s.order.Back()
		if back != nil {
			evicted = back.Value.(*Instance)
			s.order.Remove(back)
			delete(s.items, evicted.Key)
		}
	}
	return inst, true, evicted
}

func (s *shard) get(key string) (*Instance, bool) {
	el, ok := s.items[key]
	if !ok {
		return nil, false
	}
	s.order.MoveToFront(el)
	return el.Value.(*Instance), true
}

// Store is the full per-entity-kind instance cache. One Store serves an
// entire compiled spec; entity kinds are looked up by name.
type Store struct {
	mu         sync.Mutex
	maxEntries int
	fieldCount map[string]int
	shards     map[string]*shard
	onEvict    func(entity string, inst *Instance)
}

// NewStore builds a Store. fieldCount maps each entity name to its dense
// field count (bytecode.Program.FieldNames length), known from the
// compiled spec. maxEntries bounds each entity kind's shard independently
// (0 means unbounded).
func NewStore(fieldCount map[string]int, maxEntries int) *Store {
	return &Store{
		maxEntries: maxEntries,
		fieldCount: fieldCount,
		shards:     make(map[string]*shard),
	}
}

// OnEvict registers a callback invoked synchronously whenever the LRU
// policy evicts an instance, so the caller can publish a delete frame for
// it and unbind the evicted key from the lookup index.
func (s *Store) OnEvict(fn func(entity string, inst *Instance)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

func (s *Store) shardFor(entity string) *shard {
	sh, ok := s.shards[entity]
	if !ok {
		sh = newShard(s.maxEntries, s.fieldCount[entity])
		s.shards[entity] = sh
	}
	return sh
}

// GetOrCreate returns the instance for (entity, key), creating it if
// absent. created is true the first time a key is seen.
func (s *Store) GetOrCreate(entity, key string) (inst *Instance, created bool) {
	s.mu.Lock()
	sh := s.shardFor(entity)
	var evicted *Instance
	inst, created, evicted = sh.getOrCreate(key)
	inst.Entity = entity
	onEvict := s.onEvict
	s.mu.Unlock()

	if evicted != nil && onEvict != nil {
		onEvict(entity, evicted)
	}
	return inst, created
}

// Get returns the instance for (entity, key) without creating it.
func (s *Store) Get(entity, key string) (*Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shards[entity]
	if !ok {
		return nil, false
	}
	return sh.get(key)
}

// Delete removes an instance outright (e.g. on a projector-level delete
// mutation, distinct from LRU eviction).
func (s *Store) Delete(entity, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shards[entity]
	if !ok {
		return
	}
	if el, ok := sh.items[key]; ok {
		sh.order.Remove(el)
		delete(sh.items, key)
	}
}

// Range calls fn for every live instance of entity, most-recently-touched
// first, stopping early if fn returns false. Used to build a snapshot of a
// state/list view for a newly-subscribed client.
func (s *Store) Range(entity string, fn func(inst *Instance) bool) {
	s.mu.Lock()
	sh, ok := s.shards[entity]
	if !ok {
		s.mu.Unlock()
		return
	}
	insts := make([]*Instance, 0, sh.order.Len())
	for el := sh.order.Front(); el != nil; el = el.Next() {
		insts = append(insts, el.Value.(*Instance))
	}
	s.mu.Unlock()

	for _, inst := range insts {
		if !fn(inst) {
			return
		}
	}
}

// Len reports the current instance count for an entity kind.
func (s *Store) Len(entity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shards[entity]
	if !ok {
		return 0
	}
	return sh.order.Len()
}
