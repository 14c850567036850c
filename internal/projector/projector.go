// Package projector turns a VM run's field mutations into wire frames and
// maintains each entity's derived latest(n)/top(n) views.
package projector

import (
	"sort"
	"sync"

	"github.com/hypertekorg/hyperstack/internal/bytecode"
	"github.com/hypertekorg/hyperstack/internal/ir"
	"github.com/hypertekorg/hyperstack/internal/vm"
	"github.com/hypertekorg/hyperstack/internal/wire"
)

// FieldChange is one field's contribution to a Delta: its current full
// value, and — for event-list fields — the newly appended suffix, so the
// projector can populate a patch frame's append hint per spec §4.5/§4.8.
type FieldChange struct {
	FieldID  int
	Name     string
	Value    any
	Appended []any // non-nil only for event-list fields
}

// Delta is the projector's input: the VM's AppliedDiff for one entity
// instance within one event, already folded into the cache by the caller.
type Delta struct {
	Entity  string
	Key     string
	Created bool
	Changes []FieldChange
	Ctx     vm.EventContext
}

// Apply converts d into zero or more frames: one coalesced frame for the
// primary entity, plus an upsert/delete for each derived view whose
// membership or position changed.
func (p *Projector) Apply(d Delta) []wire.Frame {
	var frames []wire.Frame

	primary := p.buildPrimaryFrame(d)
	if primary != nil {
		frames = append(frames, *primary)
	}

	frames = append(frames, p.applyDerivedViews(d)...)
	return frames
}

func (p *Projector) buildPrimaryFrame(d Delta) *wire.Frame {
	if len(d.Changes) == 0 {
		return nil
	}
	data := make(map[string]any, len(d.Changes))
	var appendHints []string
	for _, c := range d.Changes {
		if c.Appended != nil {
			data[c.Name] = c.Appended
			appendHints = append(appendHints, c.Name)
			continue
		}
		data[c.Name] = c.Value
	}

	op := wire.OpPatch
	if d.Created {
		op = wire.OpCreate
	}
	return &wire.Frame{
		Op:        op,
		Entity:    d.Entity + "/state",
		Key:       d.Key,
		Data:      data,
		Append:    appendHints,
		Slot:      d.Ctx.Slot,
		Timestamp: d.Ctx.Timestamp,
	}
}

// windowEntry is one member of a latest/top derived view.
type windowEntry struct {
	Key       string
	SortValue float64
	Data      map[string]any
}

// window holds one derived view's bounded, sorted membership.
type window struct {
	plan    bytecode.ProjectionPlan
	entries []*windowEntry      // sorted by SortValue in the window's order (see insertSorted)
	byKey   map[string]*windowEntry
}

func newWindow(plan bytecode.ProjectionPlan) *window {
	return &window{plan: plan, byKey: make(map[string]*windowEntry)}
}

// Projector applies deltas for one compiled spec's entities. Safe for
// concurrent use from multiple dispatcher workers operating on distinct
// entity keys; windows are guarded by a single mutex since they aggregate
// across keys.
type Projector struct {
	mu      sync.Mutex
	windows map[string][]*window // entity -> its derived windows
}

// New builds a Projector from the compiler's projection plans, grouped by
// owning entity.
func New(plans []bytecode.ProjectionPlan) *Projector {
	byEntity := make(map[string][]*window)
	for _, plan := range plans {
		byEntity[plan.Entity] = append(byEntity[plan.Entity], newWindow(plan))
	}
	return &Projector{windows: byEntity}
}

// SnapshotEntry is one member of a derived view's current membership, as
// returned by Snapshot.
type SnapshotEntry struct {
	Key  string
	Data map[string]any
}

// Snapshot returns a derived view's current sorted membership and the
// wire.SortConfig a newly-subscribed client needs to order it client-side.
// ok is false if entity has no such view.
func (p *Projector) Snapshot(entity, targetView string) (out []SnapshotEntry, sortCfg *wire.SortConfig, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.windows[entity] {
		if w.plan.TargetView != targetView {
			continue
		}
		out = make([]SnapshotEntry, len(w.entries))
		for i, e := range w.entries {
			out[i] = SnapshotEntry{Key: e.Key, Data: cloneData(e.Data)}
		}
		order := "asc"
		if w.plan.Derivation.Kind == "top" || w.plan.Derivation.Order == ir.SortDesc {
			order = "desc"
		}
		return out, &wire.SortConfig{Field: w.plan.Derivation.SortField, Order: order}, true
	}
	return nil, nil, false
}

// Delete removes key's instance from entity's state view and every derived
// window it was a member of, emitting a delete frame for each. Called in
// place of Apply when the incoming event is a declared delete trigger
// rather than a field mutation.
func (p *Projector) Delete(entity, key string, ctx vm.EventContext) []wire.Frame {
	frames := []wire.Frame{{
		Op: wire.OpDelete, Entity: entity + "/state", Key: key,
		Slot: ctx.Slot, Timestamp: ctx.Timestamp,
	}}
	frames = append(frames, p.deleteFromDerivedViews(entity, key, ctx)...)
	return frames
}

func (p *Projector) deleteFromDerivedViews(entity, key string, ctx vm.EventContext) []wire.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	var frames []wire.Frame
	for _, w := range p.windows[entity] {
		if _, ok := w.byKey[key]; !ok {
			continue
		}
		w.removeFromOrder(key)
		delete(w.byKey, key)
		frames = append(frames, wire.Frame{
			Op: wire.OpDelete, Entity: entity + "/" + w.plan.TargetView,
			Key: key, Slot: ctx.Slot, Timestamp: ctx.Timestamp,
		})
	}
	return frames
}

func (p *Projector) applyDerivedViews(d Delta) []wire.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	wins := p.windows[d.Entity]
	if len(wins) == 0 {
		return nil
	}

	var frames []wire.Frame
	for _, w := range wins {
		frames = append(frames, w.upsert(d)...)
	}
	return frames
}

// upsert merges d's changes into the window's tracked copy of the entity,
// determines (or preserves) its sort value, repositions it via binary
// search, and emits the resulting upsert/delete frames.
func (w *window) upsert(d Delta) []wire.Frame {
	entry, existed := w.byKey[d.Key]
	if !existed {
		entry = &windowEntry{Key: d.Key, Data: make(map[string]any)}
	}
	for _, c := range d.Changes {
		if c.Appended != nil {
			existing, _ := entry.Data[c.Name].([]any)
			entry.Data[c.Name] = append(existing, c.Appended...)
			continue
		}
		entry.Data[c.Name] = c.Value
		if c.Name == w.plan.Derivation.SortField {
			if f, ok := asFloat(c.Value); ok {
				entry.SortValue = f
			}
		}
	}
	// Sort-field partial patches that omit the sort key must preserve the
	// entry's prior sort value — entry.SortValue is simply left untouched
	// above in that case, satisfying the invariant directly.

	if existed {
		w.removeFromOrder(entry.Key)
	}
	pos := w.insertSorted(entry)
	w.byKey[d.Key] = entry

	n := w.plan.Derivation.N
	var frames []wire.Frame
	if n <= 0 || pos < n {
		frames = append(frames, wire.Frame{
			Op: wire.OpUpsert, Entity: d.Entity + "/" + w.plan.TargetView,
			Key: entry.Key, Data: cloneData(entry.Data),
			Slot: d.Ctx.Slot, Timestamp: d.Ctx.Timestamp,
		})
	}
	if n > 0 && len(w.entries) > n {
		evicted := w.evictTail()
		if evicted != nil {
			frames = append(frames, wire.Frame{
				Op: wire.OpDelete, Entity: d.Entity + "/" + w.plan.TargetView,
				Key: evicted.Key, Slot: d.Ctx.Slot, Timestamp: d.Ctx.Timestamp,
			})
		}
	}
	return frames
}

// insertSorted places entry into w.entries by SortValue (descending for
// "top" or a desc sort order, ascending otherwise) via binary search, ties broken by key-string
// comparison, and returns its resulting index.
func (w *window) insertSorted(entry *windowEntry) int {
	desc := w.plan.Derivation.Kind == "top" || w.plan.Derivation.Order == ir.SortDesc
	idx := sort.Search(len(w.entries), func(i int) bool {
		if w.entries[i].SortValue != entry.SortValue {
			if desc {
				return w.entries[i].SortValue <= entry.SortValue
			}
			return w.entries[i].SortValue >= entry.SortValue
		}
		return w.entries[i].Key >= entry.Key
	})
	w.entries = append(w.entries, nil)
	copy(w.entries[idx+1:], w.entries[idx:])
	w.entries[idx] = entry
	return idx
}

func (w *window) removeFromOrder(key string) {
	for i, e := range w.entries {
		if e.Key == key {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			return
		}
	}
}

func (w *window) evictTail() *windowEntry {
	if len(w.entries) == 0 {
		return nil
	}
	tail := w.entries[len(w.entries)-1]
	w.entries = w.entries[:len(w.entries)-1]
	delete(w.byKey, tail.Key)
	return tail
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

func cloneData(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
