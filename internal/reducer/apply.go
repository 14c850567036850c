package reducer

import (
	"sort"

	"github.com/hypertekorg/hyperstack/internal/wire"
)

// Apply folds one frame into the view: create/upsert frames overwrite,
// patch frames merge (or append-merge) onto the existing record, delete
// removes it, and snapshot folds in a whole batch at once (applySnapshot).
// Frames are applied regardless of slot order relative to other views, but
// within this view frame.Slot only ever advances Cursor (invariant 2: slot
// monotonicity per key is a server-side guarantee; the client cursor just
// tracks the high watermark it has seen).
func (v *View) Apply(frame wire.Frame) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.advanceCursor(frame.Slot)

	switch frame.Op {
	case wire.OpDelete:
		v.adapter.Delete(frame.Key)
		v.removeFromOrder(frame.Key)
		v.notify(Update{View: v.Name, Key: frame.Key, Op: frame.Op, Slot: frame.Slot})
		return
	case wire.OpCreate, wire.OpUpsert:
		v.applyUpsert(frame)
	case wire.OpPatch:
		v.applyPatch(frame)
	case wire.OpSnapshot:
		v.applySnapshot(frame)
	}
}

// applySnapshot folds every entry of a Snapshot frame's batch in as an
// upsert, but — unlike a live upsert frame — does not notify per entry:
// a reconnecting client would otherwise see hundreds of spurious
// per-key update events for what is really one bulk resync. Instead a
// single snapshotApplied signal fires once the whole batch is folded in
// (spec §4.8: "apply each inner entry as upsert without emitting
// separate user-visible update events for each; emit a single
// snapshot-applied signal").
func (v *View) applySnapshot(frame wire.Frame) {
	entries := snapshotEntries(frame.Data)
	for _, e := range entries {
		v.adapter.Set(e.Key, cloneData(e.Data))
		v.repositionSorted(e.Key)
	}
	v.enforceCapacity()
	v.notifySnapshotApplied(len(entries))
}

// snapshotEntries normalizes a Snapshot frame's Data into SnapshotEntry
// values. Data arrives as []wire.SnapshotEntry when a Frame is built and
// applied in-process, or as []any of map[string]any{"key",...,"data",...}
// once it has round-tripped through wire.Decode's JSON unmarshal.
func snapshotEntries(data any) []wire.SnapshotEntry {
	switch v := data.(type) {
	case []wire.SnapshotEntry:
		return v
	case []any:
		out := make([]wire.SnapshotEntry, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			key, _ := m["key"].(string)
			entryData, _ := m["data"].(map[string]any)
			out = append(out, wire.SnapshotEntry{Key: key, Data: entryData})
		}
		return out
	}
	return nil
}

func (v *View) applyUpsert(frame wire.Frame) {
	data, _ := frame.Data.(map[string]any)
	merged := cloneData(data)
	v.adapter.Set(frame.Key, merged)
	v.repositionSorted(frame.Key)
	v.enforceCapacity()
	v.notify(Update{View: v.Name, Key: frame.Key, Op: frame.Op, Data: merged, Slot: frame.Slot})
}

// applyPatch merges frame.Data onto the existing record (invariant 3/4):
// fields named in frame.Append are concatenated onto the existing array,
// everything else overwrites.
func (v *View) applyPatch(frame wire.Frame) {
	patch, _ := frame.Data.(map[string]any)
	existing, ok := v.adapter.Get(frame.Key)
	if !ok {
		existing = make(map[string]any)
	} else {
		existing = cloneData(existing)
	}

	appendSet := make(map[string]bool, len(frame.Append))
	for _, name := range frame.Append {
		appendSet[name] = true
	}

	for field, val := range patch {
		if appendSet[field] {
			prev, _ := existing[field].([]any)
			next, _ := val.([]any)
			existing[field] = append(append([]any(nil), prev...), next...)
			continue
		}
		existing[field] = val
	}

	v.adapter.Set(frame.Key, existing)
	v.repositionSorted(frame.Key)
	v.enforceCapacity()
	v.notify(Update{View: v.Name, Key: frame.Key, Op: frame.Op, Data: existing, Append: frame.Append, Slot: frame.Slot})
}

// repositionSorted re-inserts key into v.order at its sorted position. Only
// active once SetSortConfig has been called (v.order != nil).
func (v *View) repositionSorted(key string) {
	if v.order == nil {
		return
	}
	v.removeFromOrder(key)

	data, _ := v.adapter.Get(key)
	desc := v.sortCfg.Order == "desc"
	sortVal, hasSortVal := asFloat(data[v.sortCfg.Field])

	idx := sort.Search(len(v.order), func(i int) bool {
		other, _ := v.adapter.Get(v.order[i])
		otherVal, otherOK := asFloat(other[v.sortCfg.Field])
		switch {
		case hasSortVal && otherOK && sortVal != otherVal:
			if desc {
				return otherVal <= sortVal
			}
			return otherVal >= sortVal
		default:
			return v.order[i] >= key
		}
	})
	v.order = append(v.order, "")
	copy(v.order[idx+1:], v.order[idx:])
	v.order[idx] = key
}

func cloneData(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = val
	}
	return out
}
