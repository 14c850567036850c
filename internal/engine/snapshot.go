package engine

import (
	"strings"

	"github.com/hypertekorg/hyperstack/internal/cache"
	"github.com/hypertekorg/hyperstack/internal/projector"
	"github.com/hypertekorg/hyperstack/internal/wire"
)

// snapshotAdapter implements wireserver.SnapshotProvider: it tells a
// newly-subscribed client everything already live on a view before the bus
// starts streaming further changes. "<Entity>/state" snapshots read
// straight from the cache (state and list views share this one bus view,
// distinguished only by whether the subscription pins a key); any other
// suffix names a latest/top derived view and is read from the projector's
// tracked window.
type snapshotAdapter struct {
	store      *cache.Store
	proj       *projector.Projector
	fieldNames map[string][]string
}

func newSnapshotAdapter(store *cache.Store, proj *projector.Projector, fieldNames map[string][]string) *snapshotAdapter {
	return &snapshotAdapter{store: store, proj: proj, fieldNames: fieldNames}
}

func (s *snapshotAdapter) Snapshot(sub wire.Subscription) ([]wire.Frame, *wire.SortConfig) {
	entity, suffix, ok := splitView(sub.View)
	if !ok {
		return nil, nil
	}

	if suffix == "state" {
		return s.stateSnapshot(entity, sub.Key, sub.SinceSlot), nil
	}

	entries, sortCfg, ok := s.proj.Snapshot(entity, suffix)
	if !ok {
		return nil, nil
	}
	frames := make([]wire.Frame, 0, len(entries))
	for _, e := range entries {
		if sub.Key != "" && sub.Key != e.Key {
			continue
		}
		frames = append(frames, wire.Frame{Op: wire.OpUpsert, Entity: sub.View, Key: e.Key, Data: e.Data})
	}
	return frames, sortCfg
}

// stateSnapshot enumerates entity's live instances. sinceSlot, when
// non-zero, skips instances a reconnecting client's own cursor already
// covers (internal/wire.Subscription.SinceSlot) — a pure optimization,
// never required for correctness.
func (s *snapshotAdapter) stateSnapshot(entity, key string, sinceSlot uint64) []wire.Frame {
	names := s.fieldNames[entity]
	var frames []wire.Frame
	s.store.Range(entity, func(inst *cache.Instance) bool {
		if key != "" && key != inst.Key {
			return true
		}
		if sinceSlot > 0 && inst.LastAppliedSlot <= sinceSlot {
			return true
		}
		data := make(map[string]any, len(names))
		for id, name := range names {
			if v, had := inst.GetField(id); had {
				data[name] = v
			}
		}
		for fieldID, values := range inst.Events {
			if fieldID >= 0 && fieldID < len(names) {
				data[names[fieldID]] = values
			}
		}
		frames = append(frames, wire.Frame{
			Op: wire.OpCreate, Entity: entity + "/state", Key: inst.Key, Data: data,
			Slot: inst.LastAppliedSlot,
		})
		return true
	})
	return frames
}

// splitView separates "<Entity>/<view>" into its two parts.
func splitView(view string) (entity, suffix string, ok bool) {
	idx := strings.LastIndex(view, "/")
	if idx < 0 {
		return "", "", false
	}
	return view[:idx], view[idx+1:], true
}
