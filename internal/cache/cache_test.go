package cache

import (
	"testing"

	"github.com/hypertekorg/hyperstack/internal/ir"
	"github.com/hypertekorg/hyperstack/internal/vm"
	"github.com/stretchr/testify/require"
)

func TestStoreGetOrCreateIsIdempotent(t *testing.T) {
	s := NewStore(map[string]int{"Game": 2}, 0)
	a, created := s.GetOrCreate("Game", "k1")
	require.True(t, created)
	b, created := s.GetOrCreate("Game", "k1")
	require.False(t, created)
	require.Same(t, a, b)
}

func TestStoreEvictsLeastRecentlyTouched(t *testing.T) {
	var evicted []string
	s := NewStore(map[string]int{"Game": 1}, 2)
	s.OnEvict(func(entity string, inst *Instance) { evicted = append(evicted, inst.Key) })

	s.GetOrCreate("Game", "a")
	s.GetOrCreate("Game", "b")
	s.GetOrCreate("Game", "a") // touch a, so b is now least-recent
	s.GetOrCreate("Game", "c") // over capacity; evicts b

	require.Equal(t, []string{"b"}, evicted)
	require.Equal(t, 2, s.Len("Game"))
}

func TestInstanceApplyFieldSetOnce(t *testing.T) {
	inst := newInstance("Game", "k1", 1)
	inst.ApplyMutations(1, []vm.Mutation{{Kind: vm.MutationField, FieldID: 0, Value: int64(1), Strategy: ir.StrategySetOnce}})
	inst.ApplyMutations(2, []vm.Mutation{{Kind: vm.MutationField, FieldID: 0, Value: int64(2), Strategy: ir.StrategySetOnce}})
	v, _ := inst.GetField(0)
	require.Equal(t, int64(1), v)
}

func TestInstanceApplyFieldIfGreater(t *testing.T) {
	inst := newInstance("Game", "k1", 1)
	inst.ApplyMutations(1, []vm.Mutation{{Kind: vm.MutationField, FieldID: 0, Value: int64(5), Strategy: ir.StrategyIfGreater}})
	inst.ApplyMutations(2, []vm.Mutation{{Kind: vm.MutationField, FieldID: 0, Value: int64(3), Strategy: ir.StrategyIfGreater}})
	v, _ := inst.GetField(0)
	require.Equal(t, int64(5), v)

	inst.ApplyMutations(3, []vm.Mutation{{Kind: vm.MutationField, FieldID: 0, Value: int64(9), Strategy: ir.StrategyIfGreater}})
	v, _ = inst.GetField(0)
	require.Equal(t, int64(9), v)
}

func TestInstanceApplyAggregateSum(t *testing.T) {
	inst := newInstance("Game", "k1", 1)
	inst.ApplyMutations(1, []vm.Mutation{{Kind: vm.MutationAggregate, FieldID: 0, Value: float64(2), AggOp: ir.AggSum}})
	inst.ApplyMutations(2, []vm.Mutation{{Kind: vm.MutationAggregate, FieldID: 0, Value: float64(3), AggOp: ir.AggSum}})
	v, _ := inst.GetField(0)
	require.Equal(t, float64(5), v)
}

func TestInstanceApplyAggregateAvg(t *testing.T) {
	inst := newInstance("Game", "k1", 1)
	inst.ApplyMutations(1, []vm.Mutation{{Kind: vm.MutationAggregate, FieldID: 0, Value: float64(2), AggOp: ir.AggAvg}})
	inst.ApplyMutations(2, []vm.Mutation{{Kind: vm.MutationAggregate, FieldID: 0, Value: float64(4), AggOp: ir.AggAvg}})
	v, _ := inst.GetField(0)
	require.Equal(t, float64(3), v)

	inst.ApplyMutations(3, []vm.Mutation{{Kind: vm.MutationAggregate, FieldID: 0, Value: float64(9), AggOp: ir.AggAvg}})
	v, _ = inst.GetField(0)
	require.Equal(t, float64(5), v)
}

func TestInstanceApplyEventAppendsInOrder(t *testing.T) {
	inst := newInstance("Game", "k1", 1)
	inst.ApplyMutations(1, []vm.Mutation{{Kind: vm.MutationEvent, FieldID: 0, Value: "a"}})
	inst.ApplyMutations(2, []vm.Mutation{{Kind: vm.MutationEvent, FieldID: 0, Value: "b"}})
	require.Equal(t, []any{"a", "b"}, inst.Events[0])
}

func TestLookupIndexBindResolveUnbind(t *testing.T) {
	l := NewLookupIndex()
	_, _, ok := l.Resolve("addr1")
	require.False(t, ok)

	l.Bind("addr1", "Game", "k1")
	entity, key, ok := l.Resolve("addr1")
	require.True(t, ok)
	require.Equal(t, "Game", entity)
	require.Equal(t, "k1", key)

	l.Unbind("addr1")
	_, _, ok = l.Resolve("addr1")
	require.False(t, ok)
}

func TestPendingBufferDrainReturnsArrivalOrder(t *testing.T) {
	p := NewPendingBuffer(0)
	p.Add("addr1", PendingEvent{Entity: "Game", Slot: 1})
	p.Add("addr1", PendingEvent{Entity: "Game", Slot: 2})
	events := p.Drain("addr1")
	require.Len(t, events, 2)
	require.Equal(t, uint64(1), events[0].Slot)
	require.Equal(t, uint64(2), events[1].Slot)
	require.Empty(t, p.Drain("addr1"))
}

func TestPendingBufferCapsPerKey(t *testing.T) {
	p := NewPendingBuffer(2)
	p.Add("addr1", PendingEvent{Slot: 1})
	p.Add("addr1", PendingEvent{Slot: 2})
	p.Add("addr1", PendingEvent{Slot: 3})
	events := p.Drain("addr1")
	require.Len(t, events, 2)
	require.Equal(t, uint64(2), events[0].Slot)
	require.Equal(t, uint64(3), events[1].Slot)
}

func TestDedupSetDetectsRepeats(t *testing.T) {
	d := NewDedupSet(0)
	require.False(t, d.SeenOrRecord("sig1", "Swap", 10))
	require.True(t, d.SeenOrRecord("sig1", "Swap", 10))
	require.False(t, d.SeenOrRecord("sig1", "Swap", 11))
}

func TestDedupSetEvictsOldestBeyondCapacity(t *testing.T) {
	d := NewDedupSet(2)
	d.SeenOrRecord("sig1", "Swap", 1)
	d.SeenOrRecord("sig2", "Swap", 2)
	d.SeenOrRecord("sig3", "Swap", 3) // evicts sig1
	require.Equal(t, 2, d.Len())
	require.False(t, d.SeenOrRecord("sig1", "Swap", 1))
}
