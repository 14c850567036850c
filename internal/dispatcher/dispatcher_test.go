package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hypertekorg/hyperstack/internal/bus"
	"github.com/hypertekorg/hyperstack/internal/cache"
	"github.com/hypertekorg/hyperstack/internal/compiler"
	"github.com/hypertekorg/hyperstack/internal/ir"
	"github.com/hypertekorg/hyperstack/internal/metrics"
	"github.com/hypertekorg/hyperstack/internal/projector"
	"github.com/hypertekorg/hyperstack/internal/wire"
)

func gameSpec() *ir.Spec {
	return &ir.Spec{
		Name: "test",
		Entities: []ir.Entity{
			{
				Name:       "Game",
				PrimaryKey: ir.PrimaryKeyDescriptor{Kind: ir.PKDirect, AddressSource: "account"},
				Fields: []ir.FieldDecl{
					{Name: "id", Type: ir.FieldInt},
					{Name: "score", Type: ir.FieldInt},
				},
				Mappings: []ir.Mapping{
					{Kind: ir.MappingFromAccount, TargetField: "id", Source: "account", FieldPath: "id", Strategy: ir.StrategyOverwrite},
					{Kind: ir.MappingFromAccount, TargetField: "score", Source: "account", FieldPath: "score", Strategy: ir.StrategyOverwrite},
				},
			},
		},
	}
}

func gameSpecWithEndGame() *ir.Spec {
	spec := gameSpec()
	spec.Entities[0].DeleteOn = []string{"end_game"}
	return spec
}

func newHarness(t *testing.T, spec *ir.Spec, cfg Config) (*Dispatcher, *bus.Bus, *cache.Store) {
	t.Helper()
	compiled, err := compiler.Compile(spec)
	require.NoError(t, err)

	fieldCount := map[string]int{}
	for _, e := range spec.Entities {
		fieldCount[e.Name] = len(e.Fields)
	}
	store := cache.NewStore(fieldCount, 0)
	lookup := cache.NewLookupIndex()
	pending := cache.NewPendingBuffer(0)
	proj := projector.New(compiled.ProjectionPlans)
	b := bus.New(16, 0)

	d := New(compiled, store, lookup, pending, proj, b, nil, nil, metrics.NewForTest(), cfg)
	return d, b, store
}

func recvFrame(t *testing.T, sub *bus.Subscription) wire.Frame {
	t.Helper()
	select {
	case f := <-sub.Frames():
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return wire.Frame{}
	}
}

func noFrame(t *testing.T, sub *bus.Subscription) {
	t.Helper()
	select {
	case f := <-sub.Frames():
		t.Fatalf("expected no frame, got %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchCreateThenPatch(t *testing.T) {
	d, b, _ := newHarness(t, gameSpec(), Config{SlotReorderWindow: 256, DedupWindowSize: 64})
	sub := b.Subscribe("s1", "Game/state", "")

	d.Dispatch(context.Background(), Event{
		SourceID: "account", Slot: 10, Address: "G1",
		Payload: map[string]any{"id": int64(1), "score": int64(0)},
	})
	created := recvFrame(t, sub)
	require.Equal(t, wire.OpCreate, created.Op)
	require.Equal(t, "G1", created.Key)
	require.Equal(t, map[string]any{"id": int64(1), "score": int64(0)}, created.Data)

	d.Dispatch(context.Background(), Event{
		SourceID: "account", Slot: 11, Address: "G1",
		Payload: map[string]any{"score": int64(5)},
	})
	patched := recvFrame(t, sub)
	require.Equal(t, wire.OpPatch, patched.Op)
	require.Equal(t, map[string]any{"score": int64(5)}, patched.Data)
}

func TestDispatchDeleteTriggerEmitsDeleteAndRemovesInstance(t *testing.T) {
	d, b, store := newHarness(t, gameSpecWithEndGame(), Config{SlotReorderWindow: 256, DedupWindowSize: 64})
	sub := b.Subscribe("s1", "Game/state", "")

	d.Dispatch(context.Background(), Event{
		SourceID: "account", Slot: 10, Address: "G1",
		Payload: map[string]any{"id": int64(1), "score": int64(0)},
	})
	require.Equal(t, wire.OpCreate, recvFrame(t, sub).Op)

	d.Dispatch(context.Background(), Event{
		SourceID: "account", Slot: 11, Address: "G1",
		Payload: map[string]any{"score": int64(5)},
	})
	require.Equal(t, wire.OpPatch, recvFrame(t, sub).Op)

	d.Dispatch(context.Background(), Event{
		SourceID: "account", Slot: 12, Address: "G1",
		Payload: map[string]any{"score": int64(8)},
	})
	require.Equal(t, wire.OpPatch, recvFrame(t, sub).Op)

	d.Dispatch(context.Background(), Event{SourceID: "end_game", Slot: 13, Address: "G1"})
	deleted := recvFrame(t, sub)
	require.Equal(t, wire.OpDelete, deleted.Op)
	require.Equal(t, "G1", deleted.Key)

	_, ok := store.Get("Game", "G1")
	require.False(t, ok, "deleted instance must no longer be in the cache")
}

func TestDispatchDedupDropsRepeatedSignature(t *testing.T) {
	d, b, _ := newHarness(t, gameSpec(), Config{SlotReorderWindow: 256, DedupWindowSize: 64})
	sub := b.Subscribe("s1", "Game/state", "")

	ev := Event{
		SourceID: "account", Slot: 10, Address: "G1", Signature: "sig-1",
		Payload: map[string]any{"id": int64(1), "score": int64(0)},
	}
	d.Dispatch(context.Background(), ev)
	recvFrame(t, sub) // the create frame

	d.Dispatch(context.Background(), ev)
	noFrame(t, sub)
}

func TestDispatchStaleEventDropsWithoutFrame(t *testing.T) {
	d, b, store := newHarness(t, gameSpec(), Config{SlotReorderWindow: 256, DedupWindowSize: 64})
	sub := b.Subscribe("s1", "Game/state", "")

	d.Dispatch(context.Background(), Event{
		SourceID: "account", Slot: 100, Address: "G1",
		Payload: map[string]any{"id": int64(1), "score": int64(0)},
	})
	recvFrame(t, sub)

	d.Dispatch(context.Background(), Event{
		SourceID: "account", Slot: 80, Address: "G1",
		Payload: map[string]any{"score": int64(99)},
	})
	noFrame(t, sub)

	inst, ok := store.Get("Game", "G1")
	require.True(t, ok)
	v, _ := inst.GetField(1)
	require.Equal(t, int64(0), v)
	require.Equal(t, uint64(100), inst.LastAppliedSlot)
}

func TestDispatchLateEventBeyondReorderWindowNeverReachesVM(t *testing.T) {
	d, b, store := newHarness(t, gameSpec(), Config{SlotReorderWindow: 5, DedupWindowSize: 64})
	sub := b.Subscribe("s1", "Game/state", "")

	d.Dispatch(context.Background(), Event{
		SourceID: "account", Slot: 100, Address: "G1",
		Payload: map[string]any{"id": int64(1), "score": int64(0)},
	})
	recvFrame(t, sub)

	d.Dispatch(context.Background(), Event{
		SourceID: "account", Slot: 80, Address: "G1",
		Payload: map[string]any{"score": int64(99)},
	})
	noFrame(t, sub)

	inst, ok := store.Get("Game", "G1")
	require.True(t, ok)
	require.Equal(t, uint64(100), inst.LastAppliedSlot)
}

func pendingBindSpec() *ir.Spec {
	return &ir.Spec{
		Name: "test",
		Entities: []ir.Entity{
			{
				Name: "Token",
				PrimaryKey: ir.PrimaryKeyDescriptor{
					Kind: ir.PKDirect, AddressSource: "mint",
				},
				Fields: []ir.FieldDecl{
					{Name: "name", Type: ir.FieldString},
					{Name: "volume", Type: ir.FieldInt},
				},
				Mappings: []ir.Mapping{
					{Kind: ir.MappingFromAccount, TargetField: "name", Source: "mint", FieldPath: "name", Strategy: ir.StrategyOverwrite},
					{Kind: ir.MappingAggregate, TargetField: "volume", Source: "transfer", FieldPath: "amount", AggOp: ir.AggSum},
				},
			},
		},
	}
}

func TestDispatchBuffersEventForUnboundAddressThenDrainsOnBind(t *testing.T) {
	d, b, store := newHarness(t, pendingBindSpec(), Config{SlotReorderWindow: 256, DedupWindowSize: 64})
	sub := b.Subscribe("s1", "Token/state", "")

	// A transfer at slot 6 reaches the dispatcher before the mint's own
	// creation event (slot 5, delayed in delivery): parked in the pending
	// buffer, keyed by address.
	d.Dispatch(context.Background(), Event{
		SourceID: "transfer", Slot: 6, Address: "M1",
		Payload: map[string]any{"amount": int64(10)},
	})
	noFrame(t, sub)

	// The mint's own creation event binds the address and drains the
	// buffered transfer.
	d.Dispatch(context.Background(), Event{
		SourceID: "mint", Slot: 5, Address: "M1",
		Payload: map[string]any{"name": "Wrapped SOL"},
	})
	create := recvFrame(t, sub)
	require.Equal(t, wire.OpCreate, create.Op)

	patch := recvFrame(t, sub)
	require.Equal(t, wire.OpPatch, patch.Op)
	require.Equal(t, map[string]any{"volume": int64(10)}, patch.Data)

	inst, ok := store.Get("Token", "M1")
	require.True(t, ok)
	v, _ := inst.GetField(1)
	require.Equal(t, int64(10), v)
}
