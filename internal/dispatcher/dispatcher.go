// Package dispatcher multiplexes upstream events onto the projection core:
// it resolves each event's target entity instance, gates it against the
// slot-reorder window and the per-entity dedup set, runs the compiled
// program through the VM, folds the resulting mutations into the cache,
// and publishes the projector's frames onto the bus. Ordering within one
// (entity, key) partition is serialized by a per-partition mutex; distinct
// partitions proceed concurrently.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hypertekorg/hyperstack/internal/bus"
	"github.com/hypertekorg/hyperstack/internal/bytecode"
	"github.com/hypertekorg/hyperstack/internal/cache"
	herrors "github.com/hypertekorg/hyperstack/internal/errors"
	"github.com/hypertekorg/hyperstack/internal/ir"
	"github.com/hypertekorg/hyperstack/internal/logging"
	"github.com/hypertekorg/hyperstack/internal/metrics"
	"github.com/hypertekorg/hyperstack/internal/projector"
	"github.com/hypertekorg/hyperstack/internal/resolver"
	"github.com/hypertekorg/hyperstack/internal/vm"
)

// Event is one upstream record: a decoded account or instruction payload at
// a given slot. Address is the account this event most directly concerns —
// the upstream feed already knows which account an instruction targets, so
// the dispatcher takes it as given rather than reconstructing it from a
// nested payload path.
type Event struct {
	SourceID  string
	Slot      uint64
	Timestamp int64
	Signature string
	Address   string
	Payload   map[string]any
}

// Config controls the dispatcher's ordering and dedup tolerances, sourced
// from config.RuntimeConfig.
type Config struct {
	SlotReorderWindow uint64
	DedupWindowSize   int
}

// pkInfo is the precomputed shape of one entity's primary key, derived
// from the compiler's LookupBindings.
type pkInfo struct {
	direct       bool
	directSource string
	refs         []bytecode.LookupBinding
}

// Dispatcher is the C10 component tying the VM, cache, projector, bus, and
// resolver pool together into one event-processing pipeline. It implements
// internal/system.Service: Start/Stop own the background goroutine that
// folds resolver results back into the cache.
type Dispatcher struct {
	compiled *bytecode.CompiledProgram
	store    *cache.Store
	lookup   *cache.LookupIndex
	pending  *cache.PendingBuffer
	proj     *projector.Projector
	bus      *bus.Bus
	resolve  *resolver.Pool
	log      *logging.Logger
	metrics  *metrics.Metrics
	cfg      Config

	pk             map[string]pkInfo
	entitiesBySrc  map[string][]string
	dedupSets      map[string]*cache.DedupSet
	dedupMu        sync.Mutex
	highWatermark  map[string]uint64
	wmMu           sync.Mutex
	partitionLocks map[string]*sync.Mutex
	plocksMu       sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Dispatcher from a compiled spec and its supporting
// services. resolve may be nil if the spec has no resolve(...) mappings.
func New(compiled *bytecode.CompiledProgram, store *cache.Store, lookup *cache.LookupIndex, pending *cache.PendingBuffer, proj *projector.Projector, b *bus.Bus, resolve *resolver.Pool, log *logging.Logger, m *metrics.Metrics, cfg Config) *Dispatcher {
	d := &Dispatcher{
		compiled:       compiled,
		store:          store,
		lookup:         lookup,
		pending:        pending,
		proj:           proj,
		bus:            b,
		resolve:        resolve,
		log:            log,
		metrics:        m,
		cfg:            cfg,
		pk:             make(map[string]pkInfo),
		entitiesBySrc:  make(map[string][]string),
		dedupSets:      make(map[string]*cache.DedupSet),
		highWatermark:  make(map[string]uint64),
		partitionLocks: make(map[string]*sync.Mutex),
	}
	d.indexLookupBindings()
	d.indexEntitySources()
	return d
}

func (d *Dispatcher) indexLookupBindings() {
	byEntity := make(map[string][]bytecode.LookupBinding)
	for _, b := range d.compiled.LookupBindings {
		byEntity[b.Entity] = append(byEntity[b.Entity], b)
	}
	for entity, bindings := range byEntity {
		info := pkInfo{}
		for _, b := range bindings {
			if b.FieldPath == "" {
				info.direct = true
				info.directSource = b.Source
				continue
			}
			info.refs = append(info.refs, b)
		}
		d.pk[entity] = info
	}
}

// indexEntitySources builds, for every source id, the set of entities that
// either run a compiled program against it or derive part of their primary
// key from it — the full set of entities a given event can possibly touch.
func (d *Dispatcher) indexEntitySources() {
	seen := make(map[string]map[string]bool)
	add := func(source, entity string) {
		if seen[source] == nil {
			seen[source] = make(map[string]bool)
		}
		if seen[source][entity] {
			return
		}
		seen[source][entity] = true
		d.entitiesBySrc[source] = append(d.entitiesBySrc[source], entity)
	}
	for _, p := range d.compiled.Programs {
		add(p.Source, p.Entity)
	}
	for _, b := range d.compiled.LookupBindings {
		add(b.Source, b.Entity)
	}
}

func (d *Dispatcher) Name() string { return "dispatcher" }

// Start launches the goroutine that drains the resolver pool's results and
// folds them back into the cache as field mutations.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.resolve == nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.drainResolverResults(runCtx)
	}()
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	return nil
}

// Dispatch routes one upstream event to every entity it can possibly
// affect: entities whose compiled program reacts to this source, and
// entities whose composite primary key draws a component from it.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	for _, entity := range d.entitiesBySrc[ev.SourceID] {
		d.dispatchEntity(ctx, entity, ev)
	}
}

func (d *Dispatcher) dispatchEntity(ctx context.Context, entity string, ev Event) {
	key, ok, bufferAddr := d.resolveKey(entity, ev)
	if !ok {
		if bufferAddr != "" && d.pending != nil {
			d.pending.Add(bufferAddr, cache.PendingEvent{Entity: entity, Source: ev.SourceID, Slot: ev.Slot, Payload: ev.Payload})
		}
		return
	}

	prog, hasProg := d.compiled.ProgramFor(entity, ev.SourceID)
	if !hasProg {
		return
	}

	d.applyProgram(ctx, entity, key, prog, ev)
}

// resolveKey determines the (entity, key) instance an event targets. For a
// direct-address entity, its own creation source supplies the key
// outright; any other source addressing it by account must already be
// bound in the lookup index, or the event is parked in the pending buffer
// under that address. For a composite entity, every ref sharing this
// event's source contributes its field to the key; a partial match falls
// back to the lookup index the same way.
func (d *Dispatcher) resolveKey(entity string, ev Event) (key string, ok bool, bufferAddr string) {
	info, known := d.pk[entity]
	if !known {
		return "", false, ""
	}

	if info.direct {
		if ev.SourceID == info.directSource {
			return ev.Address, true, ""
		}
		if e, k, found := d.lookup.Resolve(ev.Address); found && e == entity {
			return k, true, ""
		}
		return "", false, ev.Address
	}

	var parts []string
	matched := 0
	for _, ref := range info.refs {
		if ref.Source != ev.SourceID {
			continue
		}
		matched++
		parts = append(parts, fmt.Sprint(lookupPath(ev.Payload, ref.FieldPath)))
	}
	if matched > 0 && matched == len(info.refs) {
		key = strings.Join(parts, ":")
		if ev.Address != "" {
			d.lookup.Bind(ev.Address, entity, key)
		}
		return key, true, ""
	}
	if e, k, found := d.lookup.Resolve(ev.Address); found && e == entity {
		return k, true, ""
	}
	return "", false, ev.Address
}

// applyProgram runs prog against the event under the partition lock for
// (entity, key): dedup, reorder-window, VM execution, mutation
// application, resolver submission, and frame publication. Draining any
// pending events a fresh bind unblocks happens after the lock is released,
// since the drained events may recurse back into this same partition.
func (d *Dispatcher) applyProgram(ctx context.Context, entity, key string, prog *bytecode.Program, ev Event) {
	drainAddr := d.applyProgramLocked(ctx, entity, key, prog, ev)
	if drainAddr != "" {
		d.drainPending(ctx, drainAddr)
	}
}

func (d *Dispatcher) applyProgramLocked(ctx context.Context, entity, key string, prog *bytecode.Program, ev Event) (drainAddr string) {
	pl := d.partitionLock(entity, key)
	pl.Lock()
	defer pl.Unlock()

	inst, created := d.store.GetOrCreate(entity, key)
	if created {
		if info := d.pk[entity]; info.direct && ev.SourceID == info.directSource && ev.Address != "" {
			d.lookup.Bind(ev.Address, entity, key)
			drainAddr = ev.Address
		}
	}

	if d.metrics != nil {
		d.metrics.EventsDispatched.WithLabelValues(entity).Inc()
	}
	if d.log != nil {
		d.log.LogEventDispatch(ctx, ev.SourceID, ev.Slot, entity)
	}

	if ev.Signature != "" {
		dedup := d.dedupFor(entity)
		if dedup.SeenOrRecord(ev.Signature, ev.SourceID, ev.Slot) {
			if d.metrics != nil {
				d.metrics.EventsDeduped.Inc()
			}
			if d.log != nil {
				d.log.LogRuntimeWarning(ctx, "deduplicated", entity, key, herrors.Deduplicated(ev.Signature))
			}
			return
		}
	}

	hw := d.advanceWatermark(entity, ev.Slot)
	if d.cfg.SlotReorderWindow > 0 && hw > ev.Slot && hw-ev.Slot > d.cfg.SlotReorderWindow {
		if d.metrics != nil {
			d.metrics.EventsLate.WithLabelValues("reorder_window").Inc()
		}
		if d.log != nil {
			d.log.LogRuntimeWarning(ctx, "late", entity, key, herrors.Late(entity, key, ev.Slot, hw-d.cfg.SlotReorderWindow))
		}
		return
	}

	evCtx := vm.EventContext{Slot: ev.Slot, Timestamp: ev.Timestamp}

	if prog.Delete {
		d.store.Delete(entity, key)
		for _, frame := range d.proj.Delete(entity, key, evCtx) {
			d.bus.Publish(frame)
		}
		return
	}

	result := vm.Run(prog, d.compiled.Constants, evCtx, inst.LastAppliedSlot, ev.Payload, inst)
	if result.Stale {
		if d.metrics != nil {
			d.metrics.EventsStale.Inc()
		}
		if d.log != nil {
			d.log.LogRuntimeWarning(ctx, "stale", entity, key, herrors.Stale(entity, key, ev.Slot, inst.LastAppliedSlot))
		}
		return
	}

	for _, w := range result.Warnings {
		label := w.Field
		if label == "" {
			label = "unknown"
		}
		if d.metrics != nil {
			d.metrics.RuntimeWarnings.WithLabelValues(label).Inc()
		}
		if d.log != nil {
			d.log.LogRuntimeWarning(ctx, "runtime_warning", entity, key, fmt.Errorf("%s: %s", w.Field, w.Message))
		}
	}

	changes := d.applyAndDiff(inst, ev.Slot, result.Mutations)

	for _, m := range result.Mutations {
		if m.Kind != vm.MutationResolve || d.resolve == nil {
			continue
		}
		d.resolve.Submit(ctx, resolver.Request{
			Entity: entity, Key: key, FieldID: m.FieldID, Field: m.Field,
			Slot: ev.Slot, Spec: m.Resolver, Input: m.Value,
		})
	}

	delta := projector.Delta{
		Entity: entity, Key: key, Created: created,
		Changes: changes, Ctx: evCtx,
	}
	for _, frame := range d.proj.Apply(delta) {
		d.bus.Publish(frame)
	}
}

// fieldTrack accumulates one field's before/after state across a single
// dispatch call, so changes that a merge strategy rejected (set_once
// already set, if_greater losing) don't surface as no-op frames.
type fieldTrack struct {
	fieldID   int
	name      string
	isEvent   bool
	appended  []any
	before    any
	hadBefore bool
}

// applyAndDiff applies muts to inst and returns only the field changes that
// actually took effect, shaped for the projector.
func (d *Dispatcher) applyAndDiff(inst *cache.Instance, slot uint64, muts []vm.Mutation) []projector.FieldChange {
	var order []int
	tracked := make(map[int]*fieldTrack)

	for _, m := range muts {
		if m.Kind == vm.MutationResolve {
			continue
		}
		t, ok := tracked[m.FieldID]
		if !ok {
			before, hadBefore := inst.GetField(m.FieldID)
			t = &fieldTrack{fieldID: m.FieldID, name: m.Field, before: before, hadBefore: hadBefore}
			tracked[m.FieldID] = t
			order = append(order, m.FieldID)
		}
		if m.Kind == vm.MutationEvent {
			t.isEvent = true
			t.appended = append(t.appended, m.Value)
		}
	}

	inst.ApplyMutations(slot, muts)

	changes := make([]projector.FieldChange, 0, len(order))
	for _, fid := range order {
		t := tracked[fid]
		if t.isEvent {
			changes = append(changes, projector.FieldChange{FieldID: fid, Name: t.name, Appended: t.appended})
			continue
		}
		after, hadAfter := inst.GetField(fid)
		if hadAfter == t.hadBefore && equalAny(after, t.before) {
			continue
		}
		changes = append(changes, projector.FieldChange{FieldID: fid, Name: t.name, Value: after})
	}
	return changes
}

// drainPending replays every event buffered under address now that it has
// resolved to an instance, routing each back through dispatchEntity.
func (d *Dispatcher) drainPending(ctx context.Context, address string) {
	if d.pending == nil {
		return
	}
	for _, pe := range d.pending.Drain(address) {
		d.replayPending(ctx, pe, address)
	}
}

func (d *Dispatcher) replayPending(ctx context.Context, pe cache.PendingEvent, address string) {
	d.dispatchEntity(ctx, pe.Entity, Event{
		SourceID: pe.Source,
		Slot:     pe.Slot,
		Address:  address,
		Payload:  pe.Payload,
	})
}

func (d *Dispatcher) dedupFor(entity string) *cache.DedupSet {
	d.dedupMu.Lock()
	defer d.dedupMu.Unlock()
	ds, ok := d.dedupSets[entity]
	if !ok {
		ds = cache.NewDedupSet(d.cfg.DedupWindowSize)
		d.dedupSets[entity] = ds
	}
	return ds
}

func (d *Dispatcher) advanceWatermark(entity string, slot uint64) uint64 {
	d.wmMu.Lock()
	defer d.wmMu.Unlock()
	hw := d.highWatermark[entity]
	if slot > hw {
		d.highWatermark[entity] = slot
		return slot
	}
	return hw
}

func (d *Dispatcher) partitionLock(entity, key string) *sync.Mutex {
	k := entity + "\x00" + key
	d.plocksMu.Lock()
	defer d.plocksMu.Unlock()
	pl, ok := d.partitionLocks[k]
	if !ok {
		pl = &sync.Mutex{}
		d.partitionLocks[k] = pl
	}
	return pl
}

// drainResolverResults folds settled resolve(...) calls back into the
// cache as a single overwrite mutation on the field that requested them,
// per the ResolverResult(null) injection rule on timeout/rejection.
func (d *Dispatcher) drainResolverResults(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-d.resolve.Results():
			if !ok {
				return
			}
			d.applyResolverResult(res)
		}
	}
}

func (d *Dispatcher) applyResolverResult(res resolver.Result) {
	req := res.Request
	pl := d.partitionLock(req.Entity, req.Key)
	pl.Lock()
	defer pl.Unlock()

	inst, ok := d.store.Get(req.Entity, req.Key)
	if !ok {
		return
	}

	value := res.Value
	if res.Outcome != resolver.OutcomeOK {
		value = nil
	}

	before, hadBefore := inst.GetField(req.FieldID)
	mutation := vm.Mutation{Kind: vm.MutationField, FieldID: req.FieldID, Field: req.Field, Value: value, Strategy: ir.StrategyOverwrite}
	inst.ApplyMutations(req.Slot, []vm.Mutation{mutation})
	after, hadAfter := inst.GetField(req.FieldID)
	if hadAfter == hadBefore && equalAny(before, after) {
		return
	}

	delta := projector.Delta{
		Entity:  req.Entity,
		Key:     req.Key,
		Changes: []projector.FieldChange{{FieldID: req.FieldID, Name: req.Field, Value: after}},
		Ctx:     vm.EventContext{Slot: req.Slot},
	}
	for _, frame := range d.proj.Apply(delta) {
		d.bus.Publish(frame)
	}
}

func lookupPath(payload map[string]any, path string) any {
	if path == "" {
		return payload
	}
	cur := any(payload)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

func equalAny(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := asComparableFloat(a)
	bf, bok := asComparableFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func asComparableFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case float64:
		return t, true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}
