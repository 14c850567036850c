// Package engine is the composition root: it loads a spec, compiles it, and
// wires every core component (cache, projector, bus, resolver pool,
// dispatcher, wire server) into one internal/system.Manager-managed unit.
package engine

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hypertekorg/hyperstack/internal/bus"
	"github.com/hypertekorg/hyperstack/internal/bytecode"
	"github.com/hypertekorg/hyperstack/internal/cache"
	"github.com/hypertekorg/hyperstack/internal/compiler"
	"github.com/hypertekorg/hyperstack/internal/config"
	"github.com/hypertekorg/hyperstack/internal/dispatcher"
	"github.com/hypertekorg/hyperstack/internal/ir"
	"github.com/hypertekorg/hyperstack/internal/logging"
	"github.com/hypertekorg/hyperstack/internal/metrics"
	"github.com/hypertekorg/hyperstack/internal/projector"
	"github.com/hypertekorg/hyperstack/internal/resolver"
	"github.com/hypertekorg/hyperstack/internal/specload"
	"github.com/hypertekorg/hyperstack/internal/system"
	"github.com/hypertekorg/hyperstack/internal/wire"
	"github.com/hypertekorg/hyperstack/internal/wireserver"
)

// Option customizes engine construction.
type Option func(*builderConfig)

type builderConfig struct {
	specDir    string
	spec       *ir.Spec
	runtime    config.RuntimeConfig
	runtimeSet bool
	fetcher    resolver.AddressFetcher
	registerer prometheus.Registerer
}

// WithSpecDir points the spec loader at a project's .hyperstack directory
// (one <Entity>.ast.json per entity). Ignored if WithSpec is also given.
func WithSpecDir(dir string) Option {
	return func(b *builderConfig) { b.specDir = dir }
}

// WithSpec supplies an already-loaded and validated spec directly, skipping
// specload entirely. Tests use this to avoid writing AST files to disk.
func WithSpec(spec *ir.Spec) Option {
	return func(b *builderConfig) { b.spec = spec }
}

// WithRuntimeConfig overrides the runtime configuration used to size and
// tune every component. When omitted, config.Default() applies.
func WithRuntimeConfig(cfg config.RuntimeConfig) Option {
	return func(b *builderConfig) {
		b.runtime = cfg
		b.runtimeSet = true
	}
}

// WithAddressFetcher supplies the resolve(address, kind) side-effect
// implementation. Nil is fine for specs with no such mapping.
func WithAddressFetcher(f resolver.AddressFetcher) Option {
	return func(b *builderConfig) { b.fetcher = f }
}

// WithRegisterer overrides the Prometheus registerer metrics are collected
// against. Defaults to the global default registerer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(b *builderConfig) { b.registerer = r }
}

// Engine owns every core component for one compiled spec and their shared
// lifecycle.
type Engine struct {
	manager *system.Manager
	log     *logging.Logger
	Metrics *metrics.Metrics

	Compiled   *bytecode.CompiledProgram
	Store      *cache.Store
	Lookup     *cache.LookupIndex
	Pending    *cache.PendingBuffer
	Projector  *projector.Projector
	Bus        *bus.Bus
	Resolver   *resolver.Pool
	Dispatcher *dispatcher.Dispatcher
	Wire       *wireserver.Server
}

// New loads (or accepts) a spec, compiles it, and builds every component
// wired to the resolved runtime configuration, registering each
// system.Service with an internal manager in dependency order: resolver
// pool first (the dispatcher may submit to it immediately), then the
// dispatcher, then the wire server last (so it never accepts a connection
// before the pipeline behind it is live).
func New(log *logging.Logger, opts ...Option) (*Engine, error) {
	b := resolveOptions(opts...)
	if log == nil {
		log = logging.New(logging.Config{Level: b.runtime.LogLevel, Format: b.runtime.LogFormat, Component: "engine"})
	}

	spec := b.spec
	if spec == nil {
		if b.specDir == "" {
			return nil, fmt.Errorf("engine: no spec supplied (use WithSpec or WithSpecDir)")
		}
		loaded, err := specload.LoadDir(b.specDir)
		if err != nil {
			return nil, fmt.Errorf("load spec: %w", err)
		}
		spec = loaded
	}

	compiled, err := compiler.Compile(spec)
	if err != nil {
		return nil, fmt.Errorf("compile spec: %w", err)
	}

	m := metrics.New(b.registerer)

	fieldCount := make(map[string]int, len(spec.Entities))
	fieldNames := make(map[string][]string, len(spec.Entities))
	for _, ent := range spec.Entities {
		fieldCount[ent.Name] = len(ent.Fields)
		names := make([]string, len(ent.Fields))
		for i, f := range ent.Fields {
			names[i] = f.Name
		}
		fieldNames[ent.Name] = names
	}

	store := cache.NewStore(fieldCount, b.runtime.MaxEntriesPerView)
	lookup := cache.NewLookupIndex()
	pending := cache.NewPendingBuffer(0)
	proj := projector.New(compiled.ProjectionPlans)
	busv := bus.New(b.runtime.BackpressureQueueSize, 0)

	busv.OnDrop(func(view string) { m.BusDroppedFrames.WithLabelValues(view).Inc() })
	busv.OnSubscribe(func(view string, delta int) { m.BusSubscribers.WithLabelValues(view).Add(float64(delta)) })

	resolverPool := resolver.New(resolver.Config{
		Concurrency: b.runtime.ResolverConcurrency,
		Timeout:     b.runtime.ResolverTimeout(),
	}, b.fetcher, log, m)

	disp := dispatcher.New(compiled, store, lookup, pending, proj, busv, resolverPool, log, m, dispatcher.Config{
		SlotReorderWindow: b.runtime.SlotReorderWindow,
		DedupWindowSize:   b.runtime.DedupWindowSize,
	})

	snap := newSnapshotAdapter(store, proj, fieldNames)
	wsrv := wireserver.New(wireserver.Config{
		ListenAddr:                b.runtime.ListenAddr,
		PingInterval:              b.runtime.PingInterval(),
		PongTimeout:               b.runtime.PongTimeout(),
		SnapshotBatchSize:         b.runtime.SnapshotBatchSize,
		CompressionThresholdBytes: b.runtime.CompressionThresholdBytes,
		BackpressureQueueSize:     b.runtime.BackpressureQueueSize,
	}, busv, snap, log, m)

	store.OnEvict(func(entity string, inst *cache.Instance) {
		lookup.Unbind(inst.Key)
		m.CacheEvictions.WithLabelValues(entity + "/state").Inc()
		busv.Publish(wire.Frame{Op: wire.OpDelete, Entity: entity + "/state", Key: inst.Key})
	})

	manager := system.NewManager()
	for _, svc := range []system.Service{resolverPool, disp, wsrv} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Engine{
		manager:    manager,
		log:        log,
		Metrics:    m,
		Compiled:   compiled,
		Store:      store,
		Lookup:     lookup,
		Pending:    pending,
		Projector:  proj,
		Bus:        busv,
		Resolver:   resolverPool,
		Dispatcher: disp,
		Wire:       wsrv,
	}, nil
}

// Start starts every registered component in dependency order.
func (e *Engine) Start(ctx context.Context) error { return e.manager.Start(ctx) }

// Stop stops every registered component in reverse order.
func (e *Engine) Stop(ctx context.Context) error { return e.manager.Stop(ctx) }

// Dispatch hands one upstream event to the dispatcher.
func (e *Engine) Dispatch(ctx context.Context, ev dispatcher.Event) { e.Dispatcher.Dispatch(ctx, ev) }

func resolveOptions(opts ...Option) builderConfig {
	cfg := builderConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if !cfg.runtimeSet {
		cfg.runtime = config.FromEnv(&config.OSEnvironment{})
	}
	if cfg.registerer == nil {
		cfg.registerer = prometheus.DefaultRegisterer
	}
	return cfg
}
