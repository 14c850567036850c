// Package metrics registers the Prometheus series every core component
// increments or observes, constructed once at startup and threaded by
// reference rather than reached through a package-level global.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the projection core touches.
type Metrics struct {
	EventsDispatched *prometheus.CounterVec
	EventsStale      prometheus.Counter
	EventsLate       *prometheus.CounterVec
	EventsDeduped    prometheus.Counter
	RuntimeWarnings  *prometheus.CounterVec
	CacheEvictions   *prometheus.CounterVec
	CacheSize        *prometheus.GaugeVec
	FramesEmitted    *prometheus.CounterVec
	BusDroppedFrames *prometheus.CounterVec
	BusSubscribers   *prometheus.GaugeVec
	ResolverCalls    *prometheus.CounterVec
	ResolverLatency  *prometheus.HistogramVec
	WireConnections  prometheus.Gauge
}

// New constructs and registers every collector against registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_events_dispatched_total",
			Help: "Upstream events handed to the dispatcher, by entity.",
		}, []string{"entity"}),
		EventsStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hyperstack_events_stale_total",
			Help: "Events dropped for arriving before last_applied_slot.",
		}),
		EventsLate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_events_late_total",
			Help: "Events dropped for arriving outside the reorder window.",
		}, []string{"reason"}),
		EventsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hyperstack_events_deduped_total",
			Help: "Events skipped as duplicates of an already-applied signature.",
		}),
		RuntimeWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_runtime_warnings_total",
			Help: "Non-fatal VM runtime warnings; the kind label holds the field the warning concerns (\"unknown\" if none).",
		}, []string{"kind"}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_cache_evictions_total",
			Help: "Entities evicted by per-view LRU caps, by view.",
		}, []string{"view"}),
		CacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hyperstack_cache_size",
			Help: "Current entries held per view.",
		}, []string{"view"}),
		FramesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_frames_emitted_total",
			Help: "Frames emitted by the projector, by op.",
		}, []string{"op"}),
		BusDroppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_bus_dropped_frames_total",
			Help: "Frames dropped from a subscriber queue on overflow, by view.",
		}, []string{"view"}),
		BusSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hyperstack_bus_subscribers",
			Help: "Active subscriber count, by view.",
		}, []string{"view"}),
		ResolverCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_resolver_calls_total",
			Help: "Resolver invocations, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ResolverLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hyperstack_resolver_latency_seconds",
			Help:    "Resolver call latency, by kind.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		WireConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hyperstack_wire_connections",
			Help: "Currently open WebSocket connections.",
		}),
	}

	registerer.MustRegister(
		m.EventsDispatched, m.EventsStale, m.EventsLate, m.EventsDeduped,
		m.RuntimeWarnings, m.CacheEvictions, m.CacheSize, m.FramesEmitted,
		m.BusDroppedFrames, m.BusSubscribers, m.ResolverCalls,
		m.ResolverLatency, m.WireConnections,
	)
	return m
}

// NewForTest builds a Metrics registered against a fresh registry so tests
// don't collide on the global default registerer.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
