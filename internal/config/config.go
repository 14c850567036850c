// Package config resolves RuntimeConfig from the environment, mirroring
// the explicit-struct-plus-env-resolution layering the rest of the ambient
// stack uses instead of scattering os.Getenv through business logic.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment abstracts process environment lookup so config resolution is
// unit-testable without mutating real env vars.
type Environment interface {
	Lookup(key string) string
}

// OSEnvironment reads from the real process environment, loading a local
// .env file first (if present) the way local development expects.
type OSEnvironment struct{ loaded bool }

func (e *OSEnvironment) Lookup(key string) string {
	if !e.loaded {
		_ = godotenv.Load()
		e.loaded = true
	}
	return os.Getenv(key)
}

// MapEnvironment is a fake Environment backed by a map, used in tests.
type MapEnvironment map[string]string

func (e MapEnvironment) Lookup(key string) string { return e[key] }

// RuntimeConfig captures every environment-derived setting the projection
// core needs, resolved once at startup (§6's configuration table).
type RuntimeConfig struct {
	MaxEntriesPerView         int
	SnapshotBatchSize         int
	CompressionThresholdBytes int
	BackpressureQueueSize     int
	PingIntervalMillis        int
	PongTimeoutMillis         int
	SlotReorderWindow         uint64
	ResolverTimeoutMillis     int
	DedupWindowSize           int
	ResolverConcurrency       int
	ListenAddr                string
	ControlAddr               string
	LogLevel                  string
	LogFormat                 string
	MetricsEnabled            bool
}

// Default returns the configuration table's documented defaults.
func Default() RuntimeConfig {
	return RuntimeConfig{
		MaxEntriesPerView:         10_000,
		SnapshotBatchSize:         500,
		CompressionThresholdBytes: 8 * 1024,
		BackpressureQueueSize:     256,
		PingIntervalMillis:        15_000,
		PongTimeoutMillis:         30_000,
		SlotReorderWindow:         256,
		ResolverTimeoutMillis:     10_000,
		DedupWindowSize:           4096,
		ResolverConcurrency:       32,
		ListenAddr:                "0.0.0.0:8080",
		ControlAddr:               "0.0.0.0:9090",
		LogLevel:                  "info",
		LogFormat:                 "json",
		MetricsEnabled:            true,
	}
}

// FromEnv resolves RuntimeConfig from env, falling back to Default() for
// anything unset or unparsable.
func FromEnv(env Environment) RuntimeConfig {
	cfg := Default()

	cfg.MaxEntriesPerView = parseIntOrDefault(env.Lookup("HYPERSTACK_MAX_ENTRIES_PER_VIEW"), cfg.MaxEntriesPerView)
	cfg.SnapshotBatchSize = parseIntOrDefault(env.Lookup("HYPERSTACK_SNAPSHOT_BATCH_SIZE"), cfg.SnapshotBatchSize)
	cfg.CompressionThresholdBytes = parseIntOrDefault(env.Lookup("HYPERSTACK_COMPRESSION_THRESHOLD_BYTES"), cfg.CompressionThresholdBytes)
	cfg.BackpressureQueueSize = parseIntOrDefault(env.Lookup("HYPERSTACK_BACKPRESSURE_QUEUE_SIZE"), cfg.BackpressureQueueSize)
	cfg.PingIntervalMillis = parseIntOrDefault(env.Lookup("HYPERSTACK_PING_INTERVAL_MS"), cfg.PingIntervalMillis)
	cfg.PongTimeoutMillis = parseIntOrDefault(env.Lookup("HYPERSTACK_PONG_TIMEOUT_MS"), cfg.PongTimeoutMillis)
	cfg.SlotReorderWindow = uint64(parseIntOrDefault(env.Lookup("HYPERSTACK_SLOT_REORDER_WINDOW"), int(cfg.SlotReorderWindow)))
	cfg.ResolverTimeoutMillis = parseIntOrDefault(env.Lookup("HYPERSTACK_RESOLVER_TIMEOUT_MS"), cfg.ResolverTimeoutMillis)
	cfg.DedupWindowSize = parseIntOrDefault(env.Lookup("HYPERSTACK_DEDUP_WINDOW_SIZE"), cfg.DedupWindowSize)
	cfg.ResolverConcurrency = parseIntOrDefault(env.Lookup("HYPERSTACK_RESOLVER_CONCURRENCY"), cfg.ResolverConcurrency)

	if addr := env.Lookup("HYPERSTACK_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if addr := env.Lookup("HYPERSTACK_CONTROL_ADDR"); addr != "" {
		cfg.ControlAddr = addr
	}
	if level := env.Lookup("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := env.Lookup("LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
	if v := env.Lookup("METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MetricsEnabled = b
		}
	}

	return cfg
}

// ResolverTimeout returns ResolverTimeoutMillis as a time.Duration.
func (c RuntimeConfig) ResolverTimeout() time.Duration {
	return time.Duration(c.ResolverTimeoutMillis) * time.Millisecond
}

// PingInterval returns PingIntervalMillis as a time.Duration.
func (c RuntimeConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMillis) * time.Millisecond
}

// PongTimeout returns PongTimeoutMillis as a time.Duration.
func (c RuntimeConfig) PongTimeout() time.Duration {
	return time.Duration(c.PongTimeoutMillis) * time.Millisecond
}

func parseIntOrDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
