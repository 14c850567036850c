package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecTable(t *testing.T) {
	cfg := Default()
	require.Equal(t, 10_000, cfg.MaxEntriesPerView)
	require.Equal(t, 500, cfg.SnapshotBatchSize)
	require.Equal(t, 8192, cfg.CompressionThresholdBytes)
	require.Equal(t, 256, cfg.BackpressureQueueSize)
	require.Equal(t, uint64(256), cfg.SlotReorderWindow)
	require.Equal(t, 10_000, cfg.ResolverTimeoutMillis)
}

func TestFromEnvOverridesDefaults(t *testing.T) {
	env := MapEnvironment{
		"HYPERSTACK_MAX_ENTRIES_PER_VIEW": "500",
		"HYPERSTACK_SLOT_REORDER_WINDOW":  "32",
		"LOG_LEVEL":                       "debug",
	}
	cfg := FromEnv(env)
	require.Equal(t, 500, cfg.MaxEntriesPerView)
	require.Equal(t, uint64(32), cfg.SlotReorderWindow)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 500, cfg.SnapshotBatchSize) // untouched default
}

func TestFromEnvOverridesControlAddr(t *testing.T) {
	cfg := FromEnv(MapEnvironment{})
	require.Equal(t, "0.0.0.0:9090", cfg.ControlAddr)

	cfg = FromEnv(MapEnvironment{"HYPERSTACK_CONTROL_ADDR": "127.0.0.1:9999"})
	require.Equal(t, "127.0.0.1:9999", cfg.ControlAddr)
}

func TestFromEnvIgnoresUnparsable(t *testing.T) {
	env := MapEnvironment{"HYPERSTACK_MAX_ENTRIES_PER_VIEW": "not-a-number"}
	cfg := FromEnv(env)
	require.Equal(t, 10_000, cfg.MaxEntriesPerView)
}
