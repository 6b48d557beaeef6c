package config

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	kib = int64(1) << 10
	mib = kib << 10
	gib = mib << 10
)

func TestMemoryLimitBytes(t *testing.T) {
	cases := map[string]int64{
		"":          0,
		"0":         0,
		"unlimited": 0,
		"UNLIMITED": 0,
		"1024":      1024,
		"512KiB":    512 * kib,
		"256MiB":    256 * mib,
		"2GiB":      2 * gib,
		"  4gib ":   4 * gib,
		"2GB":       2_000_000_000,
		"1.5GiB":    gib + gib/2,
	}
	for in, want := range cases {
		got, err := RuntimeConfig{MemoryLimit: in}.MemoryLimitBytes()
		require.NoError(t, err, "MemoryLimitBytes(%q)", in)
		assert.Equal(t, want, got, "MemoryLimitBytes(%q)", in)
	}

	for _, in := range []string{"abc", "-1GB", "12 parsecs"} {
		_, err := RuntimeConfig{MemoryLimit: in}.MemoryLimitBytes()
		assert.Error(t, err, "MemoryLimitBytes(%q)", in)
	}
}

func TestRuntimeSettingsFromEnv(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	limit, err := cfg.Runtime.MemoryLimitBytes()
	require.NoError(t, err)
	assert.Zero(t, limit)
	assert.Equal(t, 100, cfg.Runtime.GCPercent)

	t.Setenv("EMBERGRAPH_MEMORY_LIMIT", "2GiB")
	t.Setenv("EMBERGRAPH_GC_PERCENT", "50")
	cfg = DefaultConfig()
	cfg.ApplyEnv()
	limit, err = cfg.Runtime.MemoryLimitBytes()
	require.NoError(t, err)
	assert.Equal(t, 2*gib, limit)
	assert.Equal(t, 50, cfg.Runtime.GCPercent)
	require.NoError(t, cfg.Validate())

	t.Setenv("EMBERGRAPH_MEMORY_LIMIT", "lots")
	cfg = DefaultConfig()
	cfg.ApplyEnv()
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory_limit")
}

func TestApplyRuntimeMemory(t *testing.T) {
	prevLimit := debug.SetMemoryLimit(-1)
	prevGC := debug.SetGCPercent(100)
	t.Cleanup(func() {
		debug.SetMemoryLimit(prevLimit)
		debug.SetGCPercent(prevGC)
	})

	// An unlimited default leaves the runtime limit alone.
	DefaultConfig().Runtime.ApplyRuntimeMemory()
	assert.Equal(t, prevLimit, debug.SetMemoryLimit(-1))

	RuntimeConfig{MemoryLimit: "1GiB", GCPercent: 50}.ApplyRuntimeMemory()
	assert.Equal(t, gib, debug.SetMemoryLimit(-1))
	assert.Equal(t, 50, debug.SetGCPercent(100))
}
