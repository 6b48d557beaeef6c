package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/embergraph/pkg/storage"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "embergraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "pessimistic", cfg.Transactions.Mode)
	assert.Equal(t, 30*time.Second, cfg.Transactions.Timeout)
	assert.Equal(t, 5, cfg.Transactions.MaxRetries)

	pairs, err := cfg.Index.Schema()
	require.NoError(t, err)
	assert.Equal(t, []storage.IndexPair{
		{Label: "User", Property: "name"},
		{Label: "User", Property: "age"},
	}, pairs)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
storage:
  backend: badger
  data_dir: /var/lib/embergraph
  sync_writes: true
cache:
  node_capacity: 50
  ttl: 1m
transactions:
  mode: optimistic
  max_retries: 2
index:
  pairs: [Product.sku]
logging:
  format: json
`)
	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFile(path))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/embergraph", cfg.Storage.DataDir)
	assert.True(t, cfg.Storage.SyncWrites)
	assert.Equal(t, 50, cfg.Cache.NodeCapacity)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "optimistic", cfg.Transactions.Mode)
	assert.Equal(t, 2, cfg.Transactions.MaxRetries)
	assert.Equal(t, []string{"Product.sku"}, cfg.Index.Pairs)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Absent keys keep their defaults.
	assert.Equal(t, 10000, cfg.Cache.AdjacencyCapacity)
	assert.Equal(t, 30*time.Second, cfg.Transactions.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		err := DefaultConfig().LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("unknown key", func(t *testing.T) {
		path := writeFile(t, "storage:\n  engine: rocks\n")
		assert.Error(t, DefaultConfig().LoadFile(path))
	})

	t.Run("bad duration", func(t *testing.T) {
		path := writeFile(t, "transactions:\n  timeout: soon\n")
		assert.Error(t, DefaultConfig().LoadFile(path))
	})

	t.Run("empty file keeps defaults", func(t *testing.T) {
		path := writeFile(t, "")
		cfg := DefaultConfig()
		require.NoError(t, cfg.LoadFile(path))
		assert.Equal(t, DefaultConfig(), cfg)
	})
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("EMBERGRAPH_BACKEND", "badger")
	t.Setenv("EMBERGRAPH_DATA_DIR", "/tmp/eg")
	t.Setenv("EMBERGRAPH_SYNC_WRITES", "true")
	t.Setenv("EMBERGRAPH_CACHE_PLANS", "0")
	t.Setenv("EMBERGRAPH_TX_MODE", "OPTIMISTIC")
	t.Setenv("EMBERGRAPH_TX_TIMEOUT", "10s")
	t.Setenv("EMBERGRAPH_LOCK_WAIT_TIMEOUT", "250ms")
	t.Setenv("EMBERGRAPH_INDEX_PAIRS", " User.email , ,Post.slug")
	t.Setenv("EMBERGRAPH_ASYNC_WORKERS", "not-a-number")
	t.Setenv("EMBERGRAPH_LOW_MEMORY", "sometimes")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, "/tmp/eg", cfg.Storage.DataDir)
	assert.True(t, cfg.Storage.SyncWrites)
	assert.Equal(t, 0, cfg.Cache.PlanCapacity)
	assert.Equal(t, "optimistic", cfg.Transactions.Mode)
	assert.Equal(t, 10*time.Second, cfg.Transactions.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Transactions.LockWaitTimeout)
	assert.Equal(t, []string{"User.email", "Post.slug"}, cfg.Index.Pairs)
	assert.Equal(t, 8, cfg.Async.Workers, "unparsable values keep the current value")
	assert.False(t, cfg.Storage.LowMemory)
}

func TestLoadAppliesFileThenEnv(t *testing.T) {
	path := writeFile(t, "transactions:\n  mode: optimistic\n  max_retries: 1\n")
	t.Setenv("EMBERGRAPH_MAX_RETRIES", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "optimistic", cfg.Transactions.Mode)
	assert.Equal(t, 9, cfg.Transactions.MaxRetries)

	t.Setenv("EMBERGRAPH_TX_MODE", "eventual")
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transactions.mode must be one of [pessimistic optimistic] (got: eventual)")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		msg    string
	}{
		{"bad backend", func(c *Config) { c.Storage.Backend = "rocks" }, "storage.backend must be one of [memory badger]"},
		{"badger needs dir", func(c *Config) { c.Storage.Backend, c.Storage.DataDir = "badger", "" }, "storage.data_dir is required"},
		{"negative capacity", func(c *Config) { c.Cache.IndexCapacity = -1 }, "cache.index_capacity must be at least 0"},
		{"too many retries", func(c *Config) { c.Transactions.MaxRetries = 1000 }, "transactions.max_retries must be at most 100"},
		{"no workers", func(c *Config) { c.Async.Workers = 0 }, "async.workers must be at least 1"},
		{"bad pair", func(c *Config) { c.Index.Pairs = []string{"User"} }, "index.pairs[0] must be of the form Label.property"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level must be one of"},
		{"lock wait exceeds timeout", func(c *Config) { c.Transactions.LockWaitTimeout = time.Hour }, "lock_wait_timeout must not exceed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "configuration validation failed")
			assert.Contains(t, err.Error(), tt.msg)
		})
	}

	t.Run("memory backend ignores data dir", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = ""
		assert.NoError(t, cfg.Validate())
	})

	t.Run("every problem is reported", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Storage.Backend = "rocks"
		cfg.Async.Workers = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "storage.backend")
		assert.Contains(t, err.Error(), "async.workers")
	})

	t.Run("nil config", func(t *testing.T) {
		var cfg *Config
		assert.Error(t, cfg.Validate())
	})
}

func TestParseIndexPair(t *testing.T) {
	p, err := ParseIndexPair(" Product.sku ")
	require.NoError(t, err)
	assert.Equal(t, storage.IndexPair{Label: "Product", Property: "sku"}, p)

	for _, bad := range []string{"", "User", ".name", "User.", "a.b.c"} {
		_, err := ParseIndexPair(bad)
		assert.ErrorIs(t, err, storage.ErrValidation, bad)
	}
}

func TestNewLogger(t *testing.T) {
	l, err := LoggingConfig{Level: "debug", Format: "json"}.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)

	_, err = LoggingConfig{Level: "loud"}.NewLogger()
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Backend = "badger"
	s := cfg.String()
	assert.Contains(t, s, "badger:./data")
	assert.Contains(t, s, "User.name, User.age")
	assert.Contains(t, s, "pessimistic")
}

func TestIndexPairValidation(t *testing.T) {
	require.NotPanics(t, func() { newValidator() })

	cfg := DefaultConfig()
	cfg.Index.Pairs = []string{"User.name", "nodot", "A.b.c"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index.pairs[1] must be of the form Label.property (got: nodot)")
	assert.Contains(t, err.Error(), "index.pairs[2] must be of the form Label.property (got: A.b.c)")
}
