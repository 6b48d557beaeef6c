// Package config handles embergraph configuration from YAML files and
// environment variables.
//
// Configuration starts from DefaultConfig(), is optionally overlaid by a
// YAML file with LoadFile, then by EMBERGRAPH_* environment variables with
// ApplyEnv, and is checked with Validate before use. Load does all four.
//
// Example Usage:
//
//	cfg, err := config.Load("embergraph.yaml")
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	fmt.Println(cfg)
//
// Example file:
//
//	storage:
//	  backend: badger
//	  data_dir: ./data
//	  gc_interval: 5m
//	cache:
//	  node_capacity: 50000
//	  ttl: 10m
//	transactions:
//	  mode: optimistic
//	  timeout: 30s
//	index:
//	  pairs: [User.name, User.age, Product.sku]
//	logging:
//	  level: debug
//	  format: json
//
// Environment Variables:
//   - EMBERGRAPH_BACKEND="memory" or "badger"
//   - EMBERGRAPH_DATA_DIR="./data"
//   - EMBERGRAPH_SYNC_WRITES=true
//   - EMBERGRAPH_GC_INTERVAL=5m
//   - EMBERGRAPH_LOW_MEMORY=true
//   - EMBERGRAPH_CACHE_NODES, EMBERGRAPH_CACHE_ADJACENCY,
//     EMBERGRAPH_CACHE_INDEX, EMBERGRAPH_CACHE_PLANS (entries, 0 disables)
//   - EMBERGRAPH_CACHE_TTL=10m
//   - EMBERGRAPH_TX_MODE="pessimistic" or "optimistic"
//   - EMBERGRAPH_TX_TIMEOUT=30s
//   - EMBERGRAPH_LOCK_WAIT_TIMEOUT=5s
//   - EMBERGRAPH_MAX_RETRIES=5
//   - EMBERGRAPH_INDEX_PAIRS="User.name,User.age"
//   - EMBERGRAPH_LOG_LEVEL=info
//   - EMBERGRAPH_LOG_FORMAT="text" or "json"
//   - EMBERGRAPH_ASYNC_WORKERS=8
//   - EMBERGRAPH_MEMORY_LIMIT=2GiB
//   - EMBERGRAPH_GC_PERCENT=100
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/embergraph/pkg/storage"
)

// Config holds all embergraph configuration.
//
// Configuration is organized into sections:
//   - Storage: backend selection and badger tuning
//   - Cache: capacities of the four cache tiers
//   - Transactions: concurrency mode, timeouts and retries
//   - Index: the indexed (label, property) pairs
//   - Logging: level and format
//   - Async: worker count of the async wrapper
//   - Runtime: Go runtime memory settings for the CLI process
type Config struct {
	Storage      StorageConfig     `yaml:"storage"`
	Cache        CacheConfig       `yaml:"cache"`
	Transactions TransactionConfig `yaml:"transactions"`
	Index        IndexConfig       `yaml:"index"`
	Logging      LoggingConfig     `yaml:"logging"`
	Async        AsyncConfig       `yaml:"async"`
	Runtime      RuntimeConfig     `yaml:"runtime"`
}

// StorageConfig selects and tunes the storage engine.
type StorageConfig struct {
	// Backend is "memory" or "badger"
	Backend string `yaml:"backend" validate:"oneof=memory badger"`
	// DataDir is the badger directory; required for the badger backend
	DataDir string `yaml:"data_dir" validate:"required_if=Backend badger"`
	// SyncWrites fsyncs every commit
	SyncWrites bool `yaml:"sync_writes"`
	// GCInterval between badger value-log GC runs (0 disables)
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
	// LowMemory shrinks badger's tables and caches
	LowMemory bool `yaml:"low_memory"`
}

// CacheConfig sizes the cache tiers. A capacity of 0 disables a tier.
type CacheConfig struct {
	NodeCapacity      int           `yaml:"node_capacity" validate:"gte=0"`
	AdjacencyCapacity int           `yaml:"adjacency_capacity" validate:"gte=0"`
	IndexCapacity     int           `yaml:"index_capacity" validate:"gte=0"`
	PlanCapacity      int           `yaml:"plan_capacity" validate:"gte=0"`
	TTL               time.Duration `yaml:"ttl" validate:"gte=0"`
}

// TransactionConfig holds concurrency control settings.
type TransactionConfig struct {
	// Mode is "pessimistic" (locking) or "optimistic" (validate at commit)
	Mode string `yaml:"mode" validate:"oneof=pessimistic optimistic"`
	// Timeout bounds a transaction's lifetime (0 means none)
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
	// LockWaitTimeout bounds a single lock wait (0 means the tx timeout)
	LockWaitTimeout time.Duration `yaml:"lock_wait_timeout" validate:"gte=0"`
	// MaxRetries for auto-commit operations on conflict or deadlock
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=100"`
}

// IndexConfig lists indexed pairs as "Label.property".
type IndexConfig struct {
	Pairs []string `yaml:"pairs" validate:"dive,indexpair"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// AsyncConfig sizes the async wrapper.
type AsyncConfig struct {
	// Workers bounds concurrently running async operations
	Workers int `yaml:"workers" validate:"gte=1,lte=4096"`
}

// RuntimeConfig holds Go runtime memory settings.
type RuntimeConfig struct {
	// MemoryLimit is a soft limit like "2GiB" ("0" or "unlimited" for none)
	MemoryLimit string `yaml:"memory_limit"`
	// GCPercent is the GOGC value
	GCPercent int `yaml:"gc_percent" validate:"gte=-1"`
}

// DefaultConfig returns the configuration used when nothing is set: an
// in-memory store, pessimistic transactions, and User.name and User.age
// indexed.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:    "memory",
			DataDir:    "./data",
			GCInterval: 5 * time.Minute,
		},
		Cache: CacheConfig{
			NodeCapacity:      10000,
			AdjacencyCapacity: 10000,
			IndexCapacity:     1000,
			PlanCapacity:      1000,
		},
		Transactions: TransactionConfig{
			Mode:            "pessimistic",
			Timeout:         30 * time.Second,
			LockWaitTimeout: 5 * time.Second,
			MaxRetries:      5,
		},
		Index: IndexConfig{
			Pairs: []string{"User.name", "User.age"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Async: AsyncConfig{
			Workers: 8,
		},
		Runtime: RuntimeConfig{
			MemoryLimit: "0",
			GCPercent:   100,
		},
	}
}

// Load returns DefaultConfig overlaid by the file at path (skipped when
// path is empty) and the environment, validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the
// file keep their current values; unknown keys are an error.
func (c *Config) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays EMBERGRAPH_* environment variables onto c. Unset or
// unparsable variables leave the current value.
func (c *Config) ApplyEnv() {
	envString("EMBERGRAPH_BACKEND", &c.Storage.Backend)
	envString("EMBERGRAPH_DATA_DIR", &c.Storage.DataDir)
	envBool("EMBERGRAPH_SYNC_WRITES", &c.Storage.SyncWrites)
	envDuration("EMBERGRAPH_GC_INTERVAL", &c.Storage.GCInterval)
	envBool("EMBERGRAPH_LOW_MEMORY", &c.Storage.LowMemory)

	envInt("EMBERGRAPH_CACHE_NODES", &c.Cache.NodeCapacity)
	envInt("EMBERGRAPH_CACHE_ADJACENCY", &c.Cache.AdjacencyCapacity)
	envInt("EMBERGRAPH_CACHE_INDEX", &c.Cache.IndexCapacity)
	envInt("EMBERGRAPH_CACHE_PLANS", &c.Cache.PlanCapacity)
	envDuration("EMBERGRAPH_CACHE_TTL", &c.Cache.TTL)

	envString("EMBERGRAPH_TX_MODE", &c.Transactions.Mode)
	envDuration("EMBERGRAPH_TX_TIMEOUT", &c.Transactions.Timeout)
	envDuration("EMBERGRAPH_LOCK_WAIT_TIMEOUT", &c.Transactions.LockWaitTimeout)
	envInt("EMBERGRAPH_MAX_RETRIES", &c.Transactions.MaxRetries)

	if v := os.Getenv("EMBERGRAPH_INDEX_PAIRS"); v != "" {
		c.Index.Pairs = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	}

	envString("EMBERGRAPH_LOG_LEVEL", &c.Logging.Level)
	envString("EMBERGRAPH_LOG_FORMAT", &c.Logging.Format)

	envInt("EMBERGRAPH_ASYNC_WORKERS", &c.Async.Workers)

	envString("EMBERGRAPH_MEMORY_LIMIT", &c.Runtime.MemoryLimit)
	envInt("EMBERGRAPH_GC_PERCENT", &c.Runtime.GCPercent)

	c.Transactions.Mode = strings.ToLower(c.Transactions.Mode)
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Format = strings.ToLower(c.Logging.Format)
}

// String returns a one-line summary suitable for logging.
func (c *Config) String() string {
	storage := c.Storage.Backend
	if storage == "badger" {
		storage += ":" + c.Storage.DataDir
	}
	return fmt.Sprintf(
		"Config{Storage: %s, Tx: %s/%s, Cache: %d/%d/%d/%d, Index: [%s], Log: %s}",
		storage,
		c.Transactions.Mode, c.Transactions.Timeout,
		c.Cache.NodeCapacity, c.Cache.AdjacencyCapacity, c.Cache.IndexCapacity, c.Cache.PlanCapacity,
		strings.Join(c.Index.Pairs, ", "),
		c.Logging.Level,
	)
}

// Schema parses the configured index pairs.
func (c IndexConfig) Schema() ([]storage.IndexPair, error) {
	pairs := make([]storage.IndexPair, 0, len(c.Pairs))
	for _, s := range c.Pairs {
		p, err := ParseIndexPair(s)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

// ParseIndexPair parses "Label.property".
func ParseIndexPair(s string) (storage.IndexPair, error) {
	label, property, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || label == "" || property == "" || strings.Contains(property, ".") {
		return storage.IndexPair{}, &storage.ValidationError{
			Field:  "index pair",
			Reason: fmt.Sprintf("%q is not of the form Label.property", s),
		}
	}
	return storage.IndexPair{Label: label, Property: property}, nil
}

// NewLogger builds a logger with the configured level and format.
func (c LoggingConfig) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetLevel(level)
	if c.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l, nil
}

// MemoryLimitBytes parses MemoryLimit. Sizes follow go-humanize: "2GB"
// is 2e9 bytes and "2GiB" is 2^31. Empty, "0" and "unlimited" mean no
// limit and return 0.
func (c RuntimeConfig) MemoryLimitBytes() (int64, error) {
	s := strings.TrimSpace(c.MemoryLimit)
	if s == "" || s == "0" || strings.EqualFold(s, "unlimited") {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n == 0 || n > math.MaxInt64 {
		return 0, fmt.Errorf("memory limit %q out of range", s)
	}
	return int64(n), nil
}

// ApplyRuntimeMemory applies the runtime memory settings to the Go runtime.
// Should be called early in main() before heavy allocations.
func (c RuntimeConfig) ApplyRuntimeMemory() {
	if limit, err := c.MemoryLimitBytes(); err == nil && limit > 0 {
		debug.SetMemoryLimit(limit)
	}
	if c.GCPercent != 100 {
		debug.SetGCPercent(c.GCPercent)
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if i, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = i
	}
}

func envBool(key string, dst *bool) {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		*dst = b
	}
}

func envDuration(key string, dst *time.Duration) {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		*dst = d
	}
}
