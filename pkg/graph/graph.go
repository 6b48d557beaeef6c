// Package graph is the entry point for embedding an embergraph store.
//
// A Store ties together one storage engine, the index subsystem, the
// four-tier cache, the transaction manager and the query executor. Every
// surface goes through the transaction manager, so mutations are atomic and
// concurrent callers are isolated from each other's uncommitted writes.
//
// Example Usage:
//
//	store, err := graph.OpenBadger("./data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	ctx := context.Background()
//	alice, _ := store.CreateNode(ctx, []string{"User"}, value.Properties{"name": value.Text("Alice")})
//	bob, _ := store.CreateNode(ctx, []string{"User"}, value.Properties{"name": value.Text("Bob")})
//	_, _ = store.CreateRelationship(ctx, alice, bob, "FRIEND", nil)
//
//	// Chained API
//	friends, _ := store.Seek("User", "name", value.Text("Alice")).
//		Traverse("FRIEND", storage.Outgoing).
//		Collect()
//
//	// Declarative API
//	res, _ := store.Execute(ctx, `MATCH (a:User {name: "Alice"})-[:FRIEND]->(b) RETURN b.name`)
//
//	// Multi-statement transaction, retried on conflict or deadlock
//	err = store.Update(ctx, func(tx *txn.Tx) error {
//		carol, err := tx.CreateNode([]string{"User"}, nil)
//		if err != nil {
//			return err
//		}
//		_, err = tx.CreateRelationship(alice, carol, "FRIEND", nil)
//		return err
//	})
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/orneryd/embergraph/pkg/cache"
	"github.com/orneryd/embergraph/pkg/config"
	"github.com/orneryd/embergraph/pkg/cypher"
	"github.com/orneryd/embergraph/pkg/index"
	"github.com/orneryd/embergraph/pkg/metrics"
	"github.com/orneryd/embergraph/pkg/query"
	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/txn"
	"github.com/orneryd/embergraph/pkg/value"
)

// Store is an open embergraph database.
type Store struct {
	id      string
	engine  storage.Engine
	index   *index.Manager
	caches  *cache.Manager
	txns    *txn.Manager
	exec    *cypher.Executor
	metrics *metrics.Metrics
	log     logrus.FieldLogger

	maxRetries int
	async      *Async

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

type options struct {
	schema     []storage.IndexPair
	logger     logrus.FieldLogger
	mode       txn.Mode
	cache      cache.Config
	txTimeout  time.Duration
	lockWait   time.Duration
	maxRetries int
	workers    int

	syncWrites bool
	gcInterval time.Duration
	lowMemory  bool
}

func defaultOptions() options {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return options{
		schema:     index.DefaultSchema(),
		logger:     discard,
		mode:       txn.Pessimistic,
		cache:      cache.DefaultConfig(),
		maxRetries: 5,
		workers:    8,
		gcInterval: 5 * time.Minute,
	}
}

// Option configures a Store at open time.
type Option func(*options)

// WithSchema sets the (label, property) pairs indexed when the store
// opens. Pairs already persisted by a badger store stay indexed.
func WithSchema(pairs ...storage.IndexPair) Option {
	return func(o *options) { o.schema = pairs }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLockMode selects pessimistic or optimistic concurrency control.
func WithLockMode(m txn.Mode) Option {
	return func(o *options) { o.mode = m }
}

// WithCacheConfig sizes the cache tiers.
func WithCacheConfig(c cache.Config) Option {
	return func(o *options) { o.cache = c }
}

// WithTxTimeout bounds the lifetime of every transaction.
func WithTxTimeout(d time.Duration) Option {
	return func(o *options) { o.txTimeout = d }
}

// WithLockWaitTimeout bounds one blocked lock request.
func WithLockWaitTimeout(d time.Duration) Option {
	return func(o *options) { o.lockWait = d }
}

// WithMaxRetries sets how often auto-commit operations and Update retry
// after a conflict, deadlock or lock timeout.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = max(n, 0) }
}

// WithAsyncWorkers bounds how many async operations run at once.
func WithAsyncWorkers(n int) Option {
	return func(o *options) { o.workers = max(n, 1) }
}

// WithBadgerTuning sets badger durability and memory options. Ignored by
// in-memory stores.
func WithBadgerTuning(syncWrites bool, gcInterval time.Duration, lowMemory bool) Option {
	return func(o *options) {
		o.syncWrites, o.gcInterval, o.lowMemory = syncWrites, gcInterval, lowMemory
	}
}

// OpenMemory opens a store backed by the in-memory engine. Its contents
// are lost on Close.
func OpenMemory(opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return open(storage.NewMemoryEngine(), uuid.NewString(), o)
}

// OpenBadger opens (or creates) a persistent store in dataDir.
func OpenBadger(dataDir string, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
		DataDir:    dataDir,
		SyncWrites: o.syncWrites,
		GCInterval: o.gcInterval,
		LowMemory:  o.lowMemory,
		Logger:     o.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return open(engine, engine.StoreID(), o)
}

// Open opens the store described by cfg. A nil cfg means
// config.DefaultConfig().
func Open(cfg *config.Config) (*Store, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Backend == "badger" {
		return OpenBadger(cfg.Storage.DataDir, opts...)
	}
	return OpenMemory(opts...)
}

func optionsFromConfig(cfg *config.Config) ([]Option, error) {
	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		return nil, err
	}
	mode, err := txn.ParseMode(cfg.Transactions.Mode)
	if err != nil {
		return nil, err
	}
	schema, err := cfg.Index.Schema()
	if err != nil {
		return nil, err
	}
	return []Option{
		WithLogger(logger),
		WithSchema(schema...),
		WithLockMode(mode),
		WithCacheConfig(cache.Config{
			NodeCapacity:      cfg.Cache.NodeCapacity,
			AdjacencyCapacity: cfg.Cache.AdjacencyCapacity,
			IndexCapacity:     cfg.Cache.IndexCapacity,
			PlanCapacity:      cfg.Cache.PlanCapacity,
			TTL:               cfg.Cache.TTL,
		}),
		WithTxTimeout(cfg.Transactions.Timeout),
		WithLockWaitTimeout(cfg.Transactions.LockWaitTimeout),
		WithMaxRetries(cfg.Transactions.MaxRetries),
		WithAsyncWorkers(cfg.Async.Workers),
		WithBadgerTuning(cfg.Storage.SyncWrites, cfg.Storage.GCInterval, cfg.Storage.LowMemory),
	}, nil
}

func open(engine storage.Engine, id string, o options) (*Store, error) {
	mt := metrics.New()
	log := o.logger.WithField("store", id)

	persisted, err := engine.SchemaPairs()
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("read index schema: %w", err)
	}
	idx := index.NewManager(persisted, index.WithLogger(log), index.WithMetrics(mt))
	caches := cache.NewManager(o.cache, mt)
	txns := txn.NewManager(engine, idx, txn.Config{
		Mode:            o.mode,
		Timeout:         o.txTimeout,
		LockWaitTimeout: o.lockWait,
	}, txn.WithLogger(log), txn.WithMetrics(mt), txn.WithCaches(caches))

	s := &Store{
		id:         id,
		engine:     engine,
		index:      idx,
		caches:     caches,
		txns:       txns,
		metrics:    mt,
		log:        log.WithField("component", "graph"),
		maxRetries: o.maxRetries,
	}
	s.exec = cypher.NewExecutor(s.run, idx,
		cypher.WithPlanCache(caches.Plans),
		cypher.WithLogger(log),
		cypher.WithMetrics(mt),
	)
	s.async = &Async{store: s, sem: semaphore.NewWeighted(int64(o.workers))}

	for _, pair := range o.schema {
		if idx.IsIndexed(pair.Label, pair.Property) {
			continue
		}
		if err := s.CreateIndex(pair.Label, pair.Property); err != nil {
			engine.Close()
			return nil, err
		}
	}

	s.log.WithFields(logrus.Fields{
		"mode":    o.mode.String(),
		"indexes": len(idx.Pairs()),
	}).Info("store opened")
	return s, nil
}

// ID returns the store's unique identifier. Badger stores keep theirs
// across restarts.
func (s *Store) ID() string { return s.id }

// Close waits for in-flight async operations and releases the engine.
// Closing twice is a no-op.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.async.wait()
		s.closed.Store(true)
		s.caches.Clear()
		if err := s.engine.Close(); err != nil {
			s.closeErr = fmt.Errorf("close engine: %w", err)
			s.log.WithError(err).Error("close failed")
			return
		}
		s.log.Info("store closed")
	})
	return s.closeErr
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// ============================================================================
// Transactions
// ============================================================================

// Begin starts a transaction the caller must Commit or Rollback. The
// store's Close does not wait for it.
func (s *Store) Begin(ctx context.Context, opts ...txn.Options) (*txn.Tx, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var o txn.Options
	if len(opts) > 0 {
		o = opts[0]
	}
	return s.txns.Begin(ctx, o), nil
}

// View runs fn in a snapshot transaction that is always rolled back. fn
// sees the committed state as of the call, plus its own writes, and never
// blocks or is blocked by a writer.
func (s *Store) View(ctx context.Context, fn func(tx *txn.Tx) error) error {
	tx, err := s.Begin(ctx, txn.Options{Snapshot: true})
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Update runs fn in a transaction and commits it. When fn or the commit
// fails with a retryable error (see IsRetryable) the whole transaction is
// run again, up to the configured retry count, so fn must be safe to
// repeat.
func (s *Store) Update(ctx context.Context, fn func(tx *txn.Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = s.updateOnce(ctx, fn)
		if err == nil || !IsRetryable(err) || attempt >= s.maxRetries {
			break
		}
		s.log.WithFields(logrus.Fields{"attempt": attempt + 1}).WithError(err).Debug("retrying transaction")
		if werr := backoff(ctx, attempt); werr != nil {
			return errors.Join(err, werr)
		}
	}
	return err
}

func (s *Store) updateOnce(ctx context.Context, fn func(tx *txn.Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// backoff sleeps 1ms, 2ms, 4ms... capped at 100ms, or until ctx is done.
func backoff(ctx context.Context, attempt int) error {
	d := time.Millisecond << min(attempt, 7)
	d = min(d, 100*time.Millisecond)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ============================================================================
// Query surface
// ============================================================================

// run is the query.Runner behind chains and the executor: every query
// runs in its own read transaction.
func (s *Store) run(ctx context.Context, fn func(query.Source) error) error {
	return s.View(ctx, func(tx *txn.Tx) error { return fn(tx) })
}

// Scan starts a chain over every node with label (every node when label is
// empty). The chain runs in a fresh read transaction per terminal call.
func (s *Store) Scan(label string) *query.Chain {
	return query.Scan(label).Bind(s.run)
}

// Seek starts a chain over the nodes with label whose property equals v,
// using the index when (label, property) is declared.
func (s *Store) Seek(label, property string, v value.Value) *query.Chain {
	return query.Seek(label, property, v).Bind(s.run)
}

// SeekRange starts a chain over the nodes within r, using the index when
// (r.Label, r.Property) is declared.
func (s *Store) SeekRange(r storage.IndexRange) *query.Chain {
	return query.SeekRange(r).Bind(s.run)
}

// Compile parses and plans text without running it. Plans are cached by
// normalized text until the index schema changes.
func (s *Store) Compile(text string) (*cypher.Plan, error) {
	return s.exec.Compile(text)
}

// Execute runs a declarative query. EXPLAIN and PROFILE prefixes are
// honored.
func (s *Store) Execute(ctx context.Context, text string) (*cypher.Result, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.exec.Execute(ctx, text)
}

// ExecutePlan runs a plan returned by Compile.
func (s *Store) ExecutePlan(ctx context.Context, plan *cypher.Plan) (*cypher.Result, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.exec.ExecutePlan(ctx, plan)
}

// ============================================================================
// Stats
// ============================================================================

// Stats summarizes a store.
type Stats struct {
	Nodes         int64               `json:"nodes"`
	Relationships int64               `json:"relationships"`
	ActiveTx      int64               `json:"active_transactions"`
	Indexes       []storage.IndexPair `json:"indexes"`
	Constraints   []index.Constraint  `json:"constraints"`
	Caches        []cache.Stats       `json:"caches"`
}

// Stats returns current store statistics.
func (s *Store) Stats() (Stats, error) {
	if err := s.checkOpen(); err != nil {
		return Stats{}, err
	}
	nodes, err := s.engine.NodeCount()
	if err != nil {
		return Stats{}, err
	}
	rels, err := s.engine.RelationshipCount()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Nodes:         nodes,
		Relationships: rels,
		ActiveTx:      s.txns.Active(),
		Indexes:       s.index.Pairs(),
		Constraints:   s.index.Constraints(),
		Caches:        s.caches.Stats(),
	}, nil
}

// Metrics returns the store's Prometheus registry.
func (s *Store) Metrics() prometheus.Gatherer {
	return s.metrics.Registry()
}
