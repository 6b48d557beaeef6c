// Package txn implements transactions for an embergraph store.
//
// A transaction buffers its writes in a storage.Staging overlay, so it reads
// its own uncommitted changes while other transactions never see them.
// Commit is atomic: every buffered operation is replayed against the
// committed state under the store-wide commit lock, validated, and handed to
// the engine as one batch.
//
// Two concurrency modes are supported:
//
//	Pessimistic  records are locked (shared for reads, exclusive for writes)
//	             and the locks are held until commit or rollback. Deadlocks
//	             are detected on a wait-for graph and the requester aborts.
//	Optimistic   nothing blocks; the versions of every record read or
//	             written are recorded and validated at commit. A moved
//	             record fails the commit with ErrConflict.
//
// Scans are protected as well. Label scans and index lookups lock or
// observe the label, full scans the node set, and every writer that
// changes a label's membership or its indexed values takes an intent lock
// on it, so a concurrent insert cannot appear between two scans in one
// transaction.
//
// Snapshot transactions (Options.Snapshot) read a Snapshot of the
// committed state taken at Begin. They take no locks, never block a
// writer and never see part of a commit. They cannot commit writes.
//
// Example:
//
//	tx := mgr.Begin(ctx, txn.Options{})
//	defer tx.Rollback()
//
//	alice, _ := tx.CreateNode([]string{"User"}, value.Properties{"name": value.Text("Alice")})
//	bob, _ := tx.CreateNode([]string{"User"}, value.Properties{"name": value.Text("Bob")})
//	_, _ = tx.CreateRelationship(alice, bob, "FOLLOWS", nil)
//
//	if err := tx.Commit(); err != nil {
//		return err
//	}
package txn

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/orneryd/embergraph/pkg/cache"
	"github.com/orneryd/embergraph/pkg/index"
	"github.com/orneryd/embergraph/pkg/metrics"
	"github.com/orneryd/embergraph/pkg/storage"
)

var tracer = otel.Tracer("embergraph.txn")

// Mode selects the concurrency control of a transaction.
type Mode uint8

const (
	// ModeDefault uses the manager's configured mode.
	ModeDefault Mode = iota
	Pessimistic
	Optimistic
)

func (m Mode) String() string {
	switch m {
	case Pessimistic:
		return "pessimistic"
	case Optimistic:
		return "optimistic"
	}
	return "default"
}

// ParseMode parses "pessimistic" or "optimistic".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "pessimistic":
		return Pessimistic, nil
	case "optimistic":
		return Optimistic, nil
	}
	return ModeDefault, fmt.Errorf("unknown transaction mode %q", s)
}

// Config holds manager-wide transaction settings.
type Config struct {
	Mode Mode
	// Timeout bounds the lifetime of every transaction. 0 disables it.
	Timeout time.Duration
	// LockWaitTimeout bounds one blocked lock request. 0 disables it.
	LockWaitTimeout time.Duration
}

// DefaultConfig returns pessimistic locking without timeouts.
func DefaultConfig() Config {
	return Config{Mode: Pessimistic}
}

// Manager begins and commits the transactions of one store.
type Manager struct {
	engine storage.Engine
	reader storage.Reader
	index  *index.Manager
	caches *cache.Manager

	locks    *LockManager
	versions *VersionTable

	// commitMu serializes commits and schema changes.
	commitMu sync.Mutex
	nextID   atomic.Uint64
	active   atomic.Int64

	// pubMu orders engine applies against snapshot reads and guards the
	// fields below. seq counts published batches.
	pubMu     sync.RWMutex
	seq       uint64
	undo      []undoRecord
	snapshots map[uint64]int

	cfg     Config
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = l.WithField("component", "txn") }
}

// WithMetrics records transaction outcomes and lock waits.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithCaches reads committed state through caches and invalidates them on
// every commit.
func WithCaches(c *cache.Manager) Option {
	return func(m *Manager) { m.caches = c }
}

// NewManager creates a transaction manager over engine. idx supplies index
// maintenance, lookups and constraints.
func NewManager(engine storage.Engine, idx *index.Manager, cfg Config, opts ...Option) *Manager {
	if cfg.Mode == ModeDefault {
		cfg.Mode = Pessimistic
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	m := &Manager{
		engine:    engine,
		reader:    engine,
		index:     idx,
		versions:  NewVersionTable(),
		snapshots: make(map[uint64]int),
		cfg:       cfg,
		log:       discard,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.caches != nil {
		m.reader = cache.NewCachedReader(engine, m.caches)
	}
	m.locks = NewLockManager(m.log, m.metrics)
	return m
}

// Options configures one transaction.
type Options struct {
	// Mode overrides the manager's mode when not ModeDefault.
	Mode Mode
	// Timeout overrides the manager's timeout when positive.
	Timeout time.Duration
	// Snapshot makes a read-only transaction over a snapshot taken at
	// Begin. Writes are staged and visible to the transaction itself, but
	// Commit refuses them with ErrReadOnly.
	Snapshot bool
}

// Begin starts a transaction. The transaction is bound to ctx: when ctx is
// done, or the timeout elapses, it is rolled back and every later call
// fails.
func (m *Manager) Begin(ctx context.Context, opts Options) *Tx {
	mode := opts.Mode
	if mode == ModeDefault {
		mode = m.cfg.Mode
	}
	timeout := m.cfg.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	id := ID(m.nextID.Add(1))
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	tx := &Tx{
		id:      id,
		mgr:     m,
		mode:    mode,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateActive,
		started: time.Now(),
	}
	switch {
	case opts.Snapshot:
		tx.snap = m.Snapshot()
		tx.stage = storage.NewStaging(tx.snap, nil)
	case mode == Optimistic:
		tx.observed = make(map[Resource]uint64)
		fallthrough
	default:
		tx.stage = storage.NewStaging(m.reader, nil)
	}
	m.active.Add(1)
	m.metrics.TxBegun()

	// expire takes tx.mu, so it cannot observe a nil stopExpiry even when
	// ctx is already done.
	tx.mu.Lock()
	tx.stopExpiry = context.AfterFunc(ctx, tx.expire)
	tx.mu.Unlock()
	return tx
}

// Reader returns the committed-state reader (cached when caches are set).
func (m *Manager) Reader() storage.Reader { return m.reader }

// Index returns the index manager.
func (m *Manager) Index() *index.Manager { return m.index }

// Config returns the manager configuration.
func (m *Manager) Config() Config { return m.cfg }

// Active returns the number of transactions neither committed nor rolled
// back.
func (m *Manager) Active() int64 { return m.active.Load() }

// Locks exposes the lock table.
func (m *Manager) Locks() *LockManager { return m.locks }

// ApplySchemaChange runs fn under the commit lock, so no commit interleaves
// with an index rebuild or a constraint check. apply publishes a batch like
// a commit does and invalidates every cache it affects, compiled plans
// included.
func (m *Manager) ApplySchemaChange(fn func(r storage.Reader, apply func(*storage.Batch) error) error) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	apply := func(b *storage.Batch) error {
		if err := m.publish(b, true); err != nil {
			return err
		}
		m.versions.BumpBatch(b)
		return nil
	}
	return fn(m.engine, apply)
}

// commit runs the commit protocol for tx. The caller holds tx.mu.
func (m *Manager) commit(tx *Tx) (err error) {
	ctx, span := tracer.Start(tx.ctx, "txn.commit",
		trace.WithAttributes(
			attribute.Int64("txn.id", int64(tx.id)),
			attribute.String("txn.mode", tx.mode.String()),
			attribute.Int("txn.ops", len(tx.ops)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	start := time.Now()
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if tx.snap != nil {
		if len(tx.ops) > 0 {
			return fmt.Errorf("%w: tx %d staged %d writes", ErrReadOnly, tx.id, len(tx.ops))
		}
		return nil
	}
	if tx.mode == Optimistic {
		if r, ok := m.versions.Validate(tx.observed); !ok {
			return conflict("%s changed since tx %d read it", r, tx.id)
		}
	}
	if len(tx.ops) == 0 {
		return nil
	}

	stage := storage.NewStaging(m.engine, m.index)
	for _, op := range tx.ops {
		if err := op(stage); err != nil {
			// Every op succeeded against the tx's own view, so a failure
			// here means a concurrent commit got in the way.
			return conflict("replay of tx %d: %v", tx.id, err)
		}
	}
	if err := m.index.Validate(stage, stage.WrittenNodes()); err != nil {
		return err
	}

	batch := stage.Batch()
	if err := m.publish(batch, false); err != nil {
		return fmt.Errorf("apply tx %d: %w", tx.id, err)
	}
	m.versions.BumpBatch(batch)

	m.metrics.CommitDuration(time.Since(start))
	span.SetAttributes(attribute.Int("txn.mutations", batch.Len()))
	return nil
}
