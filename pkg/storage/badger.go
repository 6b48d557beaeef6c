package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/embergraph/pkg/value"
)

// BadgerEngine provides persistent storage using BadgerDB.
//
// Features:
//   - Crash-consistent batches: Apply runs in a single badger transaction,
//     or through a replayable journal when the batch is too large for one
//   - Independent keyspaces for records, adjacency, labels and index entries
//   - Durable identifier sequences, so a restart never reuses an id
//   - Thread-safe concurrent access
//
// Key Structure:
//   - Nodes:          0x01 + nodeID -> JSON(Node)
//   - Relationships:  0x02 + relID -> JSON(Relationship)
//   - Labels:         0x03 + str(label) + nodeID -> empty
//   - Outgoing:       0x04 + nodeID + str(type) + relID -> endID
//   - Incoming:       0x05 + nodeID + str(type) + relID -> startID
//   - Index entries:  0x06 + str(label) + str(prop) + key(value) + nodeID -> empty
//   - Schema:         0x07 + str(label) + str(prop) -> empty
//   - Metadata:       0x08 + name -> value
//
// str(x) is a uvarint length followed by the bytes of x. key(v) is
// value.AppendKey, so the entries of one index sort by value.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data/graph")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db  *badger.DB
	log logrus.FieldLogger
	id  string

	nodeSeq *badger.Sequence
	relSeq  *badger.Sequence

	// applyMu serializes Apply so count bookkeeping never hits a badger
	// transaction conflict.
	applyMu sync.Mutex

	mu     sync.RWMutex
	closed bool

	stopGC chan struct{}
	gcDone chan struct{}
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode. Useful for testing.
	InMemory bool

	// SyncWrites forces fsync after each committed batch.
	SyncWrites bool

	// Logger receives engine and badger logs. Defaults to a discarded
	// logger.
	Logger logrus.FieldLogger

	// GCInterval controls how often the value log is garbage collected.
	// Zero disables the collector.
	GCInterval time.Duration

	// LowMemory shrinks memtables and caches for constrained hosts.
	LowMemory bool

	// MemTableSize overrides the memtable size when positive. Badger caps
	// one transaction at 15% of it; larger batches go through the journal.
	MemTableSize int64
}

// NewBadgerEngine opens (or creates) a persistent engine in dataDir with
// default settings.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineInMemory creates a badger engine that keeps its files in
// memory. It exercises the same code paths as the on-disk engine.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerEngineWithOptions creates a BadgerEngine with custom
// configuration.
//
// Configuration Trade-offs:
//   - SyncWrites=true: slower commits but nothing acknowledged is lost
//   - LowMemory=true: less RAM but slightly slower
//   - InMemory=true: fastest but data is lost on shutdown
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	if opts.DataDir == "" && !opts.InMemory {
		return nil, invalid("data dir", "required for a persistent engine", nil)
	}

	logger := opts.Logger
	if logger == nil {
		quiet := logrus.New()
		quiet.SetLevel(logrus.PanicLevel)
		logger = quiet
	}
	logger = logger.WithField("component", "badger")

	badgerOpts := badger.DefaultOptions(opts.DataDir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(badgerLogger{logger})
	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(16 << 20).
			WithValueLogFileSize(64 << 20).
			WithNumMemtables(2).
			WithNumLevelZeroTables(2).
			WithNumLevelZeroTablesStall(4).
			WithBlockCacheSize(32 << 20).
			WithIndexCacheSize(16 << 20)
	}
	if opts.MemTableSize > 0 {
		badgerOpts = badgerOpts.
			WithMemTableSize(opts.MemTableSize).
			WithValueThreshold(min(1<<20, opts.MemTableSize/10))
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", opts.DataDir, err)
	}

	engine := &BadgerEngine{db: db, log: logger}
	if err := engine.init(); err != nil {
		db.Close()
		return nil, err
	}

	if opts.GCInterval > 0 && !opts.InMemory {
		engine.stopGC = make(chan struct{})
		engine.gcDone = make(chan struct{})
		go engine.runGC(opts.GCInterval)
	}

	logger.WithFields(logrus.Fields{
		"store_id":  engine.id,
		"data_dir":  opts.DataDir,
		"in_memory": opts.InMemory,
	}).Info("badger engine opened")
	return engine, nil
}

func (b *BadgerEngine) init() error {
	if err := b.recoverJournal(); err != nil {
		return fmt.Errorf("failed to recover batch journal: %w", err)
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(metaStoreID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			b.id = uuid.New().String()
			return txn.Set(metaKey(metaStoreID), []byte(b.id))
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		b.id = string(raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load store id: %w", err)
	}

	if b.nodeSeq, err = b.db.GetSequence(metaKey(metaNodeSeq), sequenceLeasing); err != nil {
		return fmt.Errorf("failed to open node id sequence: %w", err)
	}
	if b.relSeq, err = b.db.GetSequence(metaKey(metaRelSeq), sequenceLeasing); err != nil {
		b.nodeSeq.Release()
		return fmt.Errorf("failed to open relationship id sequence: %w", err)
	}
	return nil
}

// StoreID returns the identifier persisted when the store was first
// created.
func (b *BadgerEngine) StoreID() string { return b.id }

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// NextNodeID allocates the next node id from the durable sequence.
func (b *BadgerEngine) NextNodeID() (NodeID, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	n, err := b.nodeSeq.Next()
	if err != nil {
		return 0, fmt.Errorf("allocate node id: %w", err)
	}
	return NodeID(n + 1), nil
}

// NextRelID allocates the next relationship id from the durable sequence.
func (b *BadgerEngine) NextRelID() (RelID, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	n, err := b.relSeq.Next()
	if err != nil {
		return 0, fmt.Errorf("allocate relationship id: %w", err)
	}
	return RelID(n + 1), nil
}

// GetNode retrieves a node by id.
func (b *BadgerEngine) GetNode(id NodeID) (*Node, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var node *Node
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decodeErr error
			node, decodeErr = deserializeNode(val)
			return decodeErr
		})
	})
	return node, err
}

// GetRelationship retrieves a relationship by id.
func (b *BadgerEngine) GetRelationship(id RelID) (*Relationship, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var rel *Relationship
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(relKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decodeErr error
			rel, decodeErr = deserializeRelationship(val)
			return decodeErr
		})
	})
	return rel, err
}

// Neighbors walks the adjacency keyspaces of id. A type filter narrows the
// prefix so only relationships of that type are read.
func (b *BadgerEngine) Neighbors(id NodeID, dir Direction, relType string) ([]Neighbor, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var result []Neighbor
	err := b.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		sides := []Direction{dir}
		if dir == Both {
			sides = []Direction{Outgoing, Incoming}
		}
		for _, side := range sides {
			prefix := adjacencyPrefix(id, side, relType)
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				item := it.Item()
				rel := RelID(trailingID(item.Key()))
				err := item.Value(func(val []byte) error {
					if len(val) != idWidth {
						return fmt.Errorf("corrupt adjacency value for relationship %d", rel)
					}
					result = append(result, Neighbor{Rel: rel, Node: NodeID(binary.BigEndian.Uint64(val))})
					return nil
				})
				if err != nil {
					it.Close()
					return err
				}
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sortNeighbors(result, dir == Both), nil
}

// NodesByLabel returns the ids of nodes carrying label.
func (b *BadgerEngine) NodesByLabel(label string) ([]NodeID, error) {
	return b.scanIDs(labelPrefix(label))
}

// AllNodeIDs returns every live node id.
func (b *BadgerEngine) AllNodeIDs() ([]NodeID, error) {
	return b.scanIDs([]byte{prefixNode})
}

// IndexLookup returns the ids stored under key.
func (b *BadgerEngine) IndexLookup(key IndexKey) ([]NodeID, error) {
	return b.scanIDs(indexPrefix(key))
}

// IndexScan walks the contiguous key range holding the values of r. Open
// float bounds stop at the infinities, so NaN entries are never returned.
func (b *BadgerEngine) IndexScan(r IndexRange) ([]NodeID, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ids := []NodeID{}
	kind, ok := r.Kind()
	if !ok {
		return ids, nil
	}
	lower, upper := r.Lower, r.Upper
	if kind == value.KindFloat {
		if lower == nil {
			lower = &IndexBound{Value: value.Float(math.Inf(-1)), Inclusive: true}
		}
		if upper == nil {
			upper = &IndexBound{Value: value.Float(math.Inf(1)), Inclusive: true}
		}
	}

	pair := indexPairPrefix(r.Label, r.Property)
	kindPrefix := append(slices.Clone(pair), byte(kind))
	start := kindPrefix
	var lowKey, highKey []byte
	if lower != nil {
		lowKey = value.AppendKey(slices.Clone(pair), lower.Value)
		start = lowKey
	}
	if upper != nil {
		highKey = value.AppendKey(slices.Clone(pair), upper.Value)
	}

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = kindPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(start); it.ValidForPrefix(kindPrefix); it.Next() {
			key := it.Item().Key()
			if len(key) < len(kindPrefix)+idWidth {
				continue
			}
			v := key[:len(key)-idWidth]
			if lower != nil && !lower.Inclusive && bytes.Equal(v, lowKey) {
				continue
			}
			if upper != nil {
				if c := bytes.Compare(v, highKey); c > 0 || (c == 0 && !upper.Inclusive) {
					break
				}
			}
			ids = append(ids, NodeID(trailingID(key)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sortIDs(ids), nil
}

// scanIDs collects the trailing ids of every key under prefix. Keys are
// read without values.
func (b *BadgerEngine) scanIDs(prefix []byte) ([]NodeID, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ids := []NodeID{}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			if len(key) != len(prefix)+idWidth {
				continue
			}
			ids = append(ids, NodeID(trailingID(key)))
		}
		return nil
	})
	return ids, err
}

// SchemaPairs returns the persisted index declarations.
func (b *BadgerEngine) SchemaPairs() ([]IndexPair, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var pairs []IndexPair
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte{prefixSchema}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			pair, err := decodeSchemaKey(it.Item().Key())
			if err != nil {
				return err
			}
			pairs = append(pairs, pair)
		}
		return nil
	})
	return pairs, err
}

// NodeCount returns the persisted node count.
func (b *BadgerEngine) NodeCount() (int64, error) {
	return b.readCount(metaNodeCount)
}

// RelationshipCount returns the persisted relationship count.
func (b *BadgerEngine) RelationshipCount() (int64, error) {
	return b.readCount(metaRelCount)
}

func (b *BadgerEngine) readCount(name string) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = getCount(txn, name)
		return err
	})
	return n, err
}

func getCount(txn *badger.Txn, name string) (int64, error) {
	item, err := txn.Get(metaKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt counter %q", name)
		}
		n = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return n, err
}

func addCount(txn *badger.Txn, name string, delta int64) error {
	if delta == 0 {
		return nil
	}
	n, err := getCount(txn, name)
	if err != nil {
		return err
	}
	return txn.Set(metaKey(name), binary.BigEndian.AppendUint64(nil, uint64(n+delta)))
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Apply writes every mutation of batch in one badger transaction, so
// either all of it becomes durable or none of it does.
//
// A batch too large for one transaction is journaled first and then
// applied in as many transactions as it needs. The journal is replayed on
// open if the process stops half way, so the batch is still all or
// nothing across a crash. Readers of the engine may observe such a batch
// while it is being applied.
func (b *BadgerEngine) Apply(batch *Batch) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if batch.Empty() {
		return nil
	}
	b.applyMu.Lock()
	defer b.applyMu.Unlock()

	muts := batch.Mutations()
	err := b.db.Update(func(txn *badger.Txn) error {
		return applyInTxn(txn, muts)
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		b.log.WithField("mutations", len(muts)).Info("batch exceeds one transaction; applying through the journal")
		err = b.applyJournaled(muts)
	}
	if err != nil {
		return fmt.Errorf("apply batch of %d mutations: %w", len(muts), err)
	}
	return nil
}

func applyInTxn(txn *badger.Txn, muts []Mutation) error {
	var nodeDelta, relDelta int64
	for _, m := range muts {
		w, err := mutationWrite(m)
		if err != nil {
			return fmt.Errorf("%s: %w", m.Kind, err)
		}
		if counter, ok := counterOf(m); ok {
			found, err := exists(txn, w.key)
			if err != nil {
				return err
			}
			if counter == metaNodeCount {
				nodeDelta += recordDelta(found, w.del)
			} else {
				relDelta += recordDelta(found, w.del)
			}
		}
		if w.del {
			err = txn.Delete(w.key)
		} else {
			err = txn.Set(w.key, w.val)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", m.Kind, err)
		}
	}
	if err := addCount(txn, metaNodeCount, nodeDelta); err != nil {
		return err
	}
	return addCount(txn, metaRelCount, relDelta)
}

// keyWrite is the effect of one mutation on one badger key.
type keyWrite struct {
	key []byte
	val []byte
	del bool
}

func mutationWrite(m Mutation) (keyWrite, error) {
	switch m.Kind {
	case MutPutNode:
		data, err := serializeNode(m.Node)
		return keyWrite{key: nodeKey(m.Node.ID), val: data}, err
	case MutDeleteNode:
		return keyWrite{key: nodeKey(m.NodeID), del: true}, nil
	case MutPutRelationship:
		data, err := serializeRelationship(m.Rel)
		return keyWrite{key: relKey(m.Rel.ID), val: data}, err
	case MutDeleteRelationship:
		return keyWrite{key: relKey(m.RelID), del: true}, nil
	case MutAddAdjacency:
		return keyWrite{key: adjacencyKey(m.NodeID, m.Dir, m.Type, m.RelID), val: appendID(nil, uint64(m.Other))}, nil
	case MutRemoveAdjacency:
		return keyWrite{key: adjacencyKey(m.NodeID, m.Dir, m.Type, m.RelID), del: true}, nil
	case MutAddLabel:
		return keyWrite{key: labelKey(m.Label, m.NodeID)}, nil
	case MutRemoveLabel:
		return keyWrite{key: labelKey(m.Label, m.NodeID), del: true}, nil
	case MutAddIndexEntry:
		return keyWrite{key: indexEntryKey(m.Key, m.NodeID)}, nil
	case MutRemoveIndexEntry:
		return keyWrite{key: indexEntryKey(m.Key, m.NodeID), del: true}, nil
	case MutPutSchema:
		return keyWrite{key: schemaKey(m.Pair)}, nil
	case MutDeleteSchema:
		return keyWrite{key: schemaKey(m.Pair), del: true}, nil
	}
	return keyWrite{}, fmt.Errorf("unknown mutation kind %d", m.Kind)
}

// counterOf names the record counter m moves, if any.
func counterOf(m Mutation) (string, bool) {
	switch m.Kind {
	case MutPutNode, MutDeleteNode:
		return metaNodeCount, true
	case MutPutRelationship, MutDeleteRelationship:
		return metaRelCount, true
	}
	return "", false
}

// recordDelta is the change in record count of writing a record that did
// or did not exist: +1 created, -1 deleted, 0 otherwise.
func recordDelta(found, del bool) int64 {
	switch {
	case !found && !del:
		return 1
	case found && del:
		return -1
	}
	return 0
}

// runGC periodically reclaims value log space until Close.
func (b *BadgerEngine) runGC(interval time.Duration) {
	defer close(b.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			for {
				if err := b.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						b.log.WithError(err).Warn("value log gc failed")
					}
					break
				}
			}
		}
	}
}

// Sync forces buffered writes to disk.
func (b *BadgerEngine) Sync() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Sync()
}

// Close stops the collector, returns unused id leases and closes badger.
// Closing twice is a no-op.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.stopGC != nil {
		close(b.stopGC)
		<-b.gcDone
	}
	var errs []error
	if err := b.nodeSeq.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release node sequence: %w", err))
	}
	if err := b.relSeq.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release relationship sequence: %w", err))
	}
	if err := b.db.Close(); err != nil {
		errs = append(errs, err)
	}
	b.log.Info("badger engine closed")
	return errors.Join(errs...)
}

// badgerLogger routes badger's chatty info output to debug.
type badgerLogger struct {
	logrus.FieldLogger
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.FieldLogger.Debugf(format, args...)
}

var _ Engine = (*BadgerEngine)(nil)
