// Package index maintains the property indexes of an embergraph store.
//
// An index entry maps (label, property, value) to the set of live node ids
// carrying that label with exactly that property value. Which (label,
// property) pairs are indexed is governed by the schema; everything else is
// reachable through a label scan.
//
// Entries are never written directly. The Manager implements
// storage.IndexHook: while a transaction stages node mutations the hook
// appends the matching entry changes to the same batch, so entries and
// records commit together or not at all.
//
// Example Usage:
//
//	idx := index.NewManager(index.DefaultSchema())
//	stage := storage.NewStaging(engine, idx)
//	_ = stage.CreateNode(id, []string{"User"}, value.Properties{"name": value.Text("Alice")})
//	_ = engine.Apply(stage.Batch()) // record + index entry
//
//	ids, _ := idx.Lookup(engine, "User", "name", value.Text("Alice"))
package index

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/embergraph/pkg/metrics"
	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/value"
)

// Errors
var (
	// ErrSchemaMismatch marks a request against an undeclared (label,
	// property) pair. Lookups never return it: they degrade to a scan.
	ErrSchemaMismatch = errors.New("schema mismatch: pair is not indexed")

	ErrConstraintViolation = errors.New("constraint violation")
)

// DefaultSchema returns the pairs pre-declared for a new store.
func DefaultSchema() []storage.IndexPair {
	return []storage.IndexPair{
		{Label: "User", Property: "name"},
		{Label: "User", Property: "age"},
	}
}

// Manager owns the index schema and constraints of one store.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Schema mutations are expected
//	to run under the transaction manager's commit lock so no batch is
//	built against a half-changed schema.
type Manager struct {
	mu          sync.RWMutex
	byLabel     map[string][]string
	constraints []Constraint

	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for schema changes and scan fallbacks.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = l.WithField("component", "index") }
}

// WithMetrics records scan fallbacks.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a manager whose schema holds pairs. Pairs passed here
// are trusted to already have their entries built (an empty store, or
// pairs loaded back from a durable engine); use Declare to add a pair to a
// store that already holds data.
func NewManager(pairs []storage.IndexPair, opts ...Option) *Manager {
	m := &Manager{
		byLabel: make(map[string][]string),
		log:     discardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, p := range pairs {
		m.activate(p)
	}
	return m
}

func (m *Manager) activate(p storage.IndexPair) {
	props := m.byLabel[p.Label]
	if !slices.Contains(props, p.Property) {
		m.byLabel[p.Label] = append(props, p.Property)
	}
}

func (m *Manager) deactivate(p storage.IndexPair) {
	props := slices.DeleteFunc(m.byLabel[p.Label], func(s string) bool { return s == p.Property })
	if len(props) == 0 {
		delete(m.byLabel, p.Label)
		return
	}
	m.byLabel[p.Label] = props
}

// IsIndexed reports whether the schema declares (label, property).
func (m *Manager) IsIndexed(label, property string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.byLabel[label], property)
}

// Pairs returns the declared pairs sorted by label then property.
func (m *Manager) Pairs() []storage.IndexPair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var pairs []storage.IndexPair
	for label, props := range m.byLabel {
		for _, p := range props {
			pairs = append(pairs, storage.IndexPair{Label: label, Property: p})
		}
	}
	slices.SortFunc(pairs, func(a, b storage.IndexPair) int {
		if a.Label != b.Label {
			return cmpString(a.Label, b.Label)
		}
		return cmpString(a.Property, b.Property)
	})
	return pairs
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// entriesFor returns the index keys n occupies under the current schema.
func (m *Manager) entriesFor(n *storage.Node) []storage.IndexKey {
	if n == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []storage.IndexKey
	for _, label := range n.Labels {
		for _, prop := range m.byLabel[label] {
			v := n.Properties.Get(prop)
			if v.IsNull() {
				continue
			}
			keys = append(keys, storage.IndexKey{Label: label, Property: prop, Value: v})
		}
	}
	return keys
}

// ============================================================================
// storage.IndexHook
// ============================================================================

// OnNodeCreated adds an entry for every declared pair the node carries.
func (m *Manager) OnNodeCreated(b *storage.Batch, n *storage.Node) {
	for _, k := range m.entriesFor(n) {
		b.AddIndexEntry(k, n.ID)
	}
}

// OnNodeUpdated moves the node between entries. Keys present before and
// after with an equal value are left alone.
func (m *Manager) OnNodeUpdated(b *storage.Batch, old, updated *storage.Node) {
	before := m.entriesFor(old)
	after := m.entriesFor(updated)
	has := func(keys []storage.IndexKey, k storage.IndexKey) bool {
		return slices.ContainsFunc(keys, func(o storage.IndexKey) bool { return o.String() == k.String() })
	}
	for _, k := range before {
		if !has(after, k) {
			b.RemoveIndexEntry(k, old.ID)
		}
	}
	for _, k := range after {
		if !has(before, k) {
			b.AddIndexEntry(k, updated.ID)
		}
	}
}

// OnNodeDeleted removes every entry of the node.
func (m *Manager) OnNodeDeleted(b *storage.Batch, n *storage.Node) {
	for _, k := range m.entriesFor(n) {
		b.RemoveIndexEntry(k, n.ID)
	}
}

// ============================================================================
// Lookup
// ============================================================================

// Lookup returns the ids of live nodes labelled label whose property equals
// v exactly (same kind, same payload).
//
// A declared pair is answered from index entries. An undeclared pair falls
// back to a label scan through r, filtering each node; the mismatch is
// logged at debug level and counted, never returned.
func (m *Manager) Lookup(r storage.Reader, label, property string, v value.Value) ([]storage.NodeID, error) {
	if v.IsNull() {
		return []storage.NodeID{}, nil
	}
	if f, ok := v.AsFloat(); ok && math.IsNaN(f) {
		return []storage.NodeID{}, nil
	}
	if m.IsIndexed(label, property) {
		return r.IndexLookup(storage.IndexKey{Label: label, Property: property, Value: v})
	}

	m.log.WithFields(logrus.Fields{
		"label":    label,
		"property": property,
	}).Debugf("%v; falling back to label scan", ErrSchemaMismatch)
	m.metrics.IndexFallback(label)
	return ScanLookup(r, label, property, v)
}

// ScanLookup answers a lookup by scanning every node with label.
func ScanLookup(r storage.Reader, label, property string, v value.Value) ([]storage.NodeID, error) {
	return scan(r, label, func(n *storage.Node) bool {
		return value.Equal(n.Properties.Get(property), v)
	})
}

func scan(r storage.Reader, label string, match func(*storage.Node) bool) ([]storage.NodeID, error) {
	ids, err := r.NodesByLabel(label)
	if err != nil {
		return nil, err
	}
	out := []storage.NodeID{}
	for _, id := range ids {
		n, err := r.GetNode(id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if match(n) {
			out = append(out, id)
		}
	}
	return out, nil
}

// Range returns the ids of live nodes labelled rng.Label whose property
// lies within rng. Like Lookup it reads index entries for a declared pair
// and scans the label otherwise.
func (m *Manager) Range(r storage.Reader, rng storage.IndexRange) ([]storage.NodeID, error) {
	if _, ok := rng.Kind(); !ok {
		return []storage.NodeID{}, nil
	}
	if m.IsIndexed(rng.Label, rng.Property) {
		return r.IndexScan(rng)
	}

	m.log.WithFields(logrus.Fields{
		"label":    rng.Label,
		"property": rng.Property,
	}).Debugf("%v; falling back to label scan", ErrSchemaMismatch)
	m.metrics.IndexFallback(rng.Label)
	return scan(r, rng.Label, func(n *storage.Node) bool {
		return rng.Contains(n.Properties.Get(rng.Property))
	})
}

// ============================================================================
// Schema changes
// ============================================================================

// Declare adds pair to the schema. The rebuild batch (an entry for every
// existing node with the label and a non-null property, plus the schema
// record) is handed to apply; the pair becomes active only after apply
// succeeds, so lookups never consult a half-built index.
//
// Declaring an already declared pair is a no-op.
func (m *Manager) Declare(r storage.Reader, pair storage.IndexPair, apply func(*storage.Batch) error) error {
	if pair.Label == "" || pair.Property == "" {
		return &storage.ValidationError{Field: "index", Reason: "label and property are required"}
	}
	if m.IsIndexed(pair.Label, pair.Property) {
		return nil
	}

	var b storage.Batch
	b.PutSchema(pair)
	count, err := forEachWithProperty(r, pair, func(id storage.NodeID, v value.Value) {
		b.AddIndexEntry(storage.IndexKey{Label: pair.Label, Property: pair.Property, Value: v}, id)
	})
	if err != nil {
		return fmt.Errorf("rebuild index %s: %w", pair, err)
	}
	if err := apply(&b); err != nil {
		return fmt.Errorf("rebuild index %s: %w", pair, err)
	}

	m.mu.Lock()
	m.activate(pair)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"index": pair.String(), "entries": count}).Info("index declared")
	return nil
}

// Drop removes pair from the schema and deletes its entries. Dropping a
// pair that is not declared fails with ErrSchemaMismatch. A pair backing a
// uniqueness constraint cannot be dropped.
func (m *Manager) Drop(r storage.Reader, pair storage.IndexPair, apply func(*storage.Batch) error) error {
	if !m.IsIndexed(pair.Label, pair.Property) {
		return fmt.Errorf("drop index %s: %w", pair, ErrSchemaMismatch)
	}
	for _, c := range m.Constraints() {
		if c.Kind == Unique && c.Label == pair.Label && c.Property == pair.Property {
			return &storage.ValidationError{Field: "index", Reason: "index " + pair.String() + " backs " + c.String()}
		}
	}

	m.mu.Lock()
	m.deactivate(pair)
	m.mu.Unlock()

	var b storage.Batch
	b.DeleteSchema(pair)
	_, err := forEachWithProperty(r, pair, func(id storage.NodeID, v value.Value) {
		b.RemoveIndexEntry(storage.IndexKey{Label: pair.Label, Property: pair.Property, Value: v}, id)
	})
	if err == nil {
		err = apply(&b)
	}
	if err != nil {
		m.mu.Lock()
		m.activate(pair)
		m.mu.Unlock()
		return fmt.Errorf("drop index %s: %w", pair, err)
	}

	m.log.WithField("index", pair.String()).Info("index dropped")
	return nil
}

func forEachWithProperty(r storage.Reader, pair storage.IndexPair, fn func(storage.NodeID, value.Value)) (int, error) {
	ids, err := r.NodesByLabel(pair.Label)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		n, err := r.GetNode(id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return count, err
		}
		v := n.Properties.Get(pair.Property)
		if v.IsNull() {
			continue
		}
		fn(id, v)
		count++
	}
	return count, nil
}

// Stats summarizes one declared index.
type Stats struct {
	Pair           storage.IndexPair
	Entries        int
	DistinctValues int
}

// Stats reports, for every declared pair, how many nodes are indexed and
// under how many distinct values. It scans the labelled nodes through r.
func (m *Manager) Stats(r storage.Reader) ([]Stats, error) {
	var out []Stats
	for _, pair := range m.Pairs() {
		distinct := make(map[string]struct{})
		count, err := forEachWithProperty(r, pair, func(_ storage.NodeID, v value.Value) {
			distinct[value.Key(v)] = struct{}{}
		})
		if err != nil {
			return nil, fmt.Errorf("index stats %s: %w", pair, err)
		}
		out = append(out, Stats{Pair: pair, Entries: count, DistinctValues: len(distinct)})
	}
	return out, nil
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var _ storage.IndexHook = (*Manager)(nil)
