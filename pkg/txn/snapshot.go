package txn

import (
	"errors"
	"math"
	"slices"
	"sync/atomic"

	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/value"
)

// Snapshot is a read-only storage.Reader over the committed state as it
// was when the snapshot was taken. Later commits are invisible to it.
//
// While any snapshot is open, every published batch leaves an undo record
// holding the prior version of each node and relationship it touched. A
// snapshot read takes the current state and puts back the prior version
// of everything a newer commit changed. Label membership, index entries
// and adjacency are derived from those records, so they roll back with
// them. Undo records are dropped as soon as no open snapshot predates
// them.
//
// Each read is atomic with respect to commits. A Snapshot is safe for
// concurrent use; reads after Release fail with ErrTxNotActive.
type Snapshot struct {
	mgr      *Manager
	seq      uint64
	released atomic.Bool
}

type undoRecord struct {
	seq uint64
	// Prior versions; nil means the record did not exist.
	nodes map[storage.NodeID]*storage.Node
	rels  map[storage.RelID]*storage.Relationship
	// Index pairs declared or dropped.
	schema []storage.IndexPair
}

// Snapshot opens a snapshot of the committed state. The caller must
// Release it.
func (m *Manager) Snapshot() *Snapshot {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.snapshots[m.seq]++
	return &Snapshot{mgr: m, seq: m.seq}
}

// Release closes the snapshot. Releasing twice is a no-op.
func (s *Snapshot) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	m := s.mgr
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	if m.snapshots[s.seq]--; m.snapshots[s.seq] == 0 {
		delete(m.snapshots, s.seq)
	}
	oldest := uint64(math.MaxUint64)
	for seq := range m.snapshots {
		oldest = min(oldest, seq)
	}
	if keep := slices.IndexFunc(m.undo, func(r undoRecord) bool { return r.seq > oldest }); keep >= 0 {
		m.undo = slices.Delete(m.undo, 0, keep)
	} else {
		m.undo = nil
	}
}

// publish applies b to the engine and makes it visible to every reader at
// once. Caller holds commitMu.
func (m *Manager) publish(b *storage.Batch, plans bool) error {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	var rec *undoRecord
	if len(m.snapshots) > 0 {
		var err error
		if rec, err = m.capture(b); err != nil {
			return err
		}
	}
	if err := m.engine.Apply(b); err != nil {
		return err
	}
	m.seq++
	if rec != nil {
		rec.seq = m.seq
		m.undo = append(m.undo, *rec)
	}
	if m.caches != nil {
		m.caches.InvalidateBatch(b)
		if plans {
			m.caches.InvalidatePlans()
		}
	}
	return nil
}

// capture reads the prior version of every record b touches.
func (m *Manager) capture(b *storage.Batch) (*undoRecord, error) {
	rec := &undoRecord{
		nodes: make(map[storage.NodeID]*storage.Node),
		rels:  make(map[storage.RelID]*storage.Relationship),
	}
	node := func(id storage.NodeID) error {
		if _, ok := rec.nodes[id]; ok {
			return nil
		}
		n, err := m.engine.GetNode(id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		rec.nodes[id] = n
		return nil
	}
	rel := func(id storage.RelID) error {
		if _, ok := rec.rels[id]; ok {
			return nil
		}
		r, err := m.engine.GetRelationship(id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		rec.rels[id] = r
		return nil
	}

	for _, mut := range b.Mutations() {
		var err error
		switch mut.Kind {
		case storage.MutPutNode, storage.MutDeleteNode,
			storage.MutAddLabel, storage.MutRemoveLabel,
			storage.MutAddIndexEntry, storage.MutRemoveIndexEntry:
			err = node(mut.NodeID)
		case storage.MutPutRelationship, storage.MutDeleteRelationship,
			storage.MutAddAdjacency, storage.MutRemoveAdjacency:
			err = rel(mut.RelID)
		case storage.MutPutSchema, storage.MutDeleteSchema:
			rec.schema = append(rec.schema, mut.Pair)
		}
		if err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// later returns the undo records newer than s. Caller holds pubMu.
func (s *Snapshot) later() ([]undoRecord, error) {
	if s.released.Load() {
		return nil, ErrTxNotActive
	}
	undo := s.mgr.undo
	i, _ := slices.BinarySearchFunc(undo, s.seq+1, func(r undoRecord, seq uint64) int {
		switch {
		case r.seq < seq:
			return -1
		case r.seq > seq:
			return 1
		}
		return 0
	})
	return undo[i:], nil
}

// priorNodes maps every node a later commit touched to its version in the
// snapshot. The oldest record wins.
func priorNodes(recs []undoRecord) map[storage.NodeID]*storage.Node {
	out := make(map[storage.NodeID]*storage.Node)
	for _, rec := range recs {
		for id, n := range rec.nodes {
			if _, ok := out[id]; !ok {
				out[id] = n
			}
		}
	}
	return out
}

func priorRels(recs []undoRecord) map[storage.RelID]*storage.Relationship {
	out := make(map[storage.RelID]*storage.Relationship)
	for _, rec := range recs {
		for id, r := range rec.rels {
			if _, ok := out[id]; !ok {
				out[id] = r
			}
		}
	}
	return out
}

func schemaChanged(recs []undoRecord, label, property string) bool {
	for _, rec := range recs {
		for _, p := range rec.schema {
			if p.Label == label && p.Property == property {
				return true
			}
		}
	}
	return false
}

// rollBack replaces the membership of every touched node in current with
// its membership in the snapshot.
func rollBack(current []storage.NodeID, prior map[storage.NodeID]*storage.Node, member func(*storage.Node) bool) []storage.NodeID {
	ids := make([]storage.NodeID, 0, len(current))
	for _, id := range current {
		if _, touched := prior[id]; !touched {
			ids = append(ids, id)
		}
	}
	for id, n := range prior {
		if n != nil && member(n) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// GetNode returns the node as of the snapshot.
func (s *Snapshot) GetNode(id storage.NodeID) (*storage.Node, error) {
	s.mgr.pubMu.RLock()
	defer s.mgr.pubMu.RUnlock()
	recs, err := s.later()
	if err != nil {
		return nil, err
	}
	return s.getNode(recs, id)
}

func (s *Snapshot) getNode(recs []undoRecord, id storage.NodeID) (*storage.Node, error) {
	for _, rec := range recs {
		if n, ok := rec.nodes[id]; ok {
			if n == nil {
				return nil, storage.ErrNotFound
			}
			return n.Clone(), nil
		}
	}
	return s.mgr.reader.GetNode(id)
}

// GetRelationship returns the relationship as of the snapshot.
func (s *Snapshot) GetRelationship(id storage.RelID) (*storage.Relationship, error) {
	s.mgr.pubMu.RLock()
	defer s.mgr.pubMu.RUnlock()
	recs, err := s.later()
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if r, ok := rec.rels[id]; ok {
			if r == nil {
				return nil, storage.ErrNotFound
			}
			return r.Clone(), nil
		}
	}
	return s.mgr.reader.GetRelationship(id)
}

// Neighbors lists the relationships incident to id as of the snapshot.
func (s *Snapshot) Neighbors(id storage.NodeID, dir storage.Direction, relType string) ([]storage.Neighbor, error) {
	s.mgr.pubMu.RLock()
	defer s.mgr.pubMu.RUnlock()
	recs, err := s.later()
	if err != nil {
		return nil, err
	}
	if _, err := s.getNode(recs, id); err != nil {
		return nil, err
	}
	current, err := s.mgr.reader.Neighbors(id, dir, relType)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	prior := priorRels(recs)
	out := make([]storage.Neighbor, 0, len(current))
	for _, n := range current {
		if _, touched := prior[n.Rel]; !touched {
			out = append(out, n)
		}
	}
	for rid, r := range prior {
		if r == nil || (relType != "" && r.Type != relType) {
			continue
		}
		switch {
		case dir != storage.Incoming && r.Start == id:
			out = append(out, storage.Neighbor{Rel: rid, Node: r.End})
		case dir != storage.Outgoing && r.End == id:
			out = append(out, storage.Neighbor{Rel: rid, Node: r.Start})
		}
	}
	slices.SortFunc(out, func(a, b storage.Neighbor) int {
		switch {
		case a.Rel < b.Rel:
			return -1
		case a.Rel > b.Rel:
			return 1
		}
		return 0
	})
	return out, nil
}

// NodesByLabel returns the nodes carrying label as of the snapshot.
func (s *Snapshot) NodesByLabel(label string) ([]storage.NodeID, error) {
	s.mgr.pubMu.RLock()
	defer s.mgr.pubMu.RUnlock()
	recs, err := s.later()
	if err != nil {
		return nil, err
	}
	return s.nodesByLabel(recs, label)
}

func (s *Snapshot) nodesByLabel(recs []undoRecord, label string) ([]storage.NodeID, error) {
	current, err := s.mgr.reader.NodesByLabel(label)
	if err != nil {
		return nil, err
	}
	return rollBack(current, priorNodes(recs), func(n *storage.Node) bool { return n.HasLabel(label) }), nil
}

// AllNodeIDs returns the nodes alive as of the snapshot.
func (s *Snapshot) AllNodeIDs() ([]storage.NodeID, error) {
	s.mgr.pubMu.RLock()
	defer s.mgr.pubMu.RUnlock()
	recs, err := s.later()
	if err != nil {
		return nil, err
	}
	current, err := s.mgr.reader.AllNodeIDs()
	if err != nil {
		return nil, err
	}
	return rollBack(current, priorNodes(recs), func(*storage.Node) bool { return true }), nil
}

// IndexLookup returns the entries of key as of the snapshot. When the
// index was declared or dropped since, the entries are recomputed by
// label scan.
func (s *Snapshot) IndexLookup(key storage.IndexKey) ([]storage.NodeID, error) {
	match := func(n *storage.Node) bool {
		return n.HasLabel(key.Label) && value.Equal(n.Properties.Get(key.Property), key.Value)
	}
	return s.indexed(key.Label, key.Property, match, func() ([]storage.NodeID, error) {
		return s.mgr.reader.IndexLookup(key)
	})
}

// IndexScan is IndexLookup over a range of values.
func (s *Snapshot) IndexScan(r storage.IndexRange) ([]storage.NodeID, error) {
	match := func(n *storage.Node) bool {
		return n.HasLabel(r.Label) && r.Contains(n.Properties.Get(r.Property))
	}
	return s.indexed(r.Label, r.Property, match, func() ([]storage.NodeID, error) {
		return s.mgr.reader.IndexScan(r)
	})
}

func (s *Snapshot) indexed(label, property string, match func(*storage.Node) bool, current func() ([]storage.NodeID, error)) ([]storage.NodeID, error) {
	s.mgr.pubMu.RLock()
	defer s.mgr.pubMu.RUnlock()
	recs, err := s.later()
	if err != nil {
		return nil, err
	}
	if !schemaChanged(recs, label, property) {
		ids, err := current()
		if err != nil {
			return nil, err
		}
		return rollBack(ids, priorNodes(recs), match), nil
	}

	candidates, err := s.nodesByLabel(recs, label)
	if err != nil {
		return nil, err
	}
	ids := []storage.NodeID{}
	for _, id := range candidates {
		n, err := s.getNode(recs, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if match(n) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

var _ storage.Reader = (*Snapshot)(nil)
