package cache

import (
	"time"

	"github.com/orneryd/embergraph/pkg/metrics"
	"github.com/orneryd/embergraph/pkg/storage"
)

// Tier names used in statistics and metrics labels.
const (
	TierNode      = "node"
	TierAdjacency = "adjacency"
	TierIndex     = "index"
	TierPlan      = "plan"
)

// Config sizes the four tiers. A capacity of 0 disables that tier.
type Config struct {
	NodeCapacity      int
	AdjacencyCapacity int
	IndexCapacity     int
	PlanCapacity      int
	TTL               time.Duration
}

// DefaultConfig returns the capacities used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		NodeCapacity:      10000,
		AdjacencyCapacity: 10000,
		IndexCapacity:     1000,
		PlanCapacity:      1000,
	}
}

// AdjacencyKey identifies one cached neighbor list. An empty Type is the
// unfiltered list.
type AdjacencyKey struct {
	Node storage.NodeID
	Dir  storage.Direction
	Type string
}

// Manager owns the four tiers of one store.
type Manager struct {
	Nodes     *LRU[storage.NodeID, *storage.Node]
	Adjacency *LRU[AdjacencyKey, []storage.Neighbor]
	Index     *LRU[string, []storage.NodeID]
	Plans     *LRU[string, any]
}

// NewManager creates the tiers. m may be nil.
func NewManager(cfg Config, m ...*metrics.Metrics) *Manager {
	var mt *metrics.Metrics
	if len(m) > 0 {
		mt = m[0]
	}
	return &Manager{
		Nodes:     NewLRU[storage.NodeID, *storage.Node](TierNode, cfg.NodeCapacity, cfg.TTL).WithMetrics(mt),
		Adjacency: NewLRU[AdjacencyKey, []storage.Neighbor](TierAdjacency, cfg.AdjacencyCapacity, cfg.TTL).WithMetrics(mt),
		Index:     NewLRU[string, []storage.NodeID](TierIndex, cfg.IndexCapacity, cfg.TTL).WithMetrics(mt),
		Plans:     NewLRU[string, any](TierPlan, cfg.PlanCapacity, 0).WithMetrics(mt),
	}
}

// InvalidateBatch drops every cached entry a committed batch may have made
// stale. It must run before the commit lock is released.
//
// Each adjacency mutation names one endpoint and side, and the batch holds
// one per endpoint, so both ends of a relationship are covered. For each
// we drop the typed and untyped list on that side and on Both.
func (m *Manager) InvalidateBatch(b *storage.Batch) {
	if b == nil {
		return
	}
	for _, mut := range b.Mutations() {
		switch mut.Kind {
		case storage.MutPutNode:
			m.Nodes.Invalidate(mut.NodeID)
		case storage.MutDeleteNode:
			m.Nodes.Invalidate(mut.NodeID)
			id := mut.NodeID
			m.Adjacency.InvalidateFunc(func(k AdjacencyKey) bool { return k.Node == id })
		case storage.MutAddAdjacency, storage.MutRemoveAdjacency:
			for _, dir := range []storage.Direction{mut.Dir, storage.Both} {
				m.Adjacency.Invalidate(AdjacencyKey{Node: mut.NodeID, Dir: dir, Type: mut.Type})
				m.Adjacency.Invalidate(AdjacencyKey{Node: mut.NodeID, Dir: dir})
			}
		case storage.MutAddIndexEntry, storage.MutRemoveIndexEntry:
			m.Index.Invalidate(mut.Key.String())
		case storage.MutPutSchema, storage.MutDeleteSchema:
			m.Plans.Clear()
		}
	}
}

// InvalidatePlans drops every compiled plan.
func (m *Manager) InvalidatePlans() {
	m.Plans.Clear()
}

// Clear empties every tier.
func (m *Manager) Clear() {
	m.Nodes.Clear()
	m.Adjacency.Clear()
	m.Index.Clear()
	m.Plans.Clear()
}

// Stats returns the statistics of every tier in a fixed order.
func (m *Manager) Stats() []Stats {
	return []Stats{
		m.Nodes.Stats(),
		m.Adjacency.Stats(),
		m.Index.Stats(),
		m.Plans.Stats(),
	}
}
