package storage

import (
	"iter"
	"slices"
)

// Reader is the read contract shared by every backend, the read-through
// cache and the Staging overlay.
//
// All methods return copies: mutating a returned Node or Relationship never
// changes stored state. Id slices are sorted ascending.
type Reader interface {
	// GetNode returns the node or ErrNotFound.
	GetNode(id NodeID) (*Node, error)

	// GetRelationship returns the relationship or ErrNotFound.
	GetRelationship(id RelID) (*Relationship, error)

	// Neighbors lists the relationships incident to id in the given
	// direction, optionally restricted to relType (empty means any type),
	// ordered by relationship id. With Both each relationship appears once.
	// Returns ErrNotFound when the node does not exist.
	Neighbors(id NodeID, dir Direction, relType string) ([]Neighbor, error)

	// NodesByLabel returns the ids of every node carrying label.
	NodesByLabel(label string) ([]NodeID, error)

	// AllNodeIDs returns the ids of every live node.
	AllNodeIDs() ([]NodeID, error)

	// IndexLookup returns the node ids stored under a property index entry.
	// It only reflects entries that were written, so callers must check the
	// index schema before trusting an empty result.
	IndexLookup(key IndexKey) ([]NodeID, error)

	// IndexScan returns the node ids stored under every index entry of
	// (r.Label, r.Property) whose value lies within r. Like IndexLookup it
	// only reflects entries that were written.
	IndexScan(r IndexRange) ([]NodeID, error)
}

// Engine is a storage backend.
//
// Engines allocate identifiers and apply batches of primitive mutations
// atomically: after Apply returns nil every mutation is visible, after it
// returns an error none is. Engines do not validate graph invariants; the
// Staging overlay produces batches that already respect them.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	Reader

	// NextNodeID allocates a node id. Ids increase monotonically and are
	// never handed out twice for the lifetime of the store.
	NextNodeID() (NodeID, error)

	// NextRelID allocates a relationship id with the same guarantees.
	NextRelID() (RelID, error)

	// Apply atomically applies every mutation in b, in order.
	Apply(b *Batch) error

	// SchemaPairs returns the persisted index declarations.
	SchemaPairs() ([]IndexPair, error)

	// NodeCount returns the number of live nodes.
	NodeCount() (int64, error)

	// RelationshipCount returns the number of live relationships.
	RelationshipCount() (int64, error)

	// Close releases the backend. Further calls return ErrClosed.
	Close() error
}

// IndexHook receives every node mutation recorded by a Staging overlay,
// exactly once, and may append index mutations to the same batch.
type IndexHook interface {
	OnNodeCreated(b *Batch, n *Node)
	OnNodeUpdated(b *Batch, old, updated *Node)
	OnNodeDeleted(b *Batch, n *Node)
}

// NeighborSeq returns a lazy view over r.Neighbors.
//
// Nothing is read until the sequence is ranged over, and ranging again
// re-reads the adjacency, so the sequence can be restarted and observes the
// latest state visible through r. A lookup failure is yielded once as the
// error of a zero Neighbor.
func NeighborSeq(r Reader, id NodeID, dir Direction, relType string) iter.Seq2[Neighbor, error] {
	return func(yield func(Neighbor, error) bool) {
		neighbors, err := r.Neighbors(id, dir, relType)
		if err != nil {
			yield(Neighbor{}, err)
			return
		}
		for _, n := range neighbors {
			if !yield(n, nil) {
				return
			}
		}
	}
}

// adjEntry is one side of a relationship as seen from a node.
type adjEntry struct {
	rel   RelID
	other NodeID
	typ   string
}

// collectNeighbors merges outgoing and incoming entries into the sorted,
// de-duplicated Neighbor list defined by Reader.Neighbors.
func collectNeighbors(out, in []adjEntry, dir Direction, relType string) []Neighbor {
	var result []Neighbor
	add := func(entries []adjEntry) {
		for _, e := range entries {
			if relType != "" && e.typ != relType {
				continue
			}
			result = append(result, Neighbor{Rel: e.rel, Node: e.other})
		}
	}
	if dir == Outgoing || dir == Both {
		add(out)
	}
	if dir == Incoming || dir == Both {
		add(in)
	}
	return sortNeighbors(result, dir == Both)
}

func sortNeighbors(ns []Neighbor, dedupe bool) []Neighbor {
	slices.SortStableFunc(ns, func(a, b Neighbor) int {
		switch {
		case a.Rel < b.Rel:
			return -1
		case a.Rel > b.Rel:
			return 1
		}
		return 0
	})
	if dedupe {
		ns = slices.CompactFunc(ns, func(a, b Neighbor) bool { return a.Rel == b.Rel })
	}
	return ns
}

func sortIDs(ids []NodeID) []NodeID {
	slices.Sort(ids)
	return slices.Compact(ids)
}
