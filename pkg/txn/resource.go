package txn

import (
	"fmt"

	"github.com/orneryd/embergraph/pkg/storage"
)

// ResourceKind distinguishes what a Resource names.
type ResourceKind uint8

const (
	ResourceNode ResourceKind = iota + 1
	ResourceRelationship
	// ResourceLabel is the membership of one label, including the
	// property values its index entries are derived from.
	ResourceLabel
	// ResourceNodeSet is the set of live node ids.
	ResourceNodeSet
)

// Resource names one lockable, versioned item: a record, a label's
// membership or the node set.
type Resource struct {
	Kind ResourceKind
	ID   uint64
	Name string
}

// Node returns the resource of a node record.
func Node(id storage.NodeID) Resource {
	return Resource{Kind: ResourceNode, ID: uint64(id)}
}

// Relationship returns the resource of a relationship record.
func Relationship(id storage.RelID) Resource {
	return Resource{Kind: ResourceRelationship, ID: uint64(id)}
}

// Label returns the resource guarding the nodes carrying label.
func Label(label string) Resource {
	return Resource{Kind: ResourceLabel, Name: label}
}

// NodeSet returns the resource guarding the set of live nodes.
func NodeSet() Resource {
	return Resource{Kind: ResourceNodeSet}
}

func (r Resource) String() string {
	switch r.Kind {
	case ResourceRelationship:
		return fmt.Sprintf("rel:%d", r.ID)
	case ResourceLabel:
		return "label:" + r.Name
	case ResourceNodeSet:
		return "nodes"
	}
	return fmt.Sprintf("node:%d", r.ID)
}

// resourcesOf lists what a committed batch changed: written or deleted
// records, every node whose adjacency changed, every label whose
// membership or indexed values may have changed, and the node set when a
// node was created or deleted. The second result marks resources whose
// record no longer exists.
func resourcesOf(b *storage.Batch) (changed []Resource, deleted map[Resource]bool) {
	seen := make(map[Resource]struct{})
	deleted = make(map[Resource]bool)
	add := func(r Resource, gone bool) {
		if _, ok := seen[r]; !ok {
			seen[r] = struct{}{}
			changed = append(changed, r)
		}
		deleted[r] = gone
	}
	touch := func(r Resource) { add(r, deleted[r]) }
	for _, m := range b.Mutations() {
		switch m.Kind {
		case storage.MutPutNode:
			add(Node(m.NodeID), false)
			for _, l := range m.Node.Labels {
				touch(Label(l))
			}
			touch(NodeSet())
		case storage.MutDeleteNode:
			add(Node(m.NodeID), true)
			touch(NodeSet())
		case storage.MutPutRelationship:
			add(Relationship(m.RelID), false)
		case storage.MutDeleteRelationship:
			add(Relationship(m.RelID), true)
		case storage.MutAddAdjacency, storage.MutRemoveAdjacency:
			touch(Node(m.NodeID))
		case storage.MutAddLabel, storage.MutRemoveLabel:
			touch(Label(m.Label))
		case storage.MutAddIndexEntry, storage.MutRemoveIndexEntry:
			touch(Label(m.Key.Label))
		}
	}
	return changed, deleted
}
