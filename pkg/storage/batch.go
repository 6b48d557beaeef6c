package storage

// MutationKind identifies a primitive storage mutation.
type MutationKind uint8

const (
	MutPutNode MutationKind = iota + 1
	MutDeleteNode
	MutPutRelationship
	MutDeleteRelationship
	MutAddAdjacency
	MutRemoveAdjacency
	MutAddLabel
	MutRemoveLabel
	MutAddIndexEntry
	MutRemoveIndexEntry
	MutPutSchema
	MutDeleteSchema
)

func (k MutationKind) String() string {
	switch k {
	case MutPutNode:
		return "put-node"
	case MutDeleteNode:
		return "delete-node"
	case MutPutRelationship:
		return "put-relationship"
	case MutDeleteRelationship:
		return "delete-relationship"
	case MutAddAdjacency:
		return "add-adjacency"
	case MutRemoveAdjacency:
		return "remove-adjacency"
	case MutAddLabel:
		return "add-label"
	case MutRemoveLabel:
		return "remove-label"
	case MutAddIndexEntry:
		return "add-index-entry"
	case MutRemoveIndexEntry:
		return "remove-index-entry"
	case MutPutSchema:
		return "put-schema"
	case MutDeleteSchema:
		return "delete-schema"
	}
	return "unknown"
}

// Mutation is one primitive change. Only the fields relevant to Kind are
// set:
//
//	MutPutNode              Node
//	MutDeleteNode           NodeID
//	MutPutRelationship      Rel
//	MutDeleteRelationship   RelID
//	MutAdd/RemoveAdjacency  NodeID, Dir (Outgoing or Incoming), RelID, Other, Type
//	MutAdd/RemoveLabel      NodeID, Label
//	MutAdd/RemoveIndexEntry NodeID, Key
//	MutPut/DeleteSchema     Pair
type Mutation struct {
	Kind   MutationKind
	Node   *Node
	NodeID NodeID
	Rel    *Relationship
	RelID  RelID
	Dir    Direction
	Other  NodeID
	Type   string
	Label  string
	Key    IndexKey
	Pair   IndexPair
}

// Batch is an ordered list of primitive mutations applied atomically by an
// Engine. The committed batch is also what drives cache invalidation and
// optimistic version bumps, so it must name every record it touches.
//
// A Batch is not safe for concurrent use.
type Batch struct {
	muts []Mutation
}

// Mutations returns the recorded mutations in order. The slice must not be
// modified.
func (b *Batch) Mutations() []Mutation { return b.muts }

// Len returns the number of recorded mutations.
func (b *Batch) Len() int { return len(b.muts) }

// Empty reports whether the batch holds no mutations.
func (b *Batch) Empty() bool { return len(b.muts) == 0 }

func (b *Batch) clone() Batch {
	return Batch{muts: append([]Mutation(nil), b.muts...)}
}

func (b *Batch) PutNode(n *Node) {
	b.muts = append(b.muts, Mutation{Kind: MutPutNode, Node: n, NodeID: n.ID})
}

func (b *Batch) DeleteNode(id NodeID) {
	b.muts = append(b.muts, Mutation{Kind: MutDeleteNode, NodeID: id})
}

func (b *Batch) PutRelationship(r *Relationship) {
	b.muts = append(b.muts, Mutation{Kind: MutPutRelationship, Rel: r, RelID: r.ID})
}

func (b *Batch) DeleteRelationship(id RelID) {
	b.muts = append(b.muts, Mutation{Kind: MutDeleteRelationship, RelID: id})
}

// AddAdjacency records that rel (of relType, reaching other) is incident to
// node on side dir.
func (b *Batch) AddAdjacency(node NodeID, dir Direction, rel RelID, other NodeID, relType string) {
	b.muts = append(b.muts, Mutation{Kind: MutAddAdjacency, NodeID: node, Dir: dir, RelID: rel, Other: other, Type: relType})
}

func (b *Batch) RemoveAdjacency(node NodeID, dir Direction, rel RelID, other NodeID, relType string) {
	b.muts = append(b.muts, Mutation{Kind: MutRemoveAdjacency, NodeID: node, Dir: dir, RelID: rel, Other: other, Type: relType})
}

func (b *Batch) AddLabel(id NodeID, label string) {
	b.muts = append(b.muts, Mutation{Kind: MutAddLabel, NodeID: id, Label: label})
}

func (b *Batch) RemoveLabel(id NodeID, label string) {
	b.muts = append(b.muts, Mutation{Kind: MutRemoveLabel, NodeID: id, Label: label})
}

func (b *Batch) AddIndexEntry(key IndexKey, id NodeID) {
	b.muts = append(b.muts, Mutation{Kind: MutAddIndexEntry, NodeID: id, Key: key})
}

func (b *Batch) RemoveIndexEntry(key IndexKey, id NodeID) {
	b.muts = append(b.muts, Mutation{Kind: MutRemoveIndexEntry, NodeID: id, Key: key})
}

func (b *Batch) PutSchema(p IndexPair) {
	b.muts = append(b.muts, Mutation{Kind: MutPutSchema, Pair: p})
}

func (b *Batch) DeleteSchema(p IndexPair) {
	b.muts = append(b.muts, Mutation{Kind: MutDeleteSchema, Pair: p})
}

// TouchedNodes returns every node id whose record was written or deleted.
func (b *Batch) TouchedNodes() []NodeID {
	var ids []NodeID
	for _, m := range b.muts {
		if m.Kind == MutPutNode || m.Kind == MutDeleteNode {
			ids = append(ids, m.NodeID)
		}
	}
	return sortIDs(ids)
}

// TouchedRelationships returns every relationship id written or deleted.
func (b *Batch) TouchedRelationships() []RelID {
	seen := make(map[RelID]struct{})
	var ids []RelID
	for _, m := range b.muts {
		if m.Kind != MutPutRelationship && m.Kind != MutDeleteRelationship {
			continue
		}
		if _, ok := seen[m.RelID]; !ok {
			seen[m.RelID] = struct{}{}
			ids = append(ids, m.RelID)
		}
	}
	return ids
}
