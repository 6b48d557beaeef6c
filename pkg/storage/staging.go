package storage

import (
	"errors"
	"maps"
	"slices"
	"unicode/utf8"

	"github.com/orneryd/embergraph/pkg/value"
)

// Staging buffers graph mutations on top of a Reader.
//
// Every mutation is validated against the combined view (base plus what is
// already staged), recorded as primitive mutations in a Batch, and reported
// to the IndexHook exactly once. Reads through the Staging reflect staged
// writes, so a transaction sees its own uncommitted changes, including
// label scans and index lookups. Nothing reaches the base until the owner
// hands Batch() to Engine.Apply.
//
// # Transaction Semantics
//
// Staging is the write buffer of one transaction:
//
//	BEGIN    = NewStaging(base, hook)
//	WRITES   = CreateNode / UpdateProperties / DeleteNode / ...
//	COMMIT   = engine.Apply(stage.Batch())
//	ROLLBACK = drop the Staging
//
// Clone takes a snapshot that can be restored later, which is how savepoints
// are implemented.
//
// A Staging is not safe for concurrent use.
type Staging struct {
	base  Reader
	hook  IndexHook
	batch Batch

	// Current version of every node created or updated here.
	nodes map[NodeID]*Node
	// Subset of nodes that did not exist in base.
	created      map[NodeID]struct{}
	deletedNodes map[NodeID]struct{}

	rels        map[RelID]*Relationship
	deletedRels map[RelID]struct{}

	// Adjacency of relationships created here, per node and side.
	addedOut map[NodeID][]adjEntry
	addedIn  map[NodeID][]adjEntry
}

// NewStaging creates an empty overlay over base. hook may be nil.
func NewStaging(base Reader, hook IndexHook) *Staging {
	return &Staging{
		base:         base,
		hook:         hook,
		nodes:        make(map[NodeID]*Node),
		created:      make(map[NodeID]struct{}),
		deletedNodes: make(map[NodeID]struct{}),
		rels:         make(map[RelID]*Relationship),
		deletedRels:  make(map[RelID]struct{}),
		addedOut:     make(map[NodeID][]adjEntry),
		addedIn:      make(map[NodeID][]adjEntry),
	}
}

// Batch returns the primitive mutations recorded so far.
func (s *Staging) Batch() *Batch { return &s.batch }

// Empty reports whether nothing has been staged.
func (s *Staging) Empty() bool { return s.batch.Empty() }

// WrittenNodes returns the staged version of every node created or updated
// and still alive, in id order.
func (s *Staging) WrittenNodes() []*Node {
	ids := slices.Sorted(maps.Keys(s.nodes))
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.nodes[id].Clone())
	}
	return out
}

// Clone returns an independent copy sharing only the base and hook.
func (s *Staging) Clone() *Staging {
	c := &Staging{
		base:         s.base,
		hook:         s.hook,
		batch:        s.batch.clone(),
		nodes:        maps.Clone(s.nodes),
		created:      maps.Clone(s.created),
		deletedNodes: maps.Clone(s.deletedNodes),
		rels:         maps.Clone(s.rels),
		deletedRels:  maps.Clone(s.deletedRels),
		addedOut:     make(map[NodeID][]adjEntry, len(s.addedOut)),
		addedIn:      make(map[NodeID][]adjEntry, len(s.addedIn)),
	}
	for id, entries := range s.addedOut {
		c.addedOut[id] = slices.Clone(entries)
	}
	for id, entries := range s.addedIn {
		c.addedIn[id] = slices.Clone(entries)
	}
	return c
}

// ============================================================================
// Reads
// ============================================================================

// GetNode returns the staged version of the node, falling back to base.
func (s *Staging) GetNode(id NodeID) (*Node, error) {
	if _, gone := s.deletedNodes[id]; gone {
		return nil, ErrNotFound
	}
	if n, ok := s.nodes[id]; ok {
		return n.Clone(), nil
	}
	return s.base.GetNode(id)
}

// GetRelationship returns the staged version of the relationship, falling
// back to base.
func (s *Staging) GetRelationship(id RelID) (*Relationship, error) {
	if _, gone := s.deletedRels[id]; gone {
		return nil, ErrNotFound
	}
	if r, ok := s.rels[id]; ok {
		return r.Clone(), nil
	}
	return s.base.GetRelationship(id)
}

// Neighbors merges base adjacency with staged relationships, hiding staged
// deletions.
func (s *Staging) Neighbors(id NodeID, dir Direction, relType string) ([]Neighbor, error) {
	if _, err := s.GetNode(id); err != nil {
		return nil, err
	}

	var result []Neighbor
	if _, isNew := s.created[id]; !isNew {
		base, err := s.base.Neighbors(id, dir, relType)
		if err != nil {
			return nil, err
		}
		for _, n := range base {
			if _, gone := s.deletedRels[n.Rel]; !gone {
				result = append(result, n)
			}
		}
	}

	staged := collectNeighbors(s.addedOut[id], s.addedIn[id], dir, relType)
	for _, n := range staged {
		if _, gone := s.deletedRels[n.Rel]; !gone {
			result = append(result, n)
		}
	}
	return sortNeighbors(result, dir == Both), nil
}

// NodesByLabel reflects staged label changes, creations and deletions.
func (s *Staging) NodesByLabel(label string) ([]NodeID, error) {
	base, err := s.base.NodesByLabel(label)
	if err != nil {
		return nil, err
	}
	ids := s.withoutTouched(base)
	for id, n := range s.nodes {
		if n.HasLabel(label) {
			ids = append(ids, id)
		}
	}
	return sortIDs(ids), nil
}

// AllNodeIDs reflects staged creations and deletions.
func (s *Staging) AllNodeIDs() ([]NodeID, error) {
	base, err := s.base.AllNodeIDs()
	if err != nil {
		return nil, err
	}
	ids := s.withoutTouched(base)
	for id := range s.nodes {
		ids = append(ids, id)
	}
	return sortIDs(ids), nil
}

// IndexLookup recomputes membership for every node touched here and trusts
// base for the rest.
func (s *Staging) IndexLookup(key IndexKey) ([]NodeID, error) {
	base, err := s.base.IndexLookup(key)
	if err != nil {
		return nil, err
	}
	ids := s.withoutTouched(base)
	for id, n := range s.nodes {
		if n.HasLabel(key.Label) && value.Equal(n.Properties.Get(key.Property), key.Value) {
			ids = append(ids, id)
		}
	}
	return sortIDs(ids), nil
}

// IndexScan is IndexLookup over a range of values.
func (s *Staging) IndexScan(r IndexRange) ([]NodeID, error) {
	base, err := s.base.IndexScan(r)
	if err != nil {
		return nil, err
	}
	ids := s.withoutTouched(base)
	for id, n := range s.nodes {
		if n.HasLabel(r.Label) && r.Contains(n.Properties.Get(r.Property)) {
			ids = append(ids, id)
		}
	}
	return sortIDs(ids), nil
}

func (s *Staging) withoutTouched(base []NodeID) []NodeID {
	ids := make([]NodeID, 0, len(base))
	for _, id := range base {
		if _, gone := s.deletedNodes[id]; gone {
			continue
		}
		if _, staged := s.nodes[id]; staged {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// ============================================================================
// Writes
// ============================================================================

func validateLabels(labels []string) ([]string, error) {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l == "" {
			return nil, invalid("labels", "label must not be empty", nil)
		}
		if !utf8.ValidString(l) {
			return nil, invalid("labels", "label must be valid UTF-8", nil)
		}
		if !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return out, nil
}

func validateProperties(props value.Properties) error {
	for k := range props {
		if k == "" {
			return invalid("properties", "property name must not be empty", nil)
		}
		if !utf8.ValidString(k) {
			return invalid("properties", "property name must be valid UTF-8", nil)
		}
	}
	return nil
}

// CreateNode stages a new node under a freshly allocated id.
func (s *Staging) CreateNode(id NodeID, labels []string, props value.Properties) error {
	if id == 0 {
		return invalid("id", "node id must be allocated", nil)
	}
	if _, err := s.GetNode(id); err == nil {
		return invalid("id", "node "+id.String()+" already exists", nil)
	}
	labels, err := validateLabels(labels)
	if err != nil {
		return err
	}
	if err := validateProperties(props); err != nil {
		return err
	}

	n := &Node{ID: id, Labels: labels, Properties: props.Clone()}
	s.nodes[id] = n
	s.created[id] = struct{}{}
	delete(s.deletedNodes, id)

	s.batch.PutNode(n.Clone())
	for _, l := range n.Labels {
		s.batch.AddLabel(id, l)
	}
	if s.hook != nil {
		s.hook.OnNodeCreated(&s.batch, n.Clone())
	}
	return nil
}

// CreateRelationship stages a relationship between two existing nodes.
// A missing endpoint is a ValidationError that also matches ErrNotFound.
func (s *Staging) CreateRelationship(id RelID, start, end NodeID, relType string, props value.Properties) error {
	if id == 0 {
		return invalid("id", "relationship id must be allocated", nil)
	}
	if relType == "" {
		return invalid("type", "relationship type must not be empty", nil)
	}
	if !utf8.ValidString(relType) {
		return invalid("type", "relationship type must be valid UTF-8", nil)
	}
	if err := validateProperties(props); err != nil {
		return err
	}
	if _, err := s.GetNode(start); err != nil {
		return invalid("start", "node "+start.String()+" does not exist", err)
	}
	if _, err := s.GetNode(end); err != nil {
		return invalid("end", "node "+end.String()+" does not exist", err)
	}

	r := &Relationship{ID: id, Type: relType, Start: start, End: end, Properties: props.Clone()}
	s.rels[id] = r
	delete(s.deletedRels, id)
	s.addedOut[start] = append(s.addedOut[start], adjEntry{rel: id, other: end, typ: relType})
	s.addedIn[end] = append(s.addedIn[end], adjEntry{rel: id, other: start, typ: relType})

	s.batch.PutRelationship(r.Clone())
	s.batch.AddAdjacency(start, Outgoing, id, end, relType)
	s.batch.AddAdjacency(end, Incoming, id, start, relType)
	return nil
}

// updateNode applies fn to a copy of the current node and stages the
// result.
func (s *Staging) updateNode(id NodeID, fn func(n *Node) error) error {
	old, err := s.GetNode(id)
	if err != nil {
		return err
	}
	updated := old.Clone()
	if err := fn(updated); err != nil {
		return err
	}
	s.nodes[id] = updated
	s.batch.PutNode(updated.Clone())

	for _, l := range old.Labels {
		if !updated.HasLabel(l) {
			s.batch.RemoveLabel(id, l)
		}
	}
	for _, l := range updated.Labels {
		if !old.HasLabel(l) {
			s.batch.AddLabel(id, l)
		}
	}
	if s.hook != nil {
		s.hook.OnNodeUpdated(&s.batch, old, updated.Clone())
	}
	return nil
}

// UpdateProperties merges props into the node: supplied keys overwrite,
// others are untouched, and a Null value removes the key.
func (s *Staging) UpdateProperties(id NodeID, props value.Properties) error {
	if err := validateProperties(props); err != nil {
		return err
	}
	return s.updateNode(id, func(n *Node) error {
		n.Properties = n.Properties.Merge(props)
		return nil
	})
}

// ReplaceProperties replaces the node's whole property map.
func (s *Staging) ReplaceProperties(id NodeID, props value.Properties) error {
	if err := validateProperties(props); err != nil {
		return err
	}
	return s.updateNode(id, func(n *Node) error {
		n.Properties = props.Clone()
		return nil
	})
}

// SetLabels replaces the node's label set.
func (s *Staging) SetLabels(id NodeID, labels []string) error {
	labels, err := validateLabels(labels)
	if err != nil {
		return err
	}
	return s.updateNode(id, func(n *Node) error {
		n.Labels = labels
		return nil
	})
}

// UpdateRelationshipProperties merges props into the relationship.
func (s *Staging) UpdateRelationshipProperties(id RelID, props value.Properties) error {
	if err := validateProperties(props); err != nil {
		return err
	}
	r, err := s.GetRelationship(id)
	if err != nil {
		return err
	}
	r.Properties = r.Properties.Merge(props)
	s.rels[id] = r
	s.batch.PutRelationship(r.Clone())
	return nil
}

// DeleteRelationship stages removal of the relationship and both of its
// adjacency entries. It reports false when the relationship is absent.
func (s *Staging) DeleteRelationship(id RelID) (bool, error) {
	r, err := s.GetRelationship(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	delete(s.rels, id)
	s.deletedRels[id] = struct{}{}

	s.batch.DeleteRelationship(id)
	s.batch.RemoveAdjacency(r.Start, Outgoing, id, r.End, r.Type)
	s.batch.RemoveAdjacency(r.End, Incoming, id, r.Start, r.Type)
	return true, nil
}

// DeleteNode stages removal of the node and, first, of every relationship
// incident to it. It reports false when the node is absent.
func (s *Staging) DeleteNode(id NodeID) (bool, error) {
	n, err := s.GetNode(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	incident, err := s.Neighbors(id, Both, "")
	if err != nil {
		return false, err
	}
	for _, nb := range incident {
		if _, err := s.DeleteRelationship(nb.Rel); err != nil {
			return false, err
		}
	}

	delete(s.nodes, id)
	delete(s.created, id)
	s.deletedNodes[id] = struct{}{}

	for _, l := range n.Labels {
		s.batch.RemoveLabel(id, l)
	}
	if s.hook != nil {
		s.hook.OnNodeDeleted(&s.batch, n)
	}
	s.batch.DeleteNode(id)
	return true, nil
}

// IncidentRelationships lists every relationship id touching id, as seen
// through the overlay.
func (s *Staging) IncidentRelationships(id NodeID) ([]RelID, error) {
	ns, err := s.Neighbors(id, Both, "")
	if err != nil {
		return nil, err
	}
	out := make([]RelID, len(ns))
	for i, n := range ns {
		out[i] = n.Rel
	}
	return out, nil
}

var _ Reader = (*Staging)(nil)
