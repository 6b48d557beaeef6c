// Package storage provides the graph storage engine for embergraph.
//
// The storage layer owns node records, relationship records, the
// bidirectional adjacency structure, label membership and the persisted
// index entries. It is split in three parts:
//
//   - Reader: the read contract every backend and overlay implements.
//   - Engine: a Reader that also allocates identifiers and atomically
//     applies a Batch of primitive mutations. MemoryEngine keeps everything
//     in process memory, BadgerEngine persists to an embedded badger store.
//   - Staging: a write overlay over any Reader. It turns graph-level
//     mutations (create, update, cascading delete) into a Batch while
//     serving reads that already reflect those mutations.
//
// Design Principles:
//   - Records reference each other by id only; adjacency is its own index.
//   - Identifiers are monotonic and never reused, even across restarts.
//   - Every backend honors the identical contract, so nothing above this
//     package knows which one is in use.
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	stage := storage.NewStaging(engine, nil)
//	alice, _ := engine.NextNodeID()
//	bob, _ := engine.NextNodeID()
//	_ = stage.CreateNode(alice, []string{"User"}, value.Properties{"name": value.Text("Alice")})
//	_ = stage.CreateNode(bob, []string{"User"}, value.Properties{"name": value.Text("Bob")})
//
//	rel, _ := engine.NextRelID()
//	_ = stage.CreateRelationship(rel, alice, bob, "FRIEND", nil)
//
//	if err := engine.Apply(stage.Batch()); err != nil {
//		log.Fatal(err)
//	}
//
//	friends, _ := engine.Neighbors(alice, storage.Outgoing, "FRIEND")
package storage

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/orneryd/embergraph/pkg/value"
)

// Common errors
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrClosed     = errors.New("storage closed")
)

// ValidationError describes a malformed mutation request.
//
// It always matches ErrValidation with errors.Is, and additionally matches
// its cause (for example ErrNotFound when a relationship endpoint is
// missing).
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := "validation failed"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both ErrValidation and the underlying cause.
func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}

func invalid(field, reason string, cause error) error {
	return &ValidationError{Field: field, Reason: reason, Err: cause}
}

// NodeID identifies a node. Zero is never assigned.
type NodeID uint64

func (id NodeID) String() string { return strconv.FormatUint(uint64(id), 10) }

// RelID identifies a relationship. Zero is never assigned.
type RelID uint64

func (id RelID) String() string { return strconv.FormatUint(uint64(id), 10) }

// Node is a graph vertex: an id, zero or more labels and a property map.
//
// Nodes returned by a Reader are copies; callers may modify them freely
// without affecting stored state.
type Node struct {
	ID         NodeID           `json:"id"`
	Labels     []string         `json:"labels"`
	Properties value.Properties `json:"properties"`
}

// HasLabel reports whether the node carries label.
func (n *Node) HasLabel(label string) bool {
	return slices.Contains(n.Labels, label)
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	return &Node{
		ID:         n.ID,
		Labels:     slices.Clone(n.Labels),
		Properties: n.Properties.Clone(),
	}
}

// Relationship is a typed, directed edge from Start to End.
//
// Self-loops and parallel relationships between the same pair of nodes are
// allowed.
type Relationship struct {
	ID         RelID            `json:"id"`
	Type       string           `json:"type"`
	Start      NodeID           `json:"start"`
	End        NodeID           `json:"end"`
	Properties value.Properties `json:"properties"`
}

// Clone returns a deep copy of the relationship.
func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	out := *r
	out.Properties = r.Properties.Clone()
	return &out
}

// Other returns the endpoint opposite to id. For a self-loop it returns id.
func (r *Relationship) Other(id NodeID) NodeID {
	if r.Start == id {
		return r.End
	}
	return r.Start
}

// Direction selects which side of a node's adjacency to walk.
type Direction uint8

const (
	Outgoing Direction = iota + 1
	Incoming
	Both
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "out"
	case Incoming:
		return "in"
	case Both:
		return "both"
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

// Valid reports whether d is one of the three defined directions.
func (d Direction) Valid() bool {
	return d == Outgoing || d == Incoming || d == Both
}

// Neighbor is one step of an adjacency walk: the relationship taken and the
// node reached through it.
type Neighbor struct {
	Rel  RelID
	Node NodeID
}

// IndexKey addresses one property index entry: every live node carrying
// Label whose Property equals Value.
type IndexKey struct {
	Label    string
	Property string
	Value    value.Value
}

// String returns a stable, comparable encoding of the key. Two keys with
// the same String are the same entry.
func (k IndexKey) String() string {
	b := make([]byte, 0, len(k.Label)+len(k.Property)+16)
	b = strconv.AppendInt(b, int64(len(k.Label)), 10)
	b = append(b, ':')
	b = append(b, k.Label...)
	b = strconv.AppendInt(b, int64(len(k.Property)), 10)
	b = append(b, ':')
	b = append(b, k.Property...)
	b = value.AppendKey(b, k.Value)
	return string(b)
}

// IndexBound is one end of an IndexRange.
type IndexBound struct {
	Value     value.Value
	Inclusive bool
}

// IndexRange selects the nodes carrying Label whose Property lies between
// Lower and Upper. A nil bound is open.
//
// Values only compare within one kind, so a range selects values of its
// bounds' kind. A range with no bound, a Null or NaN bound, or bounds of
// different kinds selects nothing.
type IndexRange struct {
	Label    string
	Property string
	Lower    *IndexBound
	Upper    *IndexBound
}

// Kind returns the value kind r selects, or false when r selects nothing.
func (r IndexRange) Kind() (value.Kind, bool) {
	var kind value.Kind
	seen := false
	for _, b := range []*IndexBound{r.Lower, r.Upper} {
		if b == nil {
			continue
		}
		if _, ok := value.Compare(b.Value, b.Value); !ok {
			return 0, false
		}
		if seen && b.Value.Kind() != kind {
			return 0, false
		}
		kind, seen = b.Value.Kind(), true
	}
	return kind, seen
}

// Contains reports whether v lies within r.
func (r IndexRange) Contains(v value.Value) bool {
	kind, ok := r.Kind()
	if !ok || v.Kind() != kind {
		return false
	}
	if r.Lower != nil {
		c, ok := value.Compare(v, r.Lower.Value)
		if !ok || c < 0 || (c == 0 && !r.Lower.Inclusive) {
			return false
		}
	}
	if r.Upper != nil {
		c, ok := value.Compare(v, r.Upper.Value)
		if !ok || c > 0 || (c == 0 && !r.Upper.Inclusive) {
			return false
		}
	}
	return true
}

func (r IndexRange) String() string {
	var b strings.Builder
	b.WriteString(r.Label + "." + r.Property + " in ")
	switch {
	case r.Lower == nil:
		b.WriteString("(-inf")
	case r.Lower.Inclusive:
		b.WriteString("[" + r.Lower.Value.String())
	default:
		b.WriteString("(" + r.Lower.Value.String())
	}
	b.WriteString(", ")
	switch {
	case r.Upper == nil:
		b.WriteString("+inf)")
	case r.Upper.Inclusive:
		b.WriteString(r.Upper.Value.String() + "]")
	default:
		b.WriteString(r.Upper.Value.String() + ")")
	}
	return b.String()
}

// IndexPair names one declared (label, property) index.
type IndexPair struct {
	Label    string `json:"label" yaml:"label"`
	Property string `json:"property" yaml:"property"`
}

func (p IndexPair) String() string { return p.Label + "." + p.Property }
