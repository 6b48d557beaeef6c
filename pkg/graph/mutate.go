package graph

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/txn"
	"github.com/orneryd/embergraph/pkg/value"
)

// NodeSpec describes one node of a CreateNodes batch.
type NodeSpec struct {
	Labels     []string `validate:"dive,required"`
	Properties value.Properties
}

// RelSpec describes one relationship of a CreateRelationships batch.
type RelSpec struct {
	Start      storage.NodeID `validate:"required"`
	End        storage.NodeID `validate:"required"`
	Type       string         `validate:"required"`
	Properties value.Properties
}

var specs = validator.New()

// checkSpec validates one batch entry, reporting the first problem as a
// *storage.ValidationError that names the entry.
func checkSpec(kind string, i int, spec any) error {
	err := specs.Struct(spec)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &storage.ValidationError{Field: fmt.Sprintf("%s %d", kind, i), Err: err}
	}
	fe := verrs[0]
	return &storage.ValidationError{
		Field:  fmt.Sprintf("%s %d", kind, i),
		Reason: strings.ToLower(fe.Field()) + " is required",
	}
}

// ============================================================================
// Auto-commit mutations
// ============================================================================

// CreateNode creates one node in its own transaction.
func (s *Store) CreateNode(ctx context.Context, labels []string, props value.Properties) (storage.NodeID, error) {
	var id storage.NodeID
	err := s.Update(ctx, func(tx *txn.Tx) (err error) {
		id, err = tx.CreateNode(labels, props)
		return err
	})
	return id, err
}

// CreateNodes creates every node in one transaction and returns their ids
// in request order. Nothing is created when any request is invalid.
func (s *Store) CreateNodes(ctx context.Context, nodes []NodeSpec) ([]storage.NodeID, error) {
	for i := range nodes {
		if err := checkSpec("node", i, &nodes[i]); err != nil {
			return nil, err
		}
	}
	var ids []storage.NodeID
	err := s.Update(ctx, func(tx *txn.Tx) error {
		ids = make([]storage.NodeID, 0, len(nodes))
		for _, n := range nodes {
			id, err := tx.CreateNode(n.Labels, n.Properties)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// UpdateNode merges props into the node's properties. A Null value removes
// the property.
func (s *Store) UpdateNode(ctx context.Context, id storage.NodeID, props value.Properties) error {
	return s.Update(ctx, func(tx *txn.Tx) error { return tx.UpdateNode(id, props) })
}

// ReplaceNode replaces every property of the node.
func (s *Store) ReplaceNode(ctx context.Context, id storage.NodeID, props value.Properties) error {
	return s.Update(ctx, func(tx *txn.Tx) error { return tx.ReplaceNode(id, props) })
}

// SetLabels replaces the node's labels.
func (s *Store) SetLabels(ctx context.Context, id storage.NodeID, labels []string) error {
	return s.Update(ctx, func(tx *txn.Tx) error { return tx.SetLabels(id, labels) })
}

// DeleteNode deletes the node and its relationships. It reports whether
// the node existed.
func (s *Store) DeleteNode(ctx context.Context, id storage.NodeID) (bool, error) {
	var deleted bool
	err := s.Update(ctx, func(tx *txn.Tx) (err error) {
		deleted, err = tx.DeleteNode(id)
		return err
	})
	return deleted, err
}

// CreateRelationship creates a relationship from start to end. Both
// endpoints must exist.
func (s *Store) CreateRelationship(ctx context.Context, start, end storage.NodeID, relType string, props value.Properties) (storage.RelID, error) {
	var id storage.RelID
	err := s.Update(ctx, func(tx *txn.Tx) (err error) {
		id, err = tx.CreateRelationship(start, end, relType, props)
		return err
	})
	return id, err
}

// CreateRelationships creates every relationship in one transaction and
// returns their ids in request order.
func (s *Store) CreateRelationships(ctx context.Context, rels []RelSpec) ([]storage.RelID, error) {
	for i := range rels {
		if err := checkSpec("relationship", i, &rels[i]); err != nil {
			return nil, err
		}
	}
	var ids []storage.RelID
	err := s.Update(ctx, func(tx *txn.Tx) error {
		ids = make([]storage.RelID, 0, len(rels))
		for _, r := range rels {
			id, err := tx.CreateRelationship(r.Start, r.End, r.Type, r.Properties)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// UpdateRelationship merges props into the relationship's properties.
func (s *Store) UpdateRelationship(ctx context.Context, id storage.RelID, props value.Properties) error {
	return s.Update(ctx, func(tx *txn.Tx) error { return tx.UpdateRelationship(id, props) })
}

// DeleteRelationship deletes the relationship. It reports whether it
// existed.
func (s *Store) DeleteRelationship(ctx context.Context, id storage.RelID) (bool, error) {
	var deleted bool
	err := s.Update(ctx, func(tx *txn.Tx) (err error) {
		deleted, err = tx.DeleteRelationship(id)
		return err
	})
	return deleted, err
}

// ============================================================================
// Reads
// ============================================================================

// Reads below see committed state only and go through the cache.

// GetNode returns a copy of the node or ErrNotFound.
func (s *Store) GetNode(id storage.NodeID) (*storage.Node, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.txns.Reader().GetNode(id)
}

// GetRelationship returns a copy of the relationship or ErrNotFound.
func (s *Store) GetRelationship(id storage.RelID) (*storage.Relationship, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.txns.Reader().GetRelationship(id)
}

// Neighbors lazily yields the relationships incident to id in dir,
// optionally restricted to relType, ordered by relationship id. Each range
// re-reads the latest committed adjacency.
func (s *Store) Neighbors(id storage.NodeID, dir storage.Direction, relType string) iter.Seq2[storage.Neighbor, error] {
	if err := s.checkOpen(); err != nil {
		return func(yield func(storage.Neighbor, error) bool) { yield(storage.Neighbor{}, err) }
	}
	return storage.NeighborSeq(s.txns.Reader(), id, dir, relType)
}

// ScanLabel returns the ids of every node carrying label.
func (s *Store) ScanLabel(label string) ([]storage.NodeID, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.txns.Reader().NodesByLabel(label)
}

// Lookup returns the nodes with label whose property equals v. Undeclared
// pairs are answered by a scan.
func (s *Store) Lookup(label, property string, v value.Value) ([]storage.NodeID, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.index.Lookup(s.txns.Reader(), label, property, v)
}
