package graph

import (
	"github.com/orneryd/embergraph/pkg/index"
	"github.com/orneryd/embergraph/pkg/storage"
)

// CreateIndex declares (label, property) and builds its entries from the
// existing nodes. Declaring an existing index is a no-op. Compiled plans
// are dropped so later queries can seek on the new index.
func (s *Store) CreateIndex(label, property string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	pair := storage.IndexPair{Label: label, Property: property}
	return s.txns.ApplySchemaChange(func(r storage.Reader, apply func(*storage.Batch) error) error {
		return s.index.Declare(r, pair, apply)
	})
}

// DropIndex removes an index and its entries. Lookups on the pair fall
// back to label scans afterwards.
func (s *Store) DropIndex(label, property string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	pair := storage.IndexPair{Label: label, Property: property}
	return s.txns.ApplySchemaChange(func(r storage.Reader, apply func(*storage.Batch) error) error {
		return s.index.Drop(r, pair, apply)
	})
}

// Indexes returns the declared pairs.
func (s *Store) Indexes() []storage.IndexPair {
	return s.index.Pairs()
}

// IndexStats reports entry and distinct-value counts per declared index.
func (s *Store) IndexStats() ([]index.Stats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.index.Stats(s.txns.Reader())
}

// CreateUniqueConstraint forbids two nodes with label from sharing a value
// of property. The pair is indexed first when it is not already. Fails
// with ErrConstraintViolation when existing nodes already collide.
//
// Constraints live in memory and must be re-created after reopening a
// badger store.
func (s *Store) CreateUniqueConstraint(label, property string) error {
	return s.addConstraint(index.Constraint{Kind: index.Unique, Label: label, Property: property})
}

// CreateExistenceConstraint requires every node with label to carry
// property.
func (s *Store) CreateExistenceConstraint(label, property string) error {
	return s.addConstraint(index.Constraint{Kind: index.Exists, Label: label, Property: property})
}

// DropConstraint removes c; it reports whether c was registered.
func (s *Store) DropConstraint(c index.Constraint) bool {
	return s.index.DropConstraint(c)
}

// Constraints returns the registered constraints.
func (s *Store) Constraints() []index.Constraint {
	return s.index.Constraints()
}

func (s *Store) addConstraint(c index.Constraint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.txns.ApplySchemaChange(func(r storage.Reader, apply func(*storage.Batch) error) error {
		if c.Kind == index.Unique {
			if err := s.index.Declare(r, c.Pair(), apply); err != nil {
				return err
			}
		}
		return s.index.AddConstraint(r, c)
	})
}
