package index

import (
	"fmt"
	"slices"

	"github.com/orneryd/embergraph/pkg/storage"
)

// ConstraintKind selects what a constraint enforces.
type ConstraintKind uint8

const (
	// Unique: no two live nodes with the label share a value.
	Unique ConstraintKind = iota + 1
	// Exists: every node with the label carries the property.
	Exists
)

func (k ConstraintKind) String() string {
	switch k {
	case Unique:
		return "UNIQUE"
	case Exists:
		return "EXISTS"
	}
	return "UNKNOWN"
}

// Constraint is a rule checked on every node a transaction writes.
type Constraint struct {
	Kind     ConstraintKind
	Label    string
	Property string
}

func (c Constraint) String() string {
	return fmt.Sprintf("%s(%s.%s)", c.Kind, c.Label, c.Property)
}

// Pair returns the (label, property) the constraint applies to.
func (c Constraint) Pair() storage.IndexPair {
	return storage.IndexPair{Label: c.Label, Property: c.Property}
}

// Constraints returns the registered constraints.
func (m *Manager) Constraints() []Constraint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.constraints)
}

// AddConstraint checks every existing node against c and registers it.
// A uniqueness constraint needs its pair declared first (see Declare) so
// validation stays an index lookup.
func (m *Manager) AddConstraint(r storage.Reader, c Constraint) error {
	if c.Label == "" || c.Property == "" || (c.Kind != Unique && c.Kind != Exists) {
		return &storage.ValidationError{Field: "constraint", Reason: "kind, label and property are required"}
	}
	if c.Kind == Unique && !m.IsIndexed(c.Label, c.Property) {
		return fmt.Errorf("add %s: %w", c, ErrSchemaMismatch)
	}
	if slices.Contains(m.Constraints(), c) {
		return nil
	}

	ids, err := r.NodesByLabel(c.Label)
	if err != nil {
		return err
	}
	existing := make([]*storage.Node, 0, len(ids))
	for _, id := range ids {
		n, err := r.GetNode(id)
		if err != nil {
			return err
		}
		existing = append(existing, n)
	}
	if err := m.check(r, []Constraint{c}, existing); err != nil {
		return err
	}

	m.mu.Lock()
	m.constraints = append(m.constraints, c)
	m.mu.Unlock()
	m.log.WithField("constraint", c.String()).Info("constraint added")
	return nil
}

// DropConstraint removes c; it reports whether c was registered.
func (m *Manager) DropConstraint(c Constraint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.constraints)
	m.constraints = slices.DeleteFunc(m.constraints, func(o Constraint) bool { return o == c })
	return len(m.constraints) != before
}

// Validate checks the written nodes against every constraint. r must
// reflect the writes being validated (the commit-time Staging), so that two
// nodes created in the same transaction also collide.
func (m *Manager) Validate(r storage.Reader, written []*storage.Node) error {
	constraints := m.Constraints()
	if len(constraints) == 0 || len(written) == 0 {
		return nil
	}
	return m.check(r, constraints, written)
}

func (m *Manager) check(r storage.Reader, constraints []Constraint, nodes []*storage.Node) error {
	for _, n := range nodes {
		for _, c := range constraints {
			if !n.HasLabel(c.Label) {
				continue
			}
			v := n.Properties.Get(c.Property)
			switch c.Kind {
			case Exists:
				if v.IsNull() {
					return violation(c, fmt.Sprintf("node %s has no %q", n.ID, c.Property))
				}
			case Unique:
				if v.IsNull() {
					continue
				}
				ids, err := m.Lookup(r, c.Label, c.Property, v)
				if err != nil {
					return err
				}
				for _, other := range ids {
					if other != n.ID {
						return violation(c, fmt.Sprintf("nodes %s and %s share %s", n.ID, other, v))
					}
				}
			}
		}
	}
	return nil
}

func violation(c Constraint, reason string) error {
	return &storage.ValidationError{Field: c.String(), Reason: reason, Err: ErrConstraintViolation}
}
