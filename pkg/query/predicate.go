package query

import (
	"fmt"
	"strings"

	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/value"
)

// Predicate tests a node.
type Predicate interface {
	Match(n *storage.Node) bool
	String() string
}

// CompareOp is a comparison operator.
type CompareOp uint8

const (
	OpEq CompareOp = iota + 1
	OpNe
	OpGt
	OpGe
	OpLt
	OpLe
)

func (op CompareOp) String() string {
	switch op {
	case OpEq:
		return "="
	case OpNe:
		return "<>"
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	}
	return "?"
}

// Comparison compares a node property against a literal.
//
// Values of different kinds never match under any operator, <> included,
// and neither does a missing property, a Null literal or a NaN.
type Comparison struct {
	Property string
	Op       CompareOp
	Value    value.Value
}

func Eq(property string, v value.Value) Comparison { return Comparison{property, OpEq, v} }
func Ne(property string, v value.Value) Comparison { return Comparison{property, OpNe, v} }
func Gt(property string, v value.Value) Comparison { return Comparison{property, OpGt, v} }
func Ge(property string, v value.Value) Comparison { return Comparison{property, OpGe, v} }
func Lt(property string, v value.Value) Comparison { return Comparison{property, OpLt, v} }
func Le(property string, v value.Value) Comparison { return Comparison{property, OpLe, v} }

// Match implements Predicate.
func (c Comparison) Match(n *storage.Node) bool {
	cmp, ok := value.Compare(n.Properties.Get(c.Property), c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	}
	return false
}

func (c Comparison) String() string {
	return fmt.Sprintf("%s %s %s", c.Property, c.Op, c.Value)
}

type hasLabel string

// HasLabel matches nodes carrying label.
func HasLabel(label string) Predicate { return hasLabel(label) }

func (l hasLabel) Match(n *storage.Node) bool { return n.HasLabel(string(l)) }
func (l hasLabel) String() string            { return ":" + string(l) }

type and []Predicate

// And matches nodes matching every predicate. And() matches everything.
func And(preds ...Predicate) Predicate { return and(preds) }

func (a and) Match(n *storage.Node) bool {
	for _, p := range a {
		if !p.Match(n) {
			return false
		}
	}
	return true
}

func (a and) String() string {
	parts := make([]string, len(a))
	for i, p := range a {
		parts[i] = p.String()
	}
	return strings.Join(parts, " AND ")
}
