package cypher

import (
	"fmt"
	"strings"

	"github.com/orneryd/embergraph/pkg/query"
	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/value"
)

// Query is a parsed read query:
//
//	MATCH pattern [WHERE cond AND ...] RETURN item, ...
//	[ORDER BY var.prop [ASC|DESC]] [SKIP n] [LIMIT n]
type Query struct {
	Match   Pattern
	Where   []Condition
	Return  []ReturnItem
	OrderBy *OrderItem
	Skip    *int
	Limit   *int
}

// Pattern is a linear path: Nodes[i] and Nodes[i+1] are joined by Rels[i].
type Pattern struct {
	Nodes []NodePattern
	Rels  []RelPattern
}

// NodePattern is (var:Label {prop: literal, ...}). Every part is optional.
type NodePattern struct {
	Variable   string
	Label      string
	Properties []PropertyMatch
	Pos        int
}

// PropertyMatch is one inline property equality of a node pattern.
type PropertyMatch struct {
	Property string
	Value    value.Value
}

// RelPattern is -[:TYPE]->, <-[:TYPE]- or -[:TYPE]-. An empty Type matches
// any relationship type.
type RelPattern struct {
	Type      string
	Direction storage.Direction
	Pos       int
}

// Condition is var.prop <op> literal.
type Condition struct {
	Variable string
	Property string
	Op       query.CompareOp
	Value    value.Value
	Pos      int
}

// ItemKind distinguishes RETURN items.
type ItemKind uint8

const (
	// ItemNode returns the node bound to Variable.
	ItemNode ItemKind = iota + 1
	// ItemProperty returns Variable.Property.
	ItemProperty
	// ItemAggregate returns Func over Variable (or Variable.Property, or
	// every row when Star is set).
	ItemAggregate
)

// ReturnItem is one RETURN projection.
type ReturnItem struct {
	Kind     ItemKind
	Variable string
	Property string
	Func     query.AggregateFunc
	Star     bool
	Alias    string
	Pos      int
}

// Name is the result column name: the alias when given, otherwise the
// item as written in canonical form.
func (it ReturnItem) Name() string {
	if it.Alias != "" {
		return it.Alias
	}
	return it.expr()
}

func (it ReturnItem) expr() string {
	switch it.Kind {
	case ItemNode:
		return it.Variable
	case ItemProperty:
		return it.Variable + "." + it.Property
	}
	switch {
	case it.Star:
		return it.Func.String() + "(*)"
	case it.Property != "":
		return fmt.Sprintf("%s(%s.%s)", it.Func, it.Variable, it.Property)
	}
	return fmt.Sprintf("%s(%s)", it.Func, it.Variable)
}

// OrderItem is ORDER BY var.prop, or ORDER BY alias when the query
// aggregates.
type OrderItem struct {
	Variable   string
	Property   string
	Descending bool
	Pos        int
}

func (o OrderItem) expr() string {
	if o.Property == "" {
		return o.Variable
	}
	return o.Variable + "." + o.Property
}

// Aggregates reports whether any RETURN item is an aggregate.
func (q *Query) Aggregates() bool {
	for _, it := range q.Return {
		if it.Kind == ItemAggregate {
			return true
		}
	}
	return false
}

// String renders q in canonical form.
func (q *Query) String() string {
	var sb strings.Builder
	sb.WriteString("MATCH ")
	for i, n := range q.Match.Nodes {
		if i > 0 {
			r := q.Match.Rels[i-1]
			typ := ""
			if r.Type != "" {
				typ = ":" + r.Type
			}
			switch r.Direction {
			case storage.Outgoing:
				fmt.Fprintf(&sb, "-[%s]->", typ)
			case storage.Incoming:
				fmt.Fprintf(&sb, "<-[%s]-", typ)
			default:
				fmt.Fprintf(&sb, "-[%s]-", typ)
			}
		}
		sb.WriteString("(" + n.Variable)
		if n.Label != "" {
			sb.WriteString(":" + n.Label)
		}
		if len(n.Properties) > 0 {
			parts := make([]string, len(n.Properties))
			for j, p := range n.Properties {
				parts[j] = p.Property + ": " + p.Value.String()
			}
			sb.WriteString(" {" + strings.Join(parts, ", ") + "}")
		}
		sb.WriteString(")")
	}
	for i, c := range q.Where {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		fmt.Fprintf(&sb, "%s.%s %s %s", c.Variable, c.Property, c.Op, c.Value)
	}
	sb.WriteString(" RETURN ")
	for i, it := range q.Return {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(it.expr())
		if it.Alias != "" {
			sb.WriteString(" AS " + it.Alias)
		}
	}
	if q.OrderBy != nil {
		sb.WriteString(" ORDER BY " + q.OrderBy.expr())
		if q.OrderBy.Descending {
			sb.WriteString(" DESC")
		}
	}
	if q.Skip != nil {
		fmt.Fprintf(&sb, " SKIP %d", *q.Skip)
	}
	if q.Limit != nil {
		fmt.Fprintf(&sb, " LIMIT %d", *q.Limit)
	}
	return sb.String()
}
