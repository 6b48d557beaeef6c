package cypher

import (
	"fmt"
	"slices"
	"strings"

	"github.com/orneryd/embergraph/pkg/query"
	"github.com/orneryd/embergraph/pkg/storage"
)

// Schema reports which (label, property) pairs are indexed. Lowering uses
// it to choose between an index seek and a label scan.
type Schema interface {
	IsIndexed(label, property string) bool
}

// Plan is a lowered query: an operator pipeline over rows with one column
// per node pattern, followed by projection. Plans are immutable and safe
// to share between goroutines.
type Plan struct {
	// Text is the normalized query text and Fingerprint its digest.
	Text        string
	Fingerprint string
	Query       *Query

	// Columns names the result columns.
	Columns []string
	// Operators is the row pipeline.
	Operators []query.Operator

	bindings    []string   // pattern column names
	identifiers [][]string // bound variables after each operator
	items       []projection
	aggregate   bool

	// post-aggregation ordering and paging
	order *resultOrder
	skip  int
	limit int
}

type projection struct {
	item ReturnItem
	col  int
}

type resultOrder struct {
	item int
	desc bool
}

// Lower translates q into a plan. Each node pattern becomes a column: the
// first is produced by an index seek when one of its equality properties
// is indexed (inline or in WHERE), by an index range seek when WHERE bounds
// an indexed property, and by a label scan otherwise; every
// relationship pattern expands into the next column. Label and property
// filters of later nodes, repeated variables and WHERE conditions become
// filters placed as soon as their column is bound. Undefined variables
// are reported as a *SyntaxError.
func Lower(q *Query, schema Schema) (*Plan, error) {
	l := &lowering{
		q:      q,
		schema: schema,
		plan:   &Plan{Query: q, skip: 0, limit: -1},
		vars:   make(map[string]int),
		used:   make([]bool, len(q.Where)),
	}
	if err := l.checkVariables(); err != nil {
		return nil, err
	}
	l.lowerPattern()
	if err := l.lowerReturn(); err != nil {
		return nil, err
	}
	return l.plan, nil
}

type lowering struct {
	q      *Query
	schema Schema
	plan   *Plan
	vars   map[string]int
	used   []bool // WHERE conditions already applied
}

func (l *lowering) checkVariables() error {
	defined := make(map[string]bool)
	for _, n := range l.q.Match.Nodes {
		if n.Variable != "" {
			defined[n.Variable] = true
		}
	}
	for _, c := range l.q.Where {
		if !defined[c.Variable] {
			return syntaxErr(c.Pos, "variable %s is not defined", c.Variable)
		}
	}
	for _, it := range l.q.Return {
		if !it.Star && !defined[it.Variable] {
			return syntaxErr(it.Pos, "variable %s is not defined", it.Variable)
		}
	}
	return nil
}

func (l *lowering) emit(op query.Operator) {
	l.plan.Operators = append(l.plan.Operators, op)
	var bound []string
	for col, name := range l.plan.bindings {
		if v, ok := l.vars[name]; ok && v == col {
			bound = append(bound, name)
		}
	}
	l.plan.identifiers = append(l.plan.identifiers, bound)
}

// filter emits one Filter for preds on col, if there are any.
func (l *lowering) filter(col int, preds []query.Predicate) {
	switch len(preds) {
	case 0:
	case 1:
		l.emit(query.Filter{Col: col, Pred: preds[0]})
	default:
		l.emit(query.Filter{Col: col, Pred: query.And(preds...)})
	}
}

// seekKey picks the indexed equality the first node is seeded from. from
// is the index of the inline property, or -1 - i for WHERE condition i.
func (l *lowering) seekKey(n NodePattern) (from int, ok bool) {
	if n.Label == "" || l.schema == nil {
		return 0, false
	}
	for i, pm := range n.Properties {
		if l.schema.IsIndexed(n.Label, pm.Property) {
			return i, true
		}
	}
	if n.Variable == "" {
		return 0, false
	}
	for i, c := range l.q.Where {
		if c.Variable == n.Variable && c.Op == query.OpEq && l.schema.IsIndexed(n.Label, c.Property) {
			return -1 - i, true
		}
	}
	return 0, false
}

// seekRange builds a range over the first indexed property the WHERE
// clause bounds with <, <=, > or >= on n. One lower and one upper condition
// are consumed; further bounds stay filters.
func (l *lowering) seekRange(n NodePattern) (storage.IndexRange, bool) {
	if n.Label == "" || n.Variable == "" || l.schema == nil {
		return storage.IndexRange{}, false
	}
	rng := storage.IndexRange{Label: n.Label}
	var consumed []int
	for i, c := range l.q.Where {
		if c.Variable != n.Variable || !l.schema.IsIndexed(n.Label, c.Property) {
			continue
		}
		if rng.Property != "" && c.Property != rng.Property {
			continue
		}
		bound := &storage.IndexBound{Value: c.Value, Inclusive: c.Op == query.OpGe || c.Op == query.OpLe}
		switch {
		case (c.Op == query.OpGt || c.Op == query.OpGe) && rng.Lower == nil:
			rng.Lower = bound
		case (c.Op == query.OpLt || c.Op == query.OpLe) && rng.Upper == nil:
			rng.Upper = bound
		default:
			continue
		}
		rng.Property = c.Property
		consumed = append(consumed, i)
	}
	if len(consumed) == 0 {
		return storage.IndexRange{}, false
	}
	for _, i := range consumed {
		l.used[i] = true
	}
	return rng, true
}

func (l *lowering) lowerPattern() {
	nodes := l.q.Match.Nodes
	for i, n := range nodes {
		name := n.Variable
		if name == "" {
			name = fmt.Sprintf("anon_%d", i)
		}
		l.plan.bindings = append(l.plan.bindings, name)
	}

	first := nodes[0]
	var preds []query.Predicate
	if from, ok := l.seekKey(first); ok {
		seek := query.IndexSeek{Label: first.Label}
		if from >= 0 {
			seek.Property = first.Properties[from].Property
			seek.Value = first.Properties[from].Value
		} else {
			c := l.q.Where[-1-from]
			seek.Property, seek.Value = c.Property, c.Value
			l.used[-1-from] = true
		}
		l.bind(first.Variable, 0)
		l.emit(seek)
		for i, pm := range first.Properties {
			if i != from {
				preds = append(preds, query.Eq(pm.Property, pm.Value))
			}
		}
	} else {
		l.bind(first.Variable, 0)
		if rng, ok := l.seekRange(first); ok {
			l.emit(query.IndexRangeSeek{Range: rng})
		} else {
			l.emit(query.NodeScan{Label: first.Label})
		}
		for _, pm := range first.Properties {
			preds = append(preds, query.Eq(pm.Property, pm.Value))
		}
	}
	l.filter(0, append(preds, l.conditions(first.Variable)...))

	for i, r := range l.q.Match.Rels {
		col := i + 1
		n := nodes[col]
		prev, reused := l.vars[n.Variable]
		if !reused {
			l.bind(n.Variable, col)
		}
		l.emit(query.Expand{From: i, Type: r.Type, Dir: r.Direction, Append: true})

		var preds []query.Predicate
		if n.Label != "" {
			preds = append(preds, query.HasLabel(n.Label))
		}
		for _, pm := range n.Properties {
			preds = append(preds, query.Eq(pm.Property, pm.Value))
		}
		if reused {
			l.emit(query.SameNode{A: prev, B: col})
		}
		l.filter(col, append(preds, l.conditions(n.Variable)...))
	}
}

func (l *lowering) bind(variable string, col int) {
	if variable != "" {
		l.vars[variable] = col
	}
}

// conditions returns the unapplied WHERE conditions on variable as
// predicates and marks them applied.
func (l *lowering) conditions(variable string) []query.Predicate {
	if variable == "" {
		return nil
	}
	var preds []query.Predicate
	for i, c := range l.q.Where {
		if l.used[i] || c.Variable != variable {
			continue
		}
		l.used[i] = true
		preds = append(preds, query.Comparison{Property: c.Property, Op: c.Op, Value: c.Value})
	}
	return preds
}

func (l *lowering) lowerReturn() error {
	q, plan := l.q, l.plan
	plan.aggregate = q.Aggregates()
	for _, it := range q.Return {
		col := -1
		if !it.Star {
			col = l.vars[it.Variable]
		}
		plan.items = append(plan.items, projection{item: it, col: col})
		plan.Columns = append(plan.Columns, it.Name())
	}

	if plan.aggregate {
		if q.OrderBy != nil {
			idx := slices.IndexFunc(q.Return, func(it ReturnItem) bool {
				return (q.OrderBy.Property == "" && it.Alias == q.OrderBy.Variable) ||
					(it.Kind != ItemAggregate && it.expr() == q.OrderBy.expr())
			})
			if idx < 0 {
				return syntaxErr(q.OrderBy.Pos, "ORDER BY %s must name a returned grouping key or alias in an aggregating query", q.OrderBy.expr())
			}
			plan.order = &resultOrder{item: idx, desc: q.OrderBy.Descending}
		}
		if q.Skip != nil {
			plan.skip = *q.Skip
		}
		if q.Limit != nil {
			plan.limit = *q.Limit
		}
		return nil
	}

	if o := q.OrderBy; o != nil {
		variable, property := o.Variable, o.Property
		if property == "" {
			idx := slices.IndexFunc(q.Return, func(it ReturnItem) bool { return it.Alias == o.Variable })
			switch {
			case idx >= 0 && q.Return[idx].Kind == ItemProperty:
				variable, property = q.Return[idx].Variable, q.Return[idx].Property
			case idx >= 0 || l.isVariable(o.Variable):
				return syntaxErr(o.Pos, "ORDER BY %s: sort by a property, not a node", o.Variable)
			default:
				return syntaxErr(o.Pos, "variable %s is not defined", o.Variable)
			}
		}
		col, ok := l.vars[variable]
		if !ok {
			return syntaxErr(o.Pos, "variable %s is not defined", variable)
		}
		l.emit(query.Sort{Col: col, Property: property, Ascending: !o.Descending})
	}
	if q.Skip != nil {
		l.emit(query.Skip{N: *q.Skip})
	}
	if q.Limit != nil {
		l.emit(query.Limit{N: *q.Limit})
	}
	return nil
}

func (l *lowering) isVariable(name string) bool {
	_, ok := l.vars[name]
	return ok
}

// describe renders an operator with column references replaced by
// variable names.
func (p *Plan) describe(op query.Operator) string {
	pairs := make([]string, 0, 2*len(p.bindings))
	for col := len(p.bindings) - 1; col >= 0; col-- {
		pairs = append(pairs, fmt.Sprintf("$%d", col), p.bindings[col])
	}
	return strings.NewReplacer(pairs...).Replace(op.Describe())
}

// String renders the pipeline one operator per line.
func (p *Plan) String() string {
	var sb strings.Builder
	for i, op := range p.Operators {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%s %s", op.Name(), p.describe(op))
	}
	return sb.String()
}
