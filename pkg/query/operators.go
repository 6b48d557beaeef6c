package query

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/value"
)

// Operator is one stage of a pipeline.
type Operator interface {
	// Name is the operator type shown in plans ("NodeByLabelScan",
	// "Expand", ...).
	Name() string
	// Describe renders the arguments for plan output.
	Describe() string
	// Apply consumes the rows produced so far and returns the next rows.
	// Producing operators ignore in.
	Apply(env *Env, in []Row) ([]Row, error)
}

// Observer receives per-operator statistics from Execute.
type Observer func(i int, op Operator, rows int, elapsed time.Duration)

// Execute runs ops in order. The context of env is checked between
// operators.
func Execute(env *Env, ops []Operator, observe Observer) ([]Row, error) {
	var rows []Row
	for i, op := range ops {
		if err := env.ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		out, err := op.Apply(env, rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op.Name(), err)
		}
		rows = out
		if observe != nil {
			observe(i, op, len(rows), time.Since(start))
		}
	}
	return rows, nil
}

func single(ids []storage.NodeID) []Row {
	rows := make([]Row, len(ids))
	for i, id := range ids {
		rows[i] = Row{id}
	}
	return rows
}

// ============================================================================
// Producers
// ============================================================================

// NodeScan emits every node carrying Label, or every node when Label is
// empty, in id order.
type NodeScan struct {
	Label string
}

func (s NodeScan) Name() string {
	if s.Label == "" {
		return "AllNodesScan"
	}
	return "NodeByLabelScan"
}

func (s NodeScan) Describe() string { return ":" + s.Label }

func (s NodeScan) Apply(env *Env, _ []Row) ([]Row, error) {
	var ids []storage.NodeID
	var err error
	if s.Label == "" {
		ids, err = env.src.AllNodeIDs()
	} else {
		ids, err = env.src.NodesByLabel(s.Label)
	}
	if err != nil {
		return nil, err
	}
	return single(ids), nil
}

// IndexSeek emits the nodes labelled Label whose Property equals Value. It
// is answered by the index when the pair is declared and degrades to a
// label scan otherwise.
type IndexSeek struct {
	Label    string
	Property string
	Value    value.Value
}

func (s IndexSeek) Name() string { return "NodeIndexSeek" }

func (s IndexSeek) Describe() string {
	return fmt.Sprintf(":%s(%s = %s)", s.Label, s.Property, s.Value)
}

func (s IndexSeek) Apply(env *Env, _ []Row) ([]Row, error) {
	ids, err := env.src.Lookup(s.Label, s.Property, s.Value)
	if err != nil {
		return nil, err
	}
	return single(ids), nil
}

// IndexRangeSeek emits the nodes within Range in id order. Like IndexSeek it
// degrades to a label scan when the pair is not declared.
type IndexRangeSeek struct {
	Range storage.IndexRange
}

func (s IndexRangeSeek) Name() string     { return "NodeIndexRangeSeek" }
func (s IndexRangeSeek) Describe() string { return ":" + s.Range.String() }

func (s IndexRangeSeek) Apply(env *Env, _ []Row) ([]Row, error) {
	ids, err := env.src.LookupRange(s.Range)
	if err != nil {
		return nil, err
	}
	return single(ids), nil
}

// ============================================================================
// Row transforms
// ============================================================================

// Filter keeps rows whose node in column Col matches Pred.
type Filter struct {
	Col  int
	Pred Predicate
}

func (f Filter) Name() string     { return "Filter" }
func (f Filter) Describe() string { return fmt.Sprintf("$%d %s", f.Col, f.Pred) }

func (f Filter) Apply(env *Env, in []Row) ([]Row, error) {
	out := in[:0:0]
	for _, row := range in {
		n, ok, err := env.nodeOrSkip(row[f.Col])
		if err != nil {
			return nil, err
		}
		if ok && f.Pred.Match(n) {
			out = append(out, row)
		}
	}
	return out, nil
}

// SameNode keeps rows whose columns A and B bind the same node. It joins a
// variable that appears twice in a pattern.
type SameNode struct {
	A, B int
}

func (s SameNode) Name() string     { return "Filter" }
func (s SameNode) Describe() string { return fmt.Sprintf("$%d = $%d", s.A, s.B) }

func (s SameNode) Apply(_ *Env, in []Row) ([]Row, error) {
	out := in[:0:0]
	for _, row := range in {
		if row[s.A] == row[s.B] {
			out = append(out, row)
		}
	}
	return out, nil
}

// Expand follows relationships of Type (any when empty) in Dir from the
// node in column From. With Append the neighbor is added as a new column;
// otherwise it replaces column From. Each input row yields one row per
// relationship, in relationship id order.
type Expand struct {
	From   int
	Type   string
	Dir    storage.Direction
	Append bool
}

func (x Expand) Name() string { return "Expand" }

func (x Expand) Describe() string {
	arrow := map[storage.Direction]string{
		storage.Outgoing: "-[:%s]->",
		storage.Incoming: "<-[:%s]-",
		storage.Both:     "-[:%s]-",
	}[x.Dir]
	if arrow == "" {
		arrow = "?[:%s]?"
	}
	return fmt.Sprintf("$%d"+arrow, x.From, x.Type)
}

func (x Expand) Apply(env *Env, in []Row) ([]Row, error) {
	if !x.Dir.Valid() {
		return nil, &storage.ValidationError{Field: "direction", Reason: "must be outgoing, incoming or both"}
	}
	var out []Row
	for _, row := range in {
		ns, err := env.src.Neighbors(row[x.From], x.Dir, x.Type)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		for _, nb := range ns {
			var next Row
			if x.Append {
				next = append(slices.Clip(row), nb.Node)
			} else {
				next = slices.Clone(row)
				next[x.From] = nb.Node
			}
			out = append(out, next)
		}
	}
	return out, nil
}

// Distinct drops rows equal to an earlier row on Cols (every column when
// Cols is empty), keeping first occurrences in order.
type Distinct struct {
	Cols []int
}

func (d Distinct) Name() string     { return "Distinct" }
func (d Distinct) Describe() string { return fmt.Sprint(d.Cols) }

func (d Distinct) Apply(_ *Env, in []Row) ([]Row, error) {
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	var buf []byte
	for _, row := range in {
		buf = buf[:0]
		if len(d.Cols) == 0 {
			for _, id := range row {
				buf = binary.BigEndian.AppendUint64(buf, uint64(id))
			}
		} else {
			for _, c := range d.Cols {
				buf = binary.BigEndian.AppendUint64(buf, uint64(row[c]))
			}
		}
		if _, dup := seen[string(buf)]; dup {
			continue
		}
		seen[string(buf)] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}

// Sort orders rows by a property of the node in column Col using
// value.SortCompare. The sort is stable: rows with equal keys keep their
// input order. Missing properties sort as Null (last when ascending).
type Sort struct {
	Col       int
	Property  string
	Ascending bool
}

func (s Sort) Name() string { return "Sort" }

func (s Sort) Describe() string {
	dir := "ASC"
	if !s.Ascending {
		dir = "DESC"
	}
	return fmt.Sprintf("$%d.%s %s", s.Col, s.Property, dir)
}

func (s Sort) Apply(env *Env, in []Row) ([]Row, error) {
	type keyed struct {
		row Row
		key value.Value
	}
	items := make([]keyed, 0, len(in))
	for _, row := range in {
		n, ok, err := env.nodeOrSkip(row[s.Col])
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		items = append(items, keyed{row: row, key: n.Properties.Get(s.Property)})
	}
	slices.SortStableFunc(items, func(a, b keyed) int {
		c := value.SortCompare(a.key, b.key)
		if !s.Ascending {
			c = -c
		}
		return c
	})
	out := make([]Row, len(items))
	for i, it := range items {
		out[i] = it.row
	}
	return out, nil
}

// Skip drops the first N rows.
type Skip struct {
	N int
}

func (s Skip) Name() string     { return "Skip" }
func (s Skip) Describe() string { return fmt.Sprint(s.N) }

func (s Skip) Apply(_ *Env, in []Row) ([]Row, error) {
	if s.N >= len(in) {
		return nil, nil
	}
	return in[s.N:], nil
}

// Limit keeps the first N rows.
type Limit struct {
	N int
}

func (l Limit) Name() string     { return "Limit" }
func (l Limit) Describe() string { return fmt.Sprint(l.N) }

func (l Limit) Apply(_ *Env, in []Row) ([]Row, error) {
	if l.N < len(in) {
		return in[:l.N], nil
	}
	return in, nil
}
