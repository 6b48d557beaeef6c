package query

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/value"
)

// Chain is an immutable single-column pipeline. Every builder returns a
// new Chain, so a prefix can be shared and extended independently.
//
// A chain is executed by one of its terminals (Collect, IDs, Count, Sum,
// Avg, Min, Max) once bound with On or Bind. Builder errors (a negative
// Skip, for example) are reported by the terminal.
type Chain struct {
	ops []Operator
	run Runner
	ctx context.Context
	err error
}

// Scan starts a chain over every node labelled label, or every node when
// label is empty.
func Scan(label string) *Chain {
	return &Chain{ops: []Operator{NodeScan{Label: label}}}
}

// Seek starts a chain over the nodes labelled label whose property equals
// v, answered by the index when the pair is declared.
func Seek(label, property string, v value.Value) *Chain {
	return &Chain{ops: []Operator{IndexSeek{Label: label, Property: property, Value: v}}}
}

// SeekRange starts a chain over the nodes within r.
func SeekRange(r storage.IndexRange) *Chain {
	return &Chain{ops: []Operator{IndexRangeSeek{Range: r}}}
}

func (c *Chain) with(op Operator) *Chain {
	next := *c
	next.ops = append(slices.Clip(c.ops), op)
	return &next
}

func (c *Chain) fail(err error) *Chain {
	next := *c
	if next.err == nil {
		next.err = err
	}
	return &next
}

// Filter keeps the nodes matching pred.
func (c *Chain) Filter(pred Predicate) *Chain {
	if pred == nil {
		return c.fail(&storage.ValidationError{Field: "predicate", Reason: "must not be nil"})
	}
	return c.with(Filter{Col: 0, Pred: pred})
}

// Traverse replaces every node with its neighbors over relationships of
// relType (any type when empty) in dir. A node reached through several
// relationships appears once per relationship; use Distinct to collapse.
func (c *Chain) Traverse(relType string, dir storage.Direction) *Chain {
	if !dir.Valid() {
		return c.fail(&storage.ValidationError{Field: "direction", Reason: "must be outgoing, incoming or both"})
	}
	return c.with(Expand{From: 0, Type: relType, Dir: dir})
}

// Distinct drops repeated nodes, keeping first occurrences.
func (c *Chain) Distinct() *Chain {
	return c.with(Distinct{})
}

// OrderBy sorts by property. Ties keep their previous order.
func (c *Chain) OrderBy(property string, ascending bool) *Chain {
	return c.with(Sort{Col: 0, Property: property, Ascending: ascending})
}

// Skip drops the first n nodes.
func (c *Chain) Skip(n int) *Chain {
	if n < 0 {
		return c.fail(&storage.ValidationError{Field: "skip", Reason: "must not be negative"})
	}
	return c.with(Skip{N: n})
}

// Limit keeps at most n nodes.
func (c *Chain) Limit(n int) *Chain {
	if n < 0 {
		return c.fail(&storage.ValidationError{Field: "limit", Reason: "must not be negative"})
	}
	return c.with(Limit{N: n})
}

// Bind returns the chain executing through run.
func (c *Chain) Bind(run Runner) *Chain {
	next := *c
	next.run = run
	return &next
}

// On returns the chain executing directly against src, such as an open
// transaction.
func (c *Chain) On(src Source) *Chain {
	return c.Bind(SourceRunner(src))
}

// WithContext sets the context terminals execute under.
func (c *Chain) WithContext(ctx context.Context) *Chain {
	next := *c
	next.ctx = ctx
	return &next
}

// Operators returns a copy of the pipeline.
func (c *Chain) Operators() []Operator {
	return slices.Clone(c.ops)
}

// Explain renders the pipeline one operator per line.
func (c *Chain) Explain() string {
	var sb strings.Builder
	for i, op := range c.ops {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%s %s", op.Name(), op.Describe())
	}
	return sb.String()
}

func (c *Chain) String() string { return c.Explain() }

func (c *Chain) context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// execute runs the pipeline and hands each surviving node to visit.
func (c *Chain) execute(visit func(env *Env, n *storage.Node) error) error {
	if c.err != nil {
		return c.err
	}
	if c.run == nil {
		return ErrUnbound
	}
	ctx := c.context()
	return c.run(ctx, func(src Source) error {
		env := NewEnv(ctx, src)
		rows, err := Execute(env, c.ops, nil)
		if err != nil {
			return err
		}
		for _, row := range rows {
			n, ok, err := env.nodeOrSkip(row[0])
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := visit(env, n); err != nil {
				return err
			}
		}
		return nil
	})
}

// Collect returns the resulting nodes in pipeline order.
func (c *Chain) Collect() ([]*storage.Node, error) {
	var out []*storage.Node
	err := c.execute(func(_ *Env, n *storage.Node) error {
		out = append(out, n.Clone())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IDs returns the ids of the resulting nodes in pipeline order.
func (c *Chain) IDs() ([]storage.NodeID, error) {
	var out []storage.NodeID
	err := c.execute(func(_ *Env, n *storage.Node) error {
		out = append(out, n.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of resulting nodes.
func (c *Chain) Count() (int64, error) {
	var count int64
	err := c.execute(func(*Env, *storage.Node) error {
		count++
		return nil
	})
	return count, err
}

func (c *Chain) aggregate(fn AggregateFunc, property string) (value.Value, error) {
	agg := NewAggregator(fn)
	err := c.execute(func(_ *Env, n *storage.Node) error {
		agg.Add(n.Properties.Get(property))
		return nil
	})
	if err != nil {
		return value.Null(), err
	}
	return agg.Result(), nil
}

// Sum adds property over the resulting nodes. The sum is an Int unless a
// Float was added; non-numeric values are skipped.
func (c *Chain) Sum(property string) (value.Value, error) {
	return c.aggregate(AggSum, property)
}

// Avg returns the Float mean of the numeric values of property, or Null
// when there are none.
func (c *Chain) Avg(property string) (value.Value, error) {
	return c.aggregate(AggAvg, property)
}

// Min returns the smallest value of property, or Null.
func (c *Chain) Min(property string) (value.Value, error) {
	return c.aggregate(AggMin, property)
}

// Max returns the largest value of property, or Null.
func (c *Chain) Max(property string) (value.Value, error) {
	return c.aggregate(AggMax, property)
}
