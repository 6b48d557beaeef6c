// Package query implements the operator pipeline both query surfaces run
// on.
//
// A pipeline is a list of Operators over rows of node ids. The first
// operator produces rows (NodeScan, IndexSeek,
// IndexRangeSeek); each later one filters,
// expands, reorders or trims them. The chained API builds single-column
// pipelines:
//
//	names, err := query.Seek("User", "name", value.Text("Alice")).
//		Traverse("FRIEND", storage.Outgoing).
//		OrderBy("age", false).
//		On(tx).
//		Collect()
//
// The declarative language lowers patterns into multi-column pipelines of
// the same operators, one column per pattern variable.
package query

import (
	"context"
	"errors"

	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/value"
)

// ErrUnbound is returned by a terminal on a chain with no Source or Runner.
var ErrUnbound = errors.New("query: chain is not bound to a source")

// Source is the read surface a pipeline runs against. *txn.Tx implements
// it, so pipelines observe the transaction's own writes.
type Source interface {
	GetNode(id storage.NodeID) (*storage.Node, error)
	Neighbors(id storage.NodeID, dir storage.Direction, relType string) ([]storage.Neighbor, error)
	NodesByLabel(label string) ([]storage.NodeID, error)
	AllNodeIDs() ([]storage.NodeID, error)
	Lookup(label, property string, v value.Value) ([]storage.NodeID, error)
	LookupRange(r storage.IndexRange) ([]storage.NodeID, error)
	IsIndexed(label, property string) bool
}

// Runner provides a Source for the duration of fn, typically by running
// fn inside a read transaction.
type Runner func(ctx context.Context, fn func(Source) error) error

// SourceRunner runs every call against src directly.
func SourceRunner(src Source) Runner {
	return func(_ context.Context, fn func(Source) error) error {
		return fn(src)
	}
}

// Row holds one node id per bound column.
type Row []storage.NodeID

// Env is the state of one pipeline execution.
type Env struct {
	ctx   context.Context
	src   Source
	nodes map[storage.NodeID]*storage.Node
}

// NewEnv prepares an execution against src.
func NewEnv(ctx context.Context, src Source) *Env {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Env{ctx: ctx, src: src, nodes: make(map[storage.NodeID]*storage.Node)}
}

// Source returns the source the execution reads.
func (e *Env) Source() Source { return e.src }

// Context returns the execution context.
func (e *Env) Context() context.Context { return e.ctx }

// Node returns the node, memoized for the rest of the execution. The
// returned node is shared and must not be modified.
func (e *Env) Node(id storage.NodeID) (*storage.Node, error) {
	if n, ok := e.nodes[id]; ok {
		return n, nil
	}
	n, err := e.src.GetNode(id)
	if err != nil {
		return nil, err
	}
	e.nodes[id] = n
	return n, nil
}

// nodeOrSkip loads a node, reporting ok=false when it vanished.
func (e *Env) nodeOrSkip(id storage.NodeID) (*storage.Node, bool, error) {
	n, err := e.Node(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return n, true, nil
}
