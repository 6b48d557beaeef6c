// Package cypher implements the declarative pattern language: a lexer,
// a recursive-descent parser producing a Query, lowering of the Query to
// a pipeline of query operators, and an Executor that runs plans and
// projects their rows.
//
// The language is a read-only subset:
//
//	MATCH (a:User {name: "Alice"})-[:FRIEND]->(b)
//	WHERE b.age >= 21 AND b.active = true
//	RETURN b.name AS name, count(*)
//	ORDER BY name DESC SKIP 10 LIMIT 5
//
// Anything outside it (OR, subqueries, variable-length paths, write
// clauses, OPTIONAL MATCH, WITH, ...) is rejected with a *SyntaxError
// before anything executes. Prefixing a query with EXPLAIN returns its
// plan; PROFILE runs it and returns the plan with per-operator statistics.
package cypher

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/orneryd/embergraph/pkg/cache"
	"github.com/orneryd/embergraph/pkg/metrics"
	"github.com/orneryd/embergraph/pkg/query"
	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/value"
)

var tracer = otel.Tracer("embergraph.cypher")

// Result holds the rows of an executed query. A cell is a *storage.Node
// for a node item and a value.Value for properties and aggregates.
type Result struct {
	Columns  []string
	Rows     [][]any
	Metadata map[string]any // execution plan for EXPLAIN and PROFILE
}

// Executor compiles and runs queries. Compiled plans are cached by
// fingerprint when a plan cache is configured.
type Executor struct {
	run     query.Runner
	schema  Schema
	plans   *cache.LRU[string, any]
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// Option configures an Executor.
type Option func(*Executor)

// WithPlanCache caches compiled plans in c.
func WithPlanCache(c *cache.LRU[string, any]) Option {
	return func(e *Executor) { e.plans = c }
}

// WithLogger sets the executor logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Executor) { e.log = l.WithField("component", "cypher") }
}

// WithMetrics records query durations in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor returns an executor running plans through run and choosing
// index seeks according to schema.
func NewExecutor(run query.Runner, schema Schema, opts ...Option) *Executor {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	e := &Executor{run: run, schema: schema, log: discard}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compile parses and lowers text, consulting the plan cache first.
func (e *Executor) Compile(text string) (*Plan, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	normalized := normalize(toks)
	fp := fingerprint(normalized)

	var epoch uint64
	if e.plans != nil {
		if v, ok := e.plans.Get(fp); ok {
			if p, ok := v.(*Plan); ok {
				return p, nil
			}
		}
		epoch = e.plans.Epoch()
	}

	q, err := parseTokens(toks)
	if err != nil {
		return nil, err
	}
	plan, err := Lower(q, e.schema)
	if err != nil {
		return nil, err
	}
	plan.Text = normalized
	plan.Fingerprint = fp

	if e.plans != nil && !e.plans.PutIfEpoch(fp, plan, epoch) {
		e.log.WithField("fingerprint", fp).Debug("schema changed during compile; plan not cached")
	}
	return plan, nil
}

// Execute compiles and runs text. EXPLAIN and PROFILE prefixes return the
// plan instead of (or alongside) the rows.
func (e *Executor) Execute(ctx context.Context, text string) (*Result, error) {
	mode, body := parseExecutionMode(text)
	plan, err := e.Compile(body)
	if err != nil {
		return nil, err
	}
	switch mode {
	case ModeExplain:
		return planToResult(plan.explain(ModeExplain, nil)), nil
	case ModeProfile:
		return e.profile(ctx, plan)
	}
	return e.ExecutePlan(ctx, plan)
}

// ExecutePlan runs a compiled plan.
func (e *Executor) ExecutePlan(ctx context.Context, plan *Plan) (*Result, error) {
	return e.execute(ctx, plan, nil)
}

func (e *Executor) profile(ctx context.Context, plan *Plan) (*Result, error) {
	prof := &profiler{}
	res, err := e.execute(ctx, plan, prof)
	if err != nil {
		return nil, err
	}
	out := planToResult(plan.explain(ModeProfile, prof.stats))
	out.Metadata["result"] = res
	return out, nil
}

func (e *Executor) execute(ctx context.Context, plan *Plan, prof *profiler) (res *Result, err error) {
	ctx, span := tracer.Start(ctx, "cypher.execute",
		trace.WithAttributes(
			attribute.String("cypher.fingerprint", plan.Fingerprint),
			attribute.Int("cypher.operators", len(plan.Operators)),
		))
	start := time.Now()
	defer func() {
		e.metrics.QueryDuration("cypher", time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("cypher.rows", len(res.Rows)))
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	err = e.run(ctx, func(src query.Source) error {
		var observe query.Observer
		if prof != nil {
			src = prof.wrap(src)
			observe = prof.observe
		}
		env := query.NewEnv(ctx, src)
		rows, err := query.Execute(env, plan.Operators, observe)
		if err != nil {
			return err
		}
		projStart := time.Now()
		res, err = plan.project(env, rows)
		if err != nil {
			return err
		}
		if prof != nil {
			prof.finish(int64(len(res.Rows)), time.Since(projStart))
		}
		return nil
	})
	if err != nil {
		e.log.WithError(err).WithField("fingerprint", plan.Fingerprint).Debug("query failed")
		return nil, err
	}
	return res, nil
}

// project turns pipeline rows into result rows.
func (p *Plan) project(env *query.Env, rows []query.Row) (*Result, error) {
	res := &Result{Columns: slices.Clone(p.Columns), Rows: make([][]any, 0, len(rows))}
	if p.aggregate {
		if err := p.group(env, rows, res); err != nil {
			return nil, err
		}
		return res, nil
	}
next:
	for _, row := range rows {
		out := make([]any, len(p.items))
		for i, pr := range p.items {
			cell, _, err := cellOf(env, row, pr)
			if errors.Is(err, storage.ErrNotFound) {
				continue next
			}
			if err != nil {
				return nil, err
			}
			out[i] = cell
		}
		res.Rows = append(res.Rows, out)
	}
	return res, nil
}

// cellOf evaluates a node or property item, returning the cell and its
// sort key.
func cellOf(env *query.Env, row query.Row, pr projection) (any, value.Value, error) {
	n, err := env.Node(row[pr.col])
	if err != nil {
		return nil, value.Null(), err
	}
	if pr.item.Kind == ItemNode {
		return n.Clone(), value.Int(int64(n.ID)), nil
	}
	v := n.Properties.Get(pr.item.Property)
	return v, v, nil
}

type group struct {
	cells []any
	keys  []value.Value
	aggs  []*query.Aggregator
}

// group aggregates rows by the non-aggregate items, keeping groups in
// first-seen order, then applies ordering and paging.
func (p *Plan) group(env *query.Env, rows []query.Row, res *Result) error {
	newGroup := func() *group {
		g := &group{cells: make([]any, len(p.items)), keys: make([]value.Value, len(p.items)), aggs: make([]*query.Aggregator, len(p.items))}
		for i, pr := range p.items {
			if pr.item.Kind == ItemAggregate {
				g.aggs[i] = query.NewAggregator(pr.item.Func)
			}
		}
		return g
	}

	var groups []*group
	index := make(map[string]*group)
	var buf []byte
next:
	for _, row := range rows {
		buf = buf[:0]
		cells := make([]any, len(p.items))
		keys := make([]value.Value, len(p.items))
		for i, pr := range p.items {
			if pr.item.Kind == ItemAggregate {
				continue
			}
			cell, key, err := cellOf(env, row, pr)
			if errors.Is(err, storage.ErrNotFound) {
				continue next
			}
			if err != nil {
				return err
			}
			cells[i], keys[i] = cell, key
			if pr.item.Kind == ItemNode {
				buf = binary.BigEndian.AppendUint64(buf, uint64(row[pr.col]))
			} else {
				buf = value.AppendKey(buf, key)
			}
		}
		g, ok := index[string(buf)]
		if !ok {
			g = newGroup()
			g.cells, g.keys = cells, keys
			index[string(buf)] = g
			groups = append(groups, g)
		}
		for i, pr := range p.items {
			if pr.item.Kind != ItemAggregate {
				continue
			}
			v, err := aggregateInput(env, row, pr)
			if err != nil {
				return err
			}
			g.aggs[i].Add(v)
		}
	}

	// Pure aggregation over no rows still yields one row.
	if len(groups) == 0 && !slices.ContainsFunc(p.items, func(pr projection) bool { return pr.item.Kind != ItemAggregate }) {
		groups = append(groups, newGroup())
	}

	for _, g := range groups {
		for i, agg := range g.aggs {
			if agg != nil {
				g.keys[i] = agg.Result()
				g.cells[i] = g.keys[i]
			}
		}
	}
	if o := p.order; o != nil {
		slices.SortStableFunc(groups, func(a, b *group) int {
			c := value.SortCompare(a.keys[o.item], b.keys[o.item])
			if o.desc {
				c = -c
			}
			return c
		})
	}
	groups = page(groups, p.skip, p.limit)
	for _, g := range groups {
		res.Rows = append(res.Rows, g.cells)
	}
	return nil
}

func aggregateInput(env *query.Env, row query.Row, pr projection) (value.Value, error) {
	if pr.item.Star || pr.item.Property == "" {
		// count(*) and count(var) count bound rows.
		return value.Int(1), nil
	}
	n, err := env.Node(row[pr.col])
	if errors.Is(err, storage.ErrNotFound) {
		return value.Null(), nil
	}
	if err != nil {
		return value.Null(), err
	}
	return n.Properties.Get(pr.item.Property), nil
}

func page[T any](s []T, skip, limit int) []T {
	if skip >= len(s) {
		return nil
	}
	s = s[skip:]
	if limit >= 0 && limit < len(s) {
		s = s[:limit]
	}
	return s
}

// profiler collects per-operator statistics for PROFILE by counting the
// source calls made while each operator runs.
type profiler struct {
	hits  int64
	last  int64
	stats []opStats
}

func (p *profiler) wrap(src query.Source) query.Source {
	return &countingSource{Source: src, hits: &p.hits}
}

func (p *profiler) observe(_ int, _ query.Operator, rows int, elapsed time.Duration) {
	p.stats = append(p.stats, opStats{rows: int64(rows), hits: p.hits - p.last, time: elapsed})
	p.last = p.hits
}

func (p *profiler) finish(rows int64, elapsed time.Duration) {
	p.stats = append(p.stats, opStats{rows: rows, hits: p.hits - p.last, time: elapsed})
	p.last = p.hits
}

type countingSource struct {
	query.Source
	hits *int64
}

func (s *countingSource) GetNode(id storage.NodeID) (*storage.Node, error) {
	*s.hits++
	return s.Source.GetNode(id)
}

func (s *countingSource) Neighbors(id storage.NodeID, dir storage.Direction, relType string) ([]storage.Neighbor, error) {
	ns, err := s.Source.Neighbors(id, dir, relType)
	*s.hits += 1 + int64(len(ns))
	return ns, err
}

func (s *countingSource) NodesByLabel(label string) ([]storage.NodeID, error) {
	ids, err := s.Source.NodesByLabel(label)
	*s.hits += 1 + int64(len(ids))
	return ids, err
}

func (s *countingSource) AllNodeIDs() ([]storage.NodeID, error) {
	ids, err := s.Source.AllNodeIDs()
	*s.hits += 1 + int64(len(ids))
	return ids, err
}

func (s *countingSource) Lookup(label, property string, v value.Value) ([]storage.NodeID, error) {
	ids, err := s.Source.Lookup(label, property, v)
	*s.hits += 1 + int64(len(ids))
	return ids, err
}

func (s *countingSource) LookupRange(r storage.IndexRange) ([]storage.NodeID, error) {
	ids, err := s.Source.LookupRange(r)
	*s.hits += 1 + int64(len(ids))
	return ids, err
}
