package graph

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/embergraph/pkg/config"
	"github.com/orneryd/embergraph/pkg/index"
	"github.com/orneryd/embergraph/pkg/query"
	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/txn"
	"github.com/orneryd/embergraph/pkg/value"
)

func openMemory(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := OpenMemory(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func user(name string, age int64) value.Properties {
	return value.Properties{"name": value.Text(name), "age": value.Int(age)}
}

func TestOpenMemoryDefaults(t *testing.T) {
	s := openMemory(t)
	assert.NotEmpty(t, s.ID())
	assert.ElementsMatch(t, index.DefaultSchema(), s.Indexes())

	other := openMemory(t)
	assert.NotEqual(t, s.ID(), other.ID())
}

func TestNodeAndRelationshipLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	alice, err := s.CreateNode(ctx, []string{"User"}, user("Alice", 30))
	require.NoError(t, err)
	bob, err := s.CreateNode(ctx, []string{"User"}, user("Bob", 25))
	require.NoError(t, err)

	n, err := s.GetNode(alice)
	require.NoError(t, err)
	assert.Equal(t, value.Text("Alice"), n.Properties.Get("name"))

	// Returned nodes are copies.
	n.Properties["name"] = value.Text("Mallory")
	again, err := s.GetNode(alice)
	require.NoError(t, err)
	assert.Equal(t, value.Text("Alice"), again.Properties.Get("name"))

	require.NoError(t, s.UpdateNode(ctx, alice, value.Properties{"age": value.Int(31), "name": value.Null()}))
	n, err = s.GetNode(alice)
	require.NoError(t, err)
	assert.Equal(t, value.Int(31), n.Properties.Get("age"))
	assert.False(t, n.Properties.Has("name"))

	require.NoError(t, s.ReplaceNode(ctx, alice, user("Alice", 32)))
	require.NoError(t, s.SetLabels(ctx, alice, []string{"User", "Admin"}))
	admins, err := s.ScanLabel("Admin")
	require.NoError(t, err)
	assert.Equal(t, []storage.NodeID{alice}, admins)

	rel, err := s.CreateRelationship(ctx, alice, bob, "FRIEND", value.Properties{"since": value.Int(2020)})
	require.NoError(t, err)
	require.NoError(t, s.UpdateRelationship(ctx, rel, value.Properties{"since": value.Int(2021)}))
	r, err := s.GetRelationship(rel)
	require.NoError(t, err)
	assert.Equal(t, value.Int(2021), r.Properties.Get("since"))
	assert.Equal(t, alice, r.Start)
	assert.Equal(t, bob, r.End)

	var seen []storage.Neighbor
	for nb, err := range s.Neighbors(bob, storage.Incoming, "FRIEND") {
		require.NoError(t, err)
		seen = append(seen, nb)
	}
	assert.Equal(t, []storage.Neighbor{{Rel: rel, Node: alice}}, seen)

	found, err := s.Lookup("User", "name", value.Text("Bob"))
	require.NoError(t, err)
	assert.Equal(t, []storage.NodeID{bob}, found)

	deleted, err := s.DeleteNode(ctx, alice)
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = s.GetRelationship(rel)
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err = s.DeleteNode(ctx, alice)
	require.NoError(t, err)
	assert.False(t, deleted)
	deletedRel, err := s.DeleteRelationship(ctx, rel)
	require.NoError(t, err)
	assert.False(t, deletedRel)

	for _, err := range s.Neighbors(alice, storage.Both, "") {
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestCreateRelationshipValidation(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	a, err := s.CreateNode(ctx, []string{"User"}, nil)
	require.NoError(t, err)

	_, err = s.CreateRelationship(ctx, a, 999, "FRIEND", nil)
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsRetryable(err))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Relationships)
}

func TestBatchCreation(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	ids, err := s.CreateNodes(ctx, []NodeSpec{
		{Labels: []string{"User"}, Properties: user("Alice", 30)},
		{Labels: []string{"User"}, Properties: user("Bob", 25)},
		{Labels: []string{"Robot"}},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])

	rels, err := s.CreateRelationships(ctx, []RelSpec{
		{Start: ids[0], End: ids[1], Type: "FRIEND"},
		{Start: ids[1], End: ids[2], Type: "OWNS"},
	})
	require.NoError(t, err)
	require.Len(t, rels, 2)
	r, err := s.GetRelationship(rels[1])
	require.NoError(t, err)
	assert.Equal(t, "OWNS", r.Type)

	t.Run("invalid entry creates nothing", func(t *testing.T) {
		_, err := s.CreateNodes(ctx, []NodeSpec{
			{Labels: []string{"User"}},
			{Labels: []string{""}},
		})
		assert.ErrorIs(t, err, ErrValidation)
		assert.Contains(t, err.Error(), "node 1")

		_, err = s.CreateRelationships(ctx, []RelSpec{{Start: ids[0], End: ids[1]}})
		assert.ErrorIs(t, err, ErrValidation)
		assert.Contains(t, err.Error(), "type is required")
	})

	t.Run("failure midway rolls back the batch", func(t *testing.T) {
		_, err := s.CreateRelationships(ctx, []RelSpec{
			{Start: ids[0], End: ids[2], Type: "KNOWS"},
			{Start: ids[0], End: 12345, Type: "KNOWS"},
		})
		assert.ErrorIs(t, err, ErrNotFound)

		stats, err := s.Stats()
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.Nodes)
		assert.Equal(t, int64(2), stats.Relationships)
	})
}

func TestQuerySurfacesAgree(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	ids, err := s.CreateNodes(ctx, []NodeSpec{
		{Labels: []string{"User"}, Properties: user("Alice", 30)},
		{Labels: []string{"User"}, Properties: user("Bob", 25)},
		{Labels: []string{"User"}, Properties: user("Carol", 35)},
	})
	require.NoError(t, err)
	_, err = s.CreateRelationships(ctx, []RelSpec{
		{Start: ids[0], End: ids[1], Type: "FRIEND"},
		{Start: ids[0], End: ids[2], Type: "FRIEND"},
	})
	require.NoError(t, err)

	chained, err := s.Seek("User", "name", value.Text("Alice")).
		Traverse("FRIEND", storage.Outgoing).
		Filter(query.Gt("age", value.Int(26))).
		IDs()
	require.NoError(t, err)
	assert.Equal(t, []storage.NodeID{ids[2]}, chained)

	res, err := s.Execute(ctx, `MATCH (a:User {name: "Alice"})-[:FRIEND]->(b) WHERE b.age > 26 RETURN b`)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, ids[2], res.Rows[0][0].(*storage.Node).ID)

	total, err := s.Scan("User").Sum("age")
	require.NoError(t, err)
	assert.Equal(t, value.Int(90), total)

	plan, err := s.Compile(`MATCH (u:User {name: "Bob"}) RETURN u.age`)
	require.NoError(t, err)
	assert.Equal(t, "NodeIndexSeek", plan.Operators[0].Name())
	res, err = s.ExecutePlan(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{value.Int(25)}}, res.Rows)

	_, err = s.Execute(ctx, "MATCH (a) WHERE a.x = 1 OR a.y = 2 RETURN a")
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestSchemaChanges(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	_, err := s.CreateNodes(ctx, []NodeSpec{
		{Labels: []string{"Product"}, Properties: value.Properties{"sku": value.Text("a-1")}},
		{Labels: []string{"Product"}, Properties: value.Properties{"sku": value.Text("a-2")}},
		{Labels: []string{"Product"}},
	})
	require.NoError(t, err)

	before, err := s.Compile(`MATCH (p:Product {sku: "a-1"}) RETURN p`)
	require.NoError(t, err)
	assert.Equal(t, "NodeByLabelScan", before.Operators[0].Name())

	require.NoError(t, s.CreateIndex("Product", "sku"))
	assert.Contains(t, s.Indexes(), storage.IndexPair{Label: "Product", Property: "sku"})

	after, err := s.Compile(`MATCH (p:Product {sku: "a-1"}) RETURN p`)
	require.NoError(t, err)
	assert.Equal(t, "NodeIndexSeek", after.Operators[0].Name(), "schema change drops cached plans")

	stats, err := s.IndexStats()
	require.NoError(t, err)
	for _, st := range stats {
		if st.Pair.Label == "Product" {
			assert.Equal(t, 2, st.Entries)
			assert.Equal(t, 2, st.DistinctValues)
		}
	}

	require.NoError(t, s.CreateUniqueConstraint("Product", "sku"))
	_, err = s.CreateNode(ctx, []string{"Product"}, value.Properties{"sku": value.Text("a-1")})
	assert.ErrorIs(t, err, ErrConstraintViolation)
	assert.False(t, IsRetryable(err))

	err = s.CreateExistenceConstraint("Product", "sku")
	assert.ErrorIs(t, err, ErrConstraintViolation, "an existing product has no sku")

	err = s.DropIndex("Product", "sku")
	assert.ErrorIs(t, err, ErrValidation, "index backs a constraint")
	require.True(t, s.DropConstraint(index.Constraint{Kind: index.Unique, Label: "Product", Property: "sku"}))
	require.NoError(t, s.DropIndex("Product", "sku"))
	assert.Empty(t, s.Constraints())

	err = s.DropIndex("Product", "sku")
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	found, err := s.Lookup("Product", "sku", value.Text("a-2"))
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestUpdateRetriesConflicts(t *testing.T) {
	for _, mode := range []txn.Mode{txn.Pessimistic, txn.Optimistic} {
		t.Run(mode.String(), func(t *testing.T) {
			ctx := context.Background()
			s := openMemory(t, WithLockMode(mode), WithMaxRetries(100), WithLockWaitTimeout(time.Second))

			counter, err := s.CreateNode(ctx, []string{"Counter"}, value.Properties{"n": value.Int(0)})
			require.NoError(t, err)

			const workers = 8
			var g errgroup.Group
			for range workers {
				g.Go(func() error {
					return s.Update(ctx, func(tx *txn.Tx) error {
						n, err := tx.GetNode(counter)
						if err != nil {
							return err
						}
						cur, _ := n.Properties.Get("n").AsInt()
						return tx.UpdateNode(counter, value.Properties{"n": value.Int(cur + 1)})
					})
				})
			}
			require.NoError(t, g.Wait())

			n, err := s.GetNode(counter)
			require.NoError(t, err)
			assert.Equal(t, value.Int(workers), n.Properties.Get("n"))
		})
	}
}

func TestUpdateDoesNotRetryTerminalErrors(t *testing.T) {
	s := openMemory(t)
	boom := errors.New("boom")

	var calls atomic.Int32
	err := s.Update(context.Background(), func(tx *txn.Tx) error {
		calls.Add(1)
		if _, err := tx.CreateNode([]string{"User"}, nil); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), calls.Load())

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Nodes, "failed update leaves nothing behind")
}

func TestUpdateGivesUpAfterMaxRetries(t *testing.T) {
	s := openMemory(t, WithMaxRetries(2))

	var calls atomic.Int32
	err := s.Update(context.Background(), func(tx *txn.Tx) error {
		calls.Add(1)
		return txn.ErrDeadlock
	})
	assert.ErrorIs(t, err, ErrDeadlock)
	assert.Equal(t, int32(3), calls.Load())
}

func TestViewNeverCommits(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	err := s.View(ctx, func(tx *txn.Tx) error {
		id, err := tx.CreateNode([]string{"User"}, user("Ghost", 1))
		if err != nil {
			return err
		}
		// The transaction sees its own write, index lookups included.
		ids, err := tx.Lookup("User", "name", value.Text("Ghost"))
		if err != nil {
			return err
		}
		assert.Equal(t, []storage.NodeID{id}, ids)
		return nil
	})
	require.NoError(t, err)

	ids, err := s.Lookup("User", "name", value.Text("Ghost"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestViewReadsASnapshot(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	alice, err := s.CreateNode(ctx, []string{"User"}, user("Alice", 30))
	require.NoError(t, err)

	err = s.View(ctx, func(tx *txn.Tx) error {
		assert.True(t, tx.ReadOnly())
		// Commits made while the view is open do not wait for it and are
		// not seen by it.
		if _, err := s.CreateNode(ctx, []string{"User"}, user("Bob", 25)); err != nil {
			return err
		}
		if err := s.UpdateNode(ctx, alice, value.Properties{"age": value.Int(31)}); err != nil {
			return err
		}
		n, err := tx.GetNode(alice)
		if err != nil {
			return err
		}
		assert.Equal(t, value.Int(30), n.Properties.Get("age"))
		users, err := tx.NodesByLabel("User")
		if err != nil {
			return err
		}
		assert.Equal(t, []storage.NodeID{alice}, users)
		return nil
	})
	require.NoError(t, err)

	n, err := s.GetNode(alice)
	require.NoError(t, err)
	assert.Equal(t, value.Int(31), n.Properties.Get("age"))
}

func TestRangeQueries(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	ids, err := s.CreateNodes(ctx, []NodeSpec{
		{Labels: []string{"User"}, Properties: user("Alice", 30)},
		{Labels: []string{"User"}, Properties: user("Bob", 25)},
		{Labels: []string{"User"}, Properties: user("Carol", 35)},
		{Labels: []string{"User"}, Properties: value.Properties{"name": value.Text("Dan"), "age": value.Float(31.5)}},
	})
	require.NoError(t, err)

	chained, err := s.SeekRange(storage.IndexRange{
		Label:    "User",
		Property: "age",
		Lower:    &storage.IndexBound{Value: value.Int(26)},
		Upper:    &storage.IndexBound{Value: value.Int(35), Inclusive: true},
	}).IDs()
	require.NoError(t, err)
	assert.Equal(t, []storage.NodeID{ids[0], ids[2]}, chained)

	plan, err := s.Compile(`MATCH (u:User) WHERE u.age > 26 AND u.age <= 35 RETURN u.name ORDER BY u.name`)
	require.NoError(t, err)
	assert.Equal(t, "NodeIndexRangeSeek", plan.Operators[0].Name())
	res, err := s.ExecutePlan(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{value.Text("Alice")}, {value.Text("Carol")}}, res.Rows)

	res, err = s.Execute(ctx, `MATCH (u:User) WHERE u.age >= 31.0 RETURN u.name`)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{value.Text("Dan")}}, res.Rows, "comparisons match their own kind")
}

func TestExplicitTransaction(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	tx, err := s.Begin(ctx, txn.Options{Mode: txn.Optimistic})
	require.NoError(t, err)
	assert.Equal(t, txn.Optimistic, tx.Mode())

	a, err := tx.CreateNode([]string{"User"}, user("Alice", 30))
	require.NoError(t, err)
	require.NoError(t, tx.Savepoint("before-bob"))
	_, err = tx.CreateNode([]string{"User"}, user("Bob", 25))
	require.NoError(t, err)
	require.NoError(t, tx.RollbackTo("before-bob"))
	require.NoError(t, tx.Commit())

	ids, err := s.ScanLabel("User")
	require.NoError(t, err)
	assert.Equal(t, []storage.NodeID{a}, ids)
}

func TestAsync(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(WithAsyncWorkers(2))
	require.NoError(t, err)

	futures := make([]*Future[storage.NodeID], 10)
	for i := range futures {
		futures[i] = s.Async().CreateNode(ctx, []string{"User"}, user("u", int64(i)))
	}
	seen := make(map[storage.NodeID]bool)
	for _, f := range futures {
		id, err := f.Wait(ctx)
		require.NoError(t, err)
		seen[id] = true
	}
	assert.Len(t, seen, 10)

	res, err := s.Async().Execute(ctx, "MATCH (u:User) RETURN count(*)").Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{value.Int(10)}}, res.Rows)

	_, err = s.Async().Update(ctx, func(tx *txn.Tx) error { return errors.New("nope") }).Wait(ctx)
	assert.EqualError(t, err, "nope")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Async().CreateNode(ctx, nil, nil).Wait(cancelled)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, s.Close())
	f := s.Async().CreateNode(ctx, []string{"User"}, nil)
	<-f.Done()
	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.CreateNode(ctx, []string{"User"}, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.GetNode(1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Execute(ctx, "MATCH (n) RETURN n")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Scan("User").Count()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.CreateIndex("A", "b"), ErrClosed)
	_, err = s.Stats()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenBadgerPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenBadger(dir)
	require.NoError(t, err)
	id := s.ID()
	alice, err := s.CreateNode(ctx, []string{"User"}, user("Alice", 30))
	require.NoError(t, err)
	bob, err := s.CreateNode(ctx, []string{"User"}, user("Bob", 25))
	require.NoError(t, err)
	_, err = s.CreateRelationship(ctx, alice, bob, "FRIEND", nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateIndex("User", "email"))
	require.NoError(t, s.Close())

	s, err = OpenBadger(dir, WithSchema())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, id, s.ID())
	assert.Contains(t, s.Indexes(), storage.IndexPair{Label: "User", Property: "email"})
	assert.Contains(t, s.Indexes(), storage.IndexPair{Label: "User", Property: "name"})

	res, err := s.Execute(ctx, `MATCH (a:User {name: "Alice"})-[:FRIEND]->(b) RETURN b.name`)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{value.Text("Bob")}}, res.Rows)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Nodes)
	assert.Equal(t, int64(1), stats.Relationships)
}

func TestOpenFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "badger"
	cfg.Storage.DataDir = t.TempDir()
	cfg.Transactions.Mode = "optimistic"
	cfg.Index.Pairs = []string{"Product.sku"}

	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []storage.IndexPair{{Label: "Product", Property: "sku"}}, s.Indexes())

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, txn.Optimistic, tx.Mode())
	require.NoError(t, tx.Rollback())

	cfg.Storage.Backend = "rocks"
	_, err = Open(cfg)
	assert.Error(t, err)
}

func TestMetricsAndStats(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	id, err := s.CreateNode(ctx, []string{"User"}, user("Alice", 30))
	require.NoError(t, err)
	_, err = s.GetNode(id)
	require.NoError(t, err)
	_, err = s.Execute(ctx, "MATCH (u:User) RETURN u")
	require.NoError(t, err)

	families, err := s.Metrics().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["embergraph_txn_begun_total"])
	assert.True(t, names["embergraph_query_duration_seconds"])

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Nodes)
	assert.Equal(t, int64(0), stats.ActiveTx)
	assert.Len(t, stats.Caches, 4)
}
