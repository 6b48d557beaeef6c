package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/value"
)

type fixture struct {
	engine *storage.MemoryEngine
	idx    *Manager
}

func newFixture(t *testing.T, pairs ...storage.IndexPair) *fixture {
	t.Helper()
	if pairs == nil {
		pairs = DefaultSchema()
	}
	e := storage.NewMemoryEngine()
	t.Cleanup(func() { e.Close() })
	return &fixture{engine: e, idx: NewManager(pairs)}
}

func (f *fixture) commit(t *testing.T, fn func(s *storage.Staging)) {
	t.Helper()
	s := storage.NewStaging(f.engine, f.idx)
	fn(s)
	require.NoError(t, f.engine.Apply(s.Batch()))
}

func (f *fixture) user(t *testing.T, s *storage.Staging, name string, age int64) storage.NodeID {
	t.Helper()
	id, err := f.engine.NextNodeID()
	require.NoError(t, err)
	require.NoError(t, s.CreateNode(id, []string{"User"}, value.Properties{
		"name": value.Text(name),
		"age":  value.Int(age),
	}))
	return id
}

func (f *fixture) lookup(t *testing.T, r storage.Reader, prop string, v value.Value) []storage.NodeID {
	t.Helper()
	ids, err := f.idx.Lookup(r, "User", prop, v)
	require.NoError(t, err)
	return ids
}

func TestDefaultSchema(t *testing.T) {
	idx := NewManager(DefaultSchema())
	assert.True(t, idx.IsIndexed("User", "name"))
	assert.True(t, idx.IsIndexed("User", "age"))
	assert.False(t, idx.IsIndexed("User", "email"))
	assert.Equal(t, []storage.IndexPair{{Label: "User", Property: "age"}, {Label: "User", Property: "name"}}, idx.Pairs())
}

func TestLookupTracksMutations(t *testing.T) {
	f := newFixture(t)

	var alice, bob storage.NodeID
	f.commit(t, func(s *storage.Staging) {
		alice = f.user(t, s, "Alice", 30)
		bob = f.user(t, s, "Bob", 25)
	})
	assert.Equal(t, []storage.NodeID{alice}, f.lookup(t, f.engine, "name", value.Text("Alice")))
	assert.Equal(t, []storage.NodeID{bob}, f.lookup(t, f.engine, "age", value.Int(25)))
	assert.Empty(t, f.lookup(t, f.engine, "age", value.Float(25)), "kinds must match exactly")

	f.commit(t, func(s *storage.Staging) {
		require.NoError(t, s.UpdateProperties(bob, value.Properties{"age": value.Int(30)}))
	})
	assert.Equal(t, []storage.NodeID{alice, bob}, f.lookup(t, f.engine, "age", value.Int(30)))
	assert.Empty(t, f.lookup(t, f.engine, "age", value.Int(25)))

	f.commit(t, func(s *storage.Staging) {
		require.NoError(t, s.SetLabels(alice, []string{"Person"}))
	})
	assert.Equal(t, []storage.NodeID{bob}, f.lookup(t, f.engine, "age", value.Int(30)), "label removal drops entries")

	f.commit(t, func(s *storage.Staging) {
		_, err := s.DeleteNode(bob)
		require.NoError(t, err)
	})
	assert.Empty(t, f.lookup(t, f.engine, "name", value.Text("Bob")))
}

func TestLookupSeesStagedWrites(t *testing.T) {
	f := newFixture(t)
	s := storage.NewStaging(f.engine, f.idx)
	carol := f.user(t, s, "Carol", 41)

	assert.Equal(t, []storage.NodeID{carol}, f.lookup(t, s, "name", value.Text("Carol")))
	assert.Empty(t, f.lookup(t, f.engine, "name", value.Text("Carol")))
}

func TestUndeclaredPairFallsBackToScan(t *testing.T) {
	f := newFixture(t)
	var alice storage.NodeID
	f.commit(t, func(s *storage.Staging) {
		alice = f.user(t, s, "Alice", 30)
		require.NoError(t, s.UpdateProperties(alice, value.Properties{"email": value.Text("a@x.io")}))
	})

	assert.Equal(t, []storage.NodeID{alice}, f.lookup(t, f.engine, "email", value.Text("a@x.io")))

	entries, err := f.engine.IndexLookup(storage.IndexKey{Label: "User", Property: "email", Value: value.Text("a@x.io")})
	require.NoError(t, err)
	assert.Empty(t, entries, "undeclared properties are never indexed")
}

func TestRange(t *testing.T) {
	f := newFixture(t)
	var ids []storage.NodeID
	f.commit(t, func(s *storage.Staging) {
		for i, name := range []string{"Alice", "Bob", "Carol", "Dan"} {
			ids = append(ids, f.user(t, s, name, int64(20+5*i)))
		}
		require.NoError(t, s.UpdateProperties(ids[3], value.Properties{"score": value.Float(2.5)}))
	})
	from := func(prop string, v value.Value) storage.IndexRange {
		return storage.IndexRange{
			Label:    "User",
			Property: prop,
			Lower:    &storage.IndexBound{Value: v, Inclusive: true},
		}
	}

	got, err := f.idx.Range(f.engine, from("age", value.Int(25)))
	require.NoError(t, err)
	assert.Equal(t, ids[1:], got)

	// score is not declared, so the same answer comes from a label scan.
	got, err = f.idx.Range(f.engine, from("score", value.Float(2)))
	require.NoError(t, err)
	assert.Equal(t, []storage.NodeID{ids[3]}, got)

	got, err = f.idx.Range(f.engine, storage.IndexRange{Label: "User", Property: "age"})
	require.NoError(t, err)
	assert.Empty(t, got, "a range with no bound selects nothing")

	s := storage.NewStaging(f.engine, f.idx)
	require.NoError(t, s.UpdateProperties(ids[1], value.Properties{"age": value.Int(1)}))
	got, err = f.idx.Range(s, from("age", value.Int(25)))
	require.NoError(t, err)
	assert.Equal(t, ids[2:], got)
}

func TestDeclareRebuildsExistingNodes(t *testing.T) {
	f := newFixture(t)
	var alice storage.NodeID
	f.commit(t, func(s *storage.Staging) {
		alice = f.user(t, s, "Alice", 30)
		require.NoError(t, s.UpdateProperties(alice, value.Properties{"email": value.Text("a@x.io")}))
		f.user(t, s, "Bob", 25)
	})

	pair := storage.IndexPair{Label: "User", Property: "email"}
	require.NoError(t, f.idx.Declare(f.engine, pair, f.engine.Apply))
	assert.True(t, f.idx.IsIndexed("User", "email"))

	entries, err := f.engine.IndexLookup(storage.IndexKey{Label: "User", Property: "email", Value: value.Text("a@x.io")})
	require.NoError(t, err)
	assert.Equal(t, []storage.NodeID{alice}, entries)

	pairs, err := f.engine.SchemaPairs()
	require.NoError(t, err)
	assert.Contains(t, pairs, pair)

	stats, err := f.idx.Stats(f.engine)
	require.NoError(t, err)
	require.Len(t, stats, 3)
	assert.Equal(t, Stats{Pair: pair, Entries: 1, DistinctValues: 1}, stats[1])

	require.NoError(t, f.idx.Drop(f.engine, pair, f.engine.Apply))
	assert.False(t, f.idx.IsIndexed("User", "email"))
	entries, err = f.engine.IndexLookup(storage.IndexKey{Label: "User", Property: "email", Value: value.Text("a@x.io")})
	require.NoError(t, err)
	assert.Empty(t, entries)

	err = f.idx.Drop(f.engine, pair, f.engine.Apply)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestUniqueConstraint(t *testing.T) {
	f := newFixture(t)
	f.commit(t, func(s *storage.Staging) { f.user(t, s, "Alice", 30) })

	c := Constraint{Kind: Unique, Label: "User", Property: "name"}
	require.NoError(t, f.idx.AddConstraint(f.engine, c))

	s := storage.NewStaging(f.engine, f.idx)
	f.user(t, s, "Alice", 99)
	err := f.idx.Validate(s, s.WrittenNodes())
	assert.ErrorIs(t, err, ErrConstraintViolation)
	assert.ErrorIs(t, err, storage.ErrValidation)

	s = storage.NewStaging(f.engine, f.idx)
	f.user(t, s, "Dave", 50)
	f.user(t, s, "Dave", 51)
	assert.ErrorIs(t, f.idx.Validate(s, s.WrittenNodes()), ErrConstraintViolation, "duplicates inside one batch collide")

	s = storage.NewStaging(f.engine, f.idx)
	f.user(t, s, "Erin", 50)
	assert.NoError(t, f.idx.Validate(s, s.WrittenNodes()))

	err = f.idx.Drop(f.engine, c.Pair(), f.engine.Apply)
	assert.ErrorIs(t, err, storage.ErrValidation, "a constrained index cannot be dropped")

	assert.True(t, f.idx.DropConstraint(c))
	assert.False(t, f.idx.DropConstraint(c))
}

func TestUniqueConstraintRequiresIndex(t *testing.T) {
	f := newFixture(t)
	err := f.idx.AddConstraint(f.engine, Constraint{Kind: Unique, Label: "User", Property: "email"})
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestExistsConstraint(t *testing.T) {
	f := newFixture(t)
	c := Constraint{Kind: Exists, Label: "User", Property: "name"}
	require.NoError(t, f.idx.AddConstraint(f.engine, c))

	s := storage.NewStaging(f.engine, f.idx)
	id, err := f.engine.NextNodeID()
	require.NoError(t, err)
	require.NoError(t, s.CreateNode(id, []string{"User"}, value.Properties{"age": value.Int(3)}))
	assert.ErrorIs(t, f.idx.Validate(s, s.WrittenNodes()), ErrConstraintViolation)

	f.commit(t, func(s *storage.Staging) {
		require.NoError(t, s.CreateNode(id, []string{"User"}, value.Properties{"age": value.Int(3)}))
	})
	other := Constraint{Kind: Exists, Label: "User", Property: "email"}
	assert.ErrorIs(t, f.idx.AddConstraint(f.engine, other), ErrConstraintViolation, "existing data is checked first")
}
