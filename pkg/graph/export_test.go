package graph

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/value"
)

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := openMemory(t)

	ids, err := src.CreateNodes(ctx, []NodeSpec{
		{Labels: []string{"User"}, Properties: user("Alice", 30)},
		{Labels: []string{"User"}, Properties: user("Bob", 25)},
		{Labels: []string{"City"}, Properties: value.Properties{"name": value.Text("Oslo")}},
	})
	require.NoError(t, err)
	_, err = src.CreateRelationships(ctx, []RelSpec{
		{Start: ids[0], End: ids[1], Type: "FRIEND", Properties: value.Properties{"since": value.Int(2019)}},
		{Start: ids[0], End: ids[2], Type: "LIVES_IN"},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	stats, err := src.Export(&buf)
	require.NoError(t, err)
	assert.Equal(t, storage.DumpStats{Nodes: 3, Relationships: 2}, stats)

	// Occupy low ids so the restore has to remap.
	dst := openMemory(t)
	_, err = dst.CreateNode(ctx, []string{"Filler"}, nil)
	require.NoError(t, err)

	stats, err = dst.Import(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, storage.DumpStats{Nodes: 3, Relationships: 2}, stats)

	res, err := dst.Execute(ctx, `MATCH (a:User {name: "Alice"})-[:FRIEND]->(b) RETURN b.name`)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{value.Text("Bob")}}, res.Rows)

	res, err = dst.Execute(ctx, `MATCH (a:User)-[:LIVES_IN]->(c:City) RETURN a.name, c.name`)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{value.Text("Alice"), value.Text("Oslo")}}, res.Rows)

	// Imported nodes are indexed like any other write.
	found, err := dst.Lookup("User", "name", value.Text("Bob"))
	require.NoError(t, err)
	assert.Len(t, found, 1)

	st, err := dst.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Nodes)
	assert.Equal(t, int64(2), st.Relationships)
}

func TestImportLargeDumpSpansBatches(t *testing.T) {
	ctx := context.Background()
	src := openMemory(t)

	specs := make([]NodeSpec, importBatch+10)
	for i := range specs {
		specs[i] = NodeSpec{Labels: []string{"User"}, Properties: user(fmt.Sprintf("u%d", i), int64(i))}
	}
	ids, err := src.CreateNodes(ctx, specs)
	require.NoError(t, err)
	rels := make([]RelSpec, len(ids)-1)
	for i := range rels {
		rels[i] = RelSpec{Start: ids[i], End: ids[i+1], Type: "NEXT"}
	}
	_, err = src.CreateRelationships(ctx, rels)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = src.Export(&buf)
	require.NoError(t, err)

	dst := openMemory(t)
	stats, err := dst.Import(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(specs)), stats.Nodes)
	assert.Equal(t, int64(len(rels)), stats.Relationships)

	res, err := dst.Execute(ctx, `MATCH (a:User {name: "u1004"})-[:NEXT]->(b) RETURN b.age`)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{value.Int(1005)}}, res.Rows)
}

func TestImportRejectsBadDumps(t *testing.T) {
	ctx := context.Background()
	header := `{"format":"embergraph-dump","version":1}`

	t.Run("dangling endpoint", func(t *testing.T) {
		s := openMemory(t)
		dump := strings.Join([]string{
			header,
			`{"node":{"id":1,"labels":["User"]}}`,
			`{"relationship":{"id":1,"type":"FRIEND","start":1,"end":7}}`,
		}, "\n")
		_, err := s.Import(ctx, strings.NewReader(dump))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Contains(t, err.Error(), "endpoint 7 not in dump")

		// Nodes before the failure were committed.
		st, err := s.Stats()
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.Nodes)
		assert.Equal(t, int64(0), st.Relationships)
	})

	t.Run("duplicate node id", func(t *testing.T) {
		s := openMemory(t)
		dump := strings.Join([]string{
			header,
			`{"node":{"id":1,"labels":["User"]}}`,
			`{"node":{"id":1,"labels":["User"]}}`,
		}, "\n")
		_, err := s.Import(ctx, strings.NewReader(dump))
		assert.ErrorIs(t, err, ErrValidation)
		assert.Contains(t, err.Error(), "duplicate id")
	})

	t.Run("no header", func(t *testing.T) {
		s := openMemory(t)
		_, err := s.Import(ctx, strings.NewReader(`{"node":{"id":1}}`))
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("closed store", func(t *testing.T) {
		s, err := OpenMemory()
		require.NoError(t, err)
		require.NoError(t, s.Close())
		_, err = s.Import(ctx, strings.NewReader(header))
		assert.ErrorIs(t, err, ErrClosed)
		_, err = s.Export(&bytes.Buffer{})
		assert.ErrorIs(t, err, ErrClosed)
	})
}
