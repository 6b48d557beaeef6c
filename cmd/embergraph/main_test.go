package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/embergraph/pkg/graph"
	"github.com/orneryd/embergraph/pkg/value"
)

func init() {
	color.NoColor = true
}

// seedStore writes a small social graph to a fresh badger directory.
func seedStore(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	s, err := graph.OpenBadger(dir)
	require.NoError(t, err)
	ids, err := s.CreateNodes(ctx, []graph.NodeSpec{
		{Labels: []string{"User"}, Properties: value.Properties{"name": value.Text("Alice"), "age": value.Int(30)}},
		{Labels: []string{"User"}, Properties: value.Properties{"name": value.Text("Bob"), "age": value.Int(25)}},
		{Labels: []string{"User"}, Properties: value.Properties{"name": value.Text("Carol"), "age": value.Int(35)}},
	})
	require.NoError(t, err)
	_, err = s.CreateRelationships(ctx, []graph.RelSpec{
		{Start: ids[0], End: ids[1], Type: "FRIEND"},
		{Start: ids[0], End: ids[2], Type: "FRIEND"},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	return dir
}

func runCLI(t *testing.T, stdin io.Reader, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, _, err := runCLI(t, nil, "version")
	require.NoError(t, err)
	assert.Equal(t, "embergraph v"+version+" ("+commit+")\n", out)
}

func TestQueryCommand(t *testing.T) {
	dir := seedStore(t)

	t.Run("table", func(t *testing.T) {
		out, _, err := runCLI(t, nil, "--data-dir", dir, "query",
			`MATCH (a:User {name: "Alice"})-[:FRIEND]->(b) WHERE b.age > 26 RETURN b.name`)
		require.NoError(t, err)
		assert.Contains(t, out, "Carol")
		assert.NotContains(t, out, "Bob")
		assert.Contains(t, out, "1 row\n")
	})

	t.Run("json", func(t *testing.T) {
		out, _, err := runCLI(t, nil, "--data-dir", dir, "query", "--format", "json",
			"MATCH (u:User) RETURN count(*)")
		require.NoError(t, err)

		var got struct {
			Columns []string        `json:"columns"`
			Rows    [][]value.Value `json:"rows"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		require.Len(t, got.Rows, 1)
		n, ok := got.Rows[0][0].AsInt()
		require.True(t, ok)
		assert.Equal(t, int64(3), n)
	})

	t.Run("explain", func(t *testing.T) {
		out, _, err := runCLI(t, nil, "--data-dir", dir, "query",
			`EXPLAIN MATCH (u:User {name: "Bob"}) RETURN u`)
		require.NoError(t, err)
		assert.Contains(t, out, "NodeIndexSeek")
	})

	t.Run("syntax error", func(t *testing.T) {
		_, errOut, err := runCLI(t, nil, "--data-dir", dir, "query", "MATCH (n RETURN n")
		require.Error(t, err)
		assert.ErrorIs(t, err, graph.ErrSyntax)
		assert.Contains(t, errOut, "✗")
	})

	t.Run("unknown format", func(t *testing.T) {
		_, _, err := runCLI(t, nil, "--data-dir", dir, "query", "--format", "xml", "MATCH (n) RETURN n")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown format")
	})
}

func TestStatsCommand(t *testing.T) {
	dir := seedStore(t)

	out, _, err := runCLI(t, nil, "--data-dir", dir, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Nodes:          3")
	assert.Contains(t, out, "Relationships:  2")
	assert.Contains(t, out, "User.name")
	assert.Contains(t, out, "Heap in use:")
	assert.Contains(t, out, "Hit rate")
}

func TestIndexCommands(t *testing.T) {
	dir := seedStore(t)

	out, _, err := runCLI(t, nil, "--data-dir", dir, "index", "create", "User.city")
	require.NoError(t, err)
	assert.Contains(t, out, "index User.city declared")

	out, _, err = runCLI(t, nil, "--data-dir", dir, "index", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "User.city")
	assert.Contains(t, out, "User.name")

	out, _, err = runCLI(t, nil, "--data-dir", dir, "index", "drop", "User.city")
	require.NoError(t, err)
	assert.Contains(t, out, "index User.city dropped")

	out, _, err = runCLI(t, nil, "--data-dir", dir, "index", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "User.city")

	_, _, err = runCLI(t, nil, "--data-dir", dir, "index", "drop", "User.city")
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrSchemaMismatch)

	_, _, err = runCLI(t, nil, "--data-dir", dir, "index", "create", "nodot")
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrValidation)
}

func TestShellCommand(t *testing.T) {
	dir := seedStore(t)

	input := strings.Join([]string{
		":help",
		`MATCH (u:User {name: "Bob"}) \`,
		"RETURN u.age;",
		"MATCH (n RETURN n",
		":indexes",
		":bogus",
		":exit",
		"MATCH (u:User) RETURN u.name",
	}, "\n")
	out, _, err := runCLI(t, strings.NewReader(input), "--data-dir", dir, "shell")
	require.NoError(t, err)

	assert.Contains(t, out, ":stats")
	assert.Contains(t, out, "25")
	assert.Contains(t, out, "1 row")
	assert.Contains(t, out, "✗")
	assert.Contains(t, out, "unknown command :bogus")
	assert.Contains(t, out, "User.age")
	// Nothing after :exit runs.
	assert.NotContains(t, out, "Alice")
}

func TestShellStopsAtEOF(t *testing.T) {
	dir := seedStore(t)

	out, _, err := runCLI(t, strings.NewReader(":stats\n"), "--data-dir", dir, "shell")
	require.NoError(t, err)
	assert.Contains(t, out, "Nodes:          3")
}

func TestConfigFileFlag(t *testing.T) {
	_, _, err := runCLI(t, nil, "--config", t.TempDir()+"/missing.yaml", "stats")
	require.Error(t, err)

	_, _, err = runCLI(t, nil, "--log-level", "loud", "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}

func TestExportImportCommands(t *testing.T) {
	src := seedStore(t)
	dumpFile := t.TempDir() + "/dump.jsonl"

	out, _, err := runCLI(t, nil, "--data-dir", src, "export", dumpFile)
	require.NoError(t, err)
	assert.Contains(t, out, "exported 3 nodes, 2 relationships")

	stdout, _, err := runCLI(t, nil, "--data-dir", src, "export")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, `{"format":"embergraph-dump","version":1}`))

	dst := t.TempDir()
	out, _, err = runCLI(t, nil, "--data-dir", dst, "import", dumpFile)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 3 nodes, 2 relationships")

	// The same dump can also come from stdin.
	other := t.TempDir()
	_, _, err = runCLI(t, strings.NewReader(stdout), "--data-dir", other, "import")
	require.NoError(t, err)

	for _, dir := range []string{dst, other} {
		out, _, err = runCLI(t, nil, "--data-dir", dir, "query",
			`MATCH (a:User {name: "Alice"})-[:FRIEND]->(b) RETURN b.name`)
		require.NoError(t, err)
		assert.Contains(t, out, "Bob")
		assert.Contains(t, out, "Carol")
		assert.Contains(t, out, "2 rows")
	}

	_, _, err = runCLI(t, strings.NewReader("garbage\n"), "--data-dir", t.TempDir(), "import")
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrValidation)
}
