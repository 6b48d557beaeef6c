package cypher

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/embergraph/pkg/query"
	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/value"
)

func TestParse(t *testing.T) {
	text := `match (a:User {name: 'Alice', age: 30})-[:FRIEND]->(b)<-[:KNOWS]-(c)
	         where b.age > -5 and c.score <= 1.5
	         return a, b.name as n, count(*)
	         order by n desc skip 2 limit 3;`
	q, err := Parse(text)
	require.NoError(t, err)

	require.Len(t, q.Match.Nodes, 3)
	assert.Equal(t, "a", q.Match.Nodes[0].Variable)
	assert.Equal(t, "User", q.Match.Nodes[0].Label)
	assert.Equal(t, []PropertyMatch{
		{Property: "name", Value: value.Text("Alice")},
		{Property: "age", Value: value.Int(30)},
	}, q.Match.Nodes[0].Properties)
	assert.Equal(t, storage.Outgoing, q.Match.Rels[0].Direction)
	assert.Equal(t, "FRIEND", q.Match.Rels[0].Type)
	assert.Equal(t, storage.Incoming, q.Match.Rels[1].Direction)

	require.Len(t, q.Where, 2)
	assert.Equal(t, query.OpGt, q.Where[0].Op)
	assert.Equal(t, value.Int(-5), q.Where[0].Value)
	assert.Equal(t, query.OpLe, q.Where[1].Op)
	assert.Equal(t, value.Float(1.5), q.Where[1].Value)

	require.Len(t, q.Return, 3)
	assert.Equal(t, ItemNode, q.Return[0].Kind)
	assert.Equal(t, "n", q.Return[1].Name())
	assert.Equal(t, "count(*)", q.Return[2].Name())
	assert.True(t, q.Aggregates())

	require.NotNil(t, q.OrderBy)
	assert.True(t, q.OrderBy.Descending)
	assert.Equal(t, 2, *q.Skip)
	assert.Equal(t, 3, *q.Limit)

	canonical := `MATCH (a:User {name: "Alice", age: 30})-[:FRIEND]->(b)<-[:KNOWS]-(c) ` +
		`WHERE b.age > -5 AND c.score <= 1.5 RETURN a, b.name AS n, count(*) ORDER BY n DESC SKIP 2 LIMIT 3`
	assert.Equal(t, canonical, q.String())
	again, err := Parse(q.String())
	require.NoError(t, err)
	assert.Equal(t, canonical, again.String())
}

func TestParseRelationshipForms(t *testing.T) {
	tests := []struct {
		text string
		dir  storage.Direction
		typ  string
	}{
		{"MATCH (a)-->(b) RETURN b", storage.Outgoing, ""},
		{"MATCH (a)<--(b) RETURN b", storage.Incoming, ""},
		{"MATCH (a)--(b) RETURN b", storage.Both, ""},
		{"MATCH (a)-[]->(b) RETURN b", storage.Outgoing, ""},
		{"MATCH (a)-[:LIKES]-(b) RETURN b", storage.Both, "LIKES"},
		{"MATCH (a)<-[:`HAS PART`]-(b) RETURN b", storage.Incoming, "HAS PART"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			q, err := Parse(tt.text)
			require.NoError(t, err)
			require.Len(t, q.Match.Rels, 1)
			assert.Equal(t, tt.dir, q.Match.Rels[0].Direction)
			assert.Equal(t, tt.typ, q.Match.Rels[0].Type)
		})
	}
}

func TestParseLiterals(t *testing.T) {
	q, err := Parse(`MATCH (n {a: "x\"y", b: true, c: FALSE, d: -2.5e1, e: 7}) RETURN n`)
	require.NoError(t, err)
	assert.Equal(t, []PropertyMatch{
		{"a", value.Text(`x"y`)},
		{"b", value.Bool(true)},
		{"c", value.Bool(false)},
		{"d", value.Float(-25)},
		{"e", value.Int(7)},
	}, q.Match.Nodes[0].Properties)
}

func TestParseRejectsUnsupported(t *testing.T) {
	tests := []struct {
		text string
		msg  string
	}{
		{"MATCH (a) WHERE a.x = 1 OR a.y = 2 RETURN a", "OR is not supported"},
		{"MATCH (a) WHERE a.x = 1 XOR a.y = 2 RETURN a", "XOR is not supported"},
		{"MATCH (a) WHERE NOT a.x = 1 RETURN a", "NOT is not supported"},
		{"MATCH (a) WHERE (a.x = 1) RETURN a", "parenthesized conditions"},
		{"MATCH (a) WHERE EXISTS { MATCH (a)-->(b) } RETURN a", "EXISTS subqueries"},
		{"MATCH (a) CALL { MATCH (b) RETURN b } RETURN a", "CALL subqueries"},
		{"MATCH (a)-[:KNOWS*1..3]->(b) RETURN b", "variable-length"},
		{"MATCH (a)-[r:KNOWS]->(b) RETURN b", "relationship variables"},
		{"MATCH (a)-[:A|B]->(b) RETURN b", "type alternatives"},
		{"MATCH (a)-[:A {since: 1}]->(b) RETURN b", "relationship property maps"},
		{"MATCH (a)<-[:A]->(b) RETURN b", "bidirectional"},
		{"CREATE (a:User) RETURN a", "CREATE is not supported"},
		{"MATCH (a) DELETE a", "DELETE is not supported"},
		{"MATCH (a) DETACH DELETE a", "DETACH DELETE is not supported"},
		{"MATCH (a) SET a.x = 1 RETURN a", "SET is not supported"},
		{"MATCH (a) MERGE (b) RETURN a", "MERGE is not supported"},
		{"MATCH (a) REMOVE a.x RETURN a", "REMOVE is not supported"},
		{"OPTIONAL MATCH (a) RETURN a", "OPTIONAL MATCH"},
		{"MATCH (a) WITH a RETURN a", "WITH is not supported"},
		{"UNWIND [1, 2] AS x RETURN x", "UNWIND is not supported"},
		{"MATCH (a), (b) RETURN a", "multiple comma-separated patterns"},
		{"MATCH (a) MATCH (b) RETURN a", "multiple MATCH clauses"},
		{"MATCH (a:A:B) RETURN a", "multiple labels"},
		{"MATCH (a) WHERE a.name = $name RETURN a", "parameters are not supported"},
		{"MATCH (a) WHERE a.x = {y: 1} RETURN a", "map literals"},
		{"MATCH (a) WHERE a.x = [1] RETURN a", "list literals"},
		{"MATCH (a) WHERE a.x = null RETURN a", "null literals"},
		{"MATCH (a) WHERE a.x IN [1] RETURN a", "IN is not supported"},
		{"MATCH (a) RETURN DISTINCT a", "DISTINCT is not supported"},
		{"MATCH (a) RETURN *", "RETURN * is not supported"},
		{"MATCH (a) RETURN collect(a)", "unknown function collect"},
		{"MATCH (a) RETURN sum(a)", "sum requires a property"},
		{"MATCH (a) RETURN avg(*)", "avg(*) is not supported"},
		{"MATCH (a) RETURN a ORDER BY a.x, a.y", "single sort key"},
		{"MATCH (a) RETURN a LIMIT -1", "expected LIMIT count"},
		{"MATCH (a) RETURN a SKIP 1.5", "expected SKIP count"},
		{"MATCH (a RETURN a", "expected ')'"},
		{"MATCH (a) RETURN a.name = 'x'", "expected end of query"},
		{"MATCH (a) RETURN 'open", "unterminated string"},
		{"MATCH (match) RETURN match", "expected variable"},
		{"MATCH (a) RETURN a AS limit", "expected alias"},
		{"MATCH (a) RETURN a # comment", "unexpected character"},
		{"MATCH (a) WHERE a.x = 12abc RETURN a", "malformed number"},
		{"", "expected MATCH, found end of input"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			q, err := Parse(tt.text)
			require.Error(t, err)
			assert.Nil(t, q)
			assert.ErrorIs(t, err, ErrSyntax)
			var se *SyntaxError
			require.True(t, errors.As(err, &se))
			assert.Contains(t, se.Msg, tt.msg)
			assert.GreaterOrEqual(t, se.Pos, 0)
			assert.LessOrEqual(t, se.Pos, len(tt.text))
		})
	}
}

func TestSyntaxErrorPosition(t *testing.T) {
	text := "MATCH (a) WHERE a.x = 1 OR a.y = 2 RETURN a"
	_, err := Parse(text)
	var se *SyntaxError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, strings.Index(text, "OR"), se.Pos)
	assert.Contains(t, se.Error(), "offset 24")
}

func TestFingerprint(t *testing.T) {
	base, err := Fingerprint(`MATCH (n:User {name: "Alice"}) RETURN n`)
	require.NoError(t, err)

	same := []string{
		"match (n:User {name: 'Alice'})\n\tRETURN   n",
		"MATCH(n:User{name:\"Alice\"})return n // trailing comment",
	}
	for _, text := range same {
		fp, err := Fingerprint(text)
		require.NoError(t, err)
		assert.Equal(t, base, fp, text)
	}

	different := []string{
		`MATCH (n:user {name: "Alice"}) RETURN n`,
		`MATCH (n:User {name: "alice"}) RETURN n`,
		`MATCH (n:User {Name: "Alice"}) RETURN n`,
		`MATCH (n:User {name: "Alice"}) RETURN n LIMIT 1`,
	}
	for _, text := range different {
		fp, err := Fingerprint(text)
		require.NoError(t, err)
		assert.NotEqual(t, base, fp, text)
	}

	// Reserved words used as keys keep their case.
	a, err := Fingerprint("MATCH (n {limit: 1}) RETURN n.limit")
	require.NoError(t, err)
	b, err := Fingerprint("MATCH (n {LIMIT: 1}) RETURN n.LIMIT")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = Fingerprint(`MATCH (n {name: "unterminated}) RETURN n`)
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestParseExecutionMode(t *testing.T) {
	mode, body := parseExecutionMode("  explain MATCH (n) RETURN n")
	assert.Equal(t, ModeExplain, mode)
	assert.Equal(t, "MATCH (n) RETURN n", body)

	mode, body = parseExecutionMode("PROFILE\nMATCH (n) RETURN n")
	assert.Equal(t, ModeProfile, mode)
	assert.Equal(t, "MATCH (n) RETURN n", body)

	mode, _ = parseExecutionMode("MATCH (explained) RETURN explained")
	assert.Equal(t, ModeNormal, mode)
	mode, _ = parseExecutionMode("EXPLAINMATCH (n) RETURN n")
	assert.Equal(t, ModeNormal, mode)
}
