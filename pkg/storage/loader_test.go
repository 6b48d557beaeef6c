package storage

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/embergraph/pkg/value"
)

func TestDumpRoundTrip(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e Engine) {
		alice, bob, gone := mustNodeID(t, e), mustNodeID(t, e), mustNodeID(t, e)
		r1, r2, r3 := mustRelID(t, e), mustRelID(t, e), mustRelID(t, e)
		commit(t, e, func(s *Staging) {
			require.NoError(t, s.CreateNode(alice, []string{"User"}, value.Properties{
				"name": value.Text("Alice"), "age": value.Int(30), "score": value.Float(0.5),
			}))
			require.NoError(t, s.CreateNode(bob, []string{"User", "Admin"}, value.Properties{"name": value.Text("Bob")}))
			require.NoError(t, s.CreateNode(gone, nil, nil))
			require.NoError(t, s.CreateRelationship(r1, alice, bob, "FRIEND", value.Properties{"since": value.Int(2020)}))
			require.NoError(t, s.CreateRelationship(r2, bob, bob, "SELF", nil))
			require.NoError(t, s.CreateRelationship(r3, alice, gone, "FRIEND", nil))
		})
		commit(t, e, func(s *Staging) {
			_, err := s.DeleteNode(gone)
			require.NoError(t, err)
		})

		var buf bytes.Buffer
		stats, err := WriteDump(e, &buf)
		require.NoError(t, err)
		assert.Equal(t, DumpStats{Nodes: 2, Relationships: 2}, stats)

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 5)
		assert.JSONEq(t, `{"format":"embergraph-dump","version":1}`, lines[0])

		var nodes []*Node
		var rels []*Relationship
		read, err := ReadDump(&buf, func(rec DumpRecord) error {
			if rec.Node != nil {
				require.Empty(t, rels, "nodes come before relationships")
				nodes = append(nodes, rec.Node)
			} else {
				rels = append(rels, rec.Relationship)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, stats, read)

		require.Len(t, nodes, 2)
		assert.Equal(t, alice, nodes[0].ID)
		assert.Equal(t, value.Float(0.5), nodes[0].Properties.Get("score"))
		assert.Equal(t, []string{"User", "Admin"}, nodes[1].Labels)

		require.Len(t, rels, 2)
		assert.Equal(t, r1, rels[0].ID)
		assert.Equal(t, value.Int(2020), rels[0].Properties.Get("since"))
		assert.Equal(t, bob, rels[1].Start)
		assert.Equal(t, bob, rels[1].End)
	})
}

func TestReadDumpRejectsMalformedInput(t *testing.T) {
	noop := func(DumpRecord) error { return nil }

	tests := []struct {
		name  string
		input string
		field string
	}{
		{"empty", "", "line 1"},
		{"no header", `{"node":{"id":1}}`, "line 1"},
		{"future version", `{"format":"embergraph-dump","version":9}`, "line 1"},
		{"bad json", "{\"format\":\"embergraph-dump\",\"version\":1}\n{nope", "line 2"},
		{"empty record", "{\"format\":\"embergraph-dump\",\"version\":1}\n\n{}", "line 3"},
		{"both kinds", "{\"format\":\"embergraph-dump\",\"version\":1}\n{\"node\":{\"id\":1},\"relationship\":{\"id\":1}}", "line 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadDump(strings.NewReader(tt.input), noop)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestReadDumpStopsOnCallbackError(t *testing.T) {
	input := strings.Join([]string{
		`{"format":"embergraph-dump","version":1}`,
		`{"node":{"id":1,"labels":["A"]}}`,
		`{"node":{"id":2,"labels":["B"]}}`,
	}, "\n")

	calls := 0
	_, err := ReadDump(strings.NewReader(input), func(DumpRecord) error {
		calls++
		return ErrClosed
	})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 1, calls)
}
