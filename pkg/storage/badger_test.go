package storage

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/embergraph/pkg/value"
)

func openSmallBadger(t *testing.T, dir string) *BadgerEngine {
	t.Helper()
	e, err := NewBadgerEngineWithOptions(BadgerOptions{DataDir: dir, MemTableSize: 1 << 20})
	require.NoError(t, err)
	return e
}

// stageUsers stages n labelled, indexed nodes and returns their ids.
func stageUsers(t *testing.T, e Engine, s *Staging, n int) []NodeID {
	t.Helper()
	ids := make([]NodeID, n)
	for i := range ids {
		ids[i] = mustNodeID(t, e)
		name := value.Text(fmt.Sprintf("user-%05d", i))
		require.NoError(t, s.CreateNode(ids[i], []string{"User"}, value.Properties{"name": name}))
		s.Batch().AddIndexEntry(IndexKey{Label: "User", Property: "name", Value: name}, ids[i])
	}
	return ids
}

func journalKeys(t *testing.T, e *BadgerEngine) int {
	t.Helper()
	n := 0
	err := e.db.View(func(txn *badger.Txn) error {
		prefix := metaKey("journal/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestBadgerAppliesBatchLargerThanOneTransaction(t *testing.T) {
	e := openSmallBadger(t, t.TempDir())
	defer e.Close()

	s := NewStaging(e, nil)
	ids := stageUsers(t, e, s, 3000)
	require.NoError(t, e.Apply(s.Batch()))

	count, err := e.NodeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(3000), count)

	users, err := e.NodesByLabel("User")
	require.NoError(t, err)
	assert.Equal(t, ids, users)

	hit, err := e.IndexLookup(IndexKey{Label: "User", Property: "name", Value: value.Text("user-02999")})
	require.NoError(t, err)
	assert.Equal(t, []NodeID{ids[2999]}, hit)
	assert.Zero(t, journalKeys(t, e))

	// Deleting them all is just as large.
	del := NewStaging(e, nil)
	for _, id := range ids {
		_, err := del.DeleteNode(id)
		require.NoError(t, err)
	}
	require.NoError(t, e.Apply(del.Batch()))
	count, err = e.NodeCount()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBadgerReplaysSealedJournalOnOpen(t *testing.T) {
	dir := t.TempDir()
	e := openSmallBadger(t, dir)

	s := NewStaging(e, nil)
	ids := stageUsers(t, e, s, 600)
	_, err := e.writeJournal(s.Batch().Mutations())
	require.NoError(t, err)

	_, err = e.GetNode(ids[0])
	assert.ErrorIs(t, err, ErrNotFound, "sealed but not yet replayed")
	require.NoError(t, e.Close())

	e = openSmallBadger(t, dir)
	defer e.Close()

	count, err := e.NodeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(600), count)
	users, err := e.NodesByLabel("User")
	require.NoError(t, err)
	assert.Equal(t, ids, users)
	assert.Zero(t, journalKeys(t, e))
}

func TestBadgerDiscardsUnsealedJournalOnOpen(t *testing.T) {
	dir := t.TempDir()
	e := openSmallBadger(t, dir)

	s := NewStaging(e, nil)
	ids := stageUsers(t, e, s, 10)
	data, err := json.Marshal(s.Batch().Mutations())
	require.NoError(t, err)
	require.NoError(t, e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(journalChunkKey(0), data)
	}))
	require.NoError(t, e.Close())

	e = openSmallBadger(t, dir)
	defer e.Close()

	_, err = e.GetNode(ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
	count, err := e.NodeCount()
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, journalKeys(t, e))
}

func TestBadgerKeepsInvalidUTF8Text(t *testing.T) {
	dir := t.TempDir()
	e, err := NewBadgerEngine(dir)
	require.NoError(t, err)

	raw := value.Text("\xffa")
	id := mustNodeID(t, e)
	key := IndexKey{Label: "User", Property: "name", Value: raw}
	commit(t, e, func(s *Staging) {
		require.NoError(t, s.CreateNode(id, []string{"User"}, value.Properties{"name": raw}))
		s.Batch().AddIndexEntry(key, id)
	})
	require.NoError(t, e.Close())

	e, err = NewBadgerEngine(dir)
	require.NoError(t, err)
	defer e.Close()

	n, err := e.GetNode(id)
	require.NoError(t, err)
	assert.True(t, value.Equal(raw, n.Properties.Get("name")))

	ids, err := e.IndexLookup(IndexKey{Label: "User", Property: "name", Value: n.Properties.Get("name")})
	require.NoError(t, err)
	assert.Equal(t, []NodeID{id}, ids, "the stored value still finds its own entry")

	ids, err = e.IndexScan(IndexRange{
		Label:    "User",
		Property: "name",
		Lower:    &IndexBound{Value: value.Text("\xff"), Inclusive: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []NodeID{id}, ids)
}

func TestJournalMarkerEncoding(t *testing.T) {
	m := journalMarker{chunks: 3, nodes: 1200, rels: 7}
	back, err := decodeJournalMarker(m.encode())
	require.NoError(t, err)
	assert.Equal(t, m, back)

	_, err = decodeJournalMarker([]byte{1, 2})
	assert.Error(t, err)
}
