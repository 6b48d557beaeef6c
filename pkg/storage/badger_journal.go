package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// Batch journal
//
// A batch that does not fit in one badger transaction is written in three
// steps:
//
//  1. its mutations, as JSON chunks under journal/chunk/<n>
//  2. a marker under journal/done holding the chunk count and the record
//     counts the batch leaves behind
//  3. the mutations themselves, then the counts and the marker removal in
//     one transaction, then the chunks are dropped
//
// Every mutation is a blind set or delete of one key and the counts are
// absolute, so step 3 can run any number of times. On open a marker means
// step 3 may not have finished and is replayed; chunks without a marker
// are the remains of an unfinished step 1 and are discarded.

const (
	metaJournalChunk = "journal/chunk/"
	metaJournalDone  = "journal/done"
	journalChunkSize = 256
)

func journalChunkKey(i int) []byte {
	return binary.BigEndian.AppendUint32(metaKey(metaJournalChunk), uint32(i))
}

type journalMarker struct {
	chunks int
	nodes  int64
	rels   int64
}

func (j journalMarker) encode() []byte {
	b := binary.BigEndian.AppendUint64(nil, uint64(j.chunks))
	b = binary.BigEndian.AppendUint64(b, uint64(j.nodes))
	return binary.BigEndian.AppendUint64(b, uint64(j.rels))
}

func decodeJournalMarker(b []byte) (journalMarker, error) {
	if len(b) != 24 {
		return journalMarker{}, fmt.Errorf("corrupt journal marker of %d bytes", len(b))
	}
	return journalMarker{
		chunks: int(binary.BigEndian.Uint64(b)),
		nodes:  int64(binary.BigEndian.Uint64(b[8:])),
		rels:   int64(binary.BigEndian.Uint64(b[16:])),
	}, nil
}

// applyJournaled applies muts through the journal. Caller holds applyMu.
func (b *BadgerEngine) applyJournaled(muts []Mutation) error {
	marker, err := b.writeJournal(muts)
	if err != nil {
		return err
	}
	return b.replayJournal(marker)
}

// writeJournal runs steps 1 and 2. Once it returns nil the batch will be
// applied, by replayJournal now or on the next open.
func (b *BadgerEngine) writeJournal(muts []Mutation) (journalMarker, error) {
	marker, err := b.countsAfter(muts)
	if err != nil {
		return journalMarker{}, err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for start := 0; start < len(muts); start += journalChunkSize {
		data, err := json.Marshal(muts[start:min(start+journalChunkSize, len(muts))])
		if err != nil {
			return journalMarker{}, fmt.Errorf("encode journal chunk %d: %w", marker.chunks, err)
		}
		if err := wb.Set(journalChunkKey(marker.chunks), data); err != nil {
			return journalMarker{}, err
		}
		marker.chunks++
	}
	if err := wb.Flush(); err != nil {
		return journalMarker{}, fmt.Errorf("write journal: %w", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(metaJournalDone), marker.encode())
	})
	if err != nil {
		return journalMarker{}, fmt.Errorf("seal journal: %w", err)
	}
	return marker, nil
}

// countsAfter returns the node and relationship counts once muts is
// applied. Existence is tracked across the batch so a record written and
// deleted again is counted once.
func (b *BadgerEngine) countsAfter(muts []Mutation) (journalMarker, error) {
	var marker journalMarker
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		if marker.nodes, err = getCount(txn, metaNodeCount); err != nil {
			return err
		}
		if marker.rels, err = getCount(txn, metaRelCount); err != nil {
			return err
		}
		live := make(map[string]bool)
		for _, m := range muts {
			counter, ok := counterOf(m)
			if !ok {
				continue
			}
			key := nodeKey(m.NodeID)
			if counter == metaRelCount {
				key = relKey(m.RelID)
			}
			found, seen := live[string(key)]
			if !seen {
				if found, err = exists(txn, key); err != nil {
					return err
				}
			}
			del := m.Kind == MutDeleteNode || m.Kind == MutDeleteRelationship
			live[string(key)] = !del
			if counter == metaNodeCount {
				marker.nodes += recordDelta(found, del)
			} else {
				marker.rels += recordDelta(found, del)
			}
		}
		return nil
	})
	return marker, err
}

// replayJournal runs step 3.
func (b *BadgerEngine) replayJournal(marker journalMarker) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for i := range marker.chunks {
		var muts []Mutation
		err := b.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(journalChunkKey(i))
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				return json.Unmarshal(val, &muts)
			})
		})
		if err != nil {
			return fmt.Errorf("read journal chunk %d: %w", i, err)
		}
		for _, m := range muts {
			w, err := mutationWrite(m)
			if err != nil {
				return fmt.Errorf("%s: %w", m.Kind, err)
			}
			if w.del {
				err = wb.Delete(w.key)
			} else {
				err = wb.Set(w.key, w.val)
			}
			if err != nil {
				return fmt.Errorf("%s: %w", m.Kind, err)
			}
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("apply journal: %w", err)
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(metaKey(metaNodeCount), binary.BigEndian.AppendUint64(nil, uint64(marker.nodes))); err != nil {
			return err
		}
		if err := txn.Set(metaKey(metaRelCount), binary.BigEndian.AppendUint64(nil, uint64(marker.rels))); err != nil {
			return err
		}
		return txn.Delete(metaKey(metaJournalDone))
	})
	if err != nil {
		return fmt.Errorf("finish journal: %w", err)
	}
	return b.dropJournalChunks()
}

func (b *BadgerEngine) dropJournalChunks() error {
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := metaKey(metaJournalChunk)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// recoverJournal finishes or discards a journal left by an interrupted
// Apply.
func (b *BadgerEngine) recoverJournal() error {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(metaJournalDone))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return b.dropJournalChunks()
	}
	if err != nil {
		return err
	}
	marker, err := decodeJournalMarker(raw)
	if err != nil {
		return err
	}
	b.log.WithFields(logrus.Fields{"chunks": marker.chunks}).Warn("replaying interrupted batch")
	return b.replayJournal(marker)
}
