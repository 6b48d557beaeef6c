package graph

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/embergraph/pkg/storage"
)

// importBatch is the number of records restored per transaction.
const importBatch = 1000

// Export writes every committed node and relationship to w in the dump
// format of storage.WriteDump. Writes that commit while the export runs may
// or may not be included.
func (s *Store) Export(w io.Writer) (storage.DumpStats, error) {
	if err := s.checkOpen(); err != nil {
		return storage.DumpStats{}, err
	}
	stats, err := storage.WriteDump(s.txns.Reader(), w)
	if err != nil {
		return stats, fmt.Errorf("export: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"nodes":         stats.Nodes,
		"relationships": stats.Relationships,
	}).Info("store exported")
	return stats, nil
}

// Import restores a dump into the store, allocating fresh ids.
//
// Records are committed in transactions of up to importBatch records, so a
// failed import leaves the batches before the failure in place. A
// relationship whose endpoint does not appear earlier in the dump fails the
// import with ErrValidation.
func (s *Store) Import(ctx context.Context, r io.Reader) (storage.DumpStats, error) {
	if err := s.checkOpen(); err != nil {
		return storage.DumpStats{}, err
	}

	im := &importer{
		store: s,
		ids:   make(map[storage.NodeID]storage.NodeID),
		seen:  make(map[storage.NodeID]struct{}),
	}
	stats, err := storage.ReadDump(r, func(rec storage.DumpRecord) error {
		return im.add(ctx, rec)
	})
	if err == nil {
		err = im.flush(ctx)
	}
	if err != nil {
		return stats, fmt.Errorf("import: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"nodes":         stats.Nodes,
		"relationships": stats.Relationships,
	}).Info("store imported")
	return stats, nil
}

// importer buffers dump records and remaps dump ids to store ids.
type importer struct {
	store *Store
	ids   map[storage.NodeID]storage.NodeID
	seen  map[storage.NodeID]struct{}

	nodes    []NodeSpec
	nodeKeys []storage.NodeID
	rels     []RelSpec
}

func (im *importer) add(ctx context.Context, rec storage.DumpRecord) error {
	if n := rec.Node; n != nil {
		if len(im.rels) > 0 {
			if err := im.flush(ctx); err != nil {
				return err
			}
		}
		if _, dup := im.seen[n.ID]; dup {
			return &storage.ValidationError{Field: "node " + n.ID.String(), Reason: "duplicate id in dump"}
		}
		im.seen[n.ID] = struct{}{}
		im.nodes = append(im.nodes, NodeSpec{Labels: n.Labels, Properties: n.Properties})
		im.nodeKeys = append(im.nodeKeys, n.ID)
	} else {
		// Endpoints must be resolved, so pending nodes go first.
		if len(im.nodes) > 0 {
			if err := im.flush(ctx); err != nil {
				return err
			}
		}
		rel := rec.Relationship
		start, ok := im.ids[rel.Start]
		if !ok {
			return im.missing(rel, rel.Start)
		}
		end, ok := im.ids[rel.End]
		if !ok {
			return im.missing(rel, rel.End)
		}
		im.rels = append(im.rels, RelSpec{Start: start, End: end, Type: rel.Type, Properties: rel.Properties})
	}
	if len(im.nodes)+len(im.rels) >= importBatch {
		return im.flush(ctx)
	}
	return nil
}

func (im *importer) missing(rel *storage.Relationship, endpoint storage.NodeID) error {
	return &storage.ValidationError{
		Field:  "relationship " + rel.ID.String(),
		Reason: "endpoint " + endpoint.String() + " not in dump",
		Err:    storage.ErrNotFound,
	}
}

func (im *importer) flush(ctx context.Context) error {
	if len(im.nodes) > 0 {
		created, err := im.store.CreateNodes(ctx, im.nodes)
		if err != nil {
			return err
		}
		for i, id := range created {
			im.ids[im.nodeKeys[i]] = id
		}
		im.nodes, im.nodeKeys = im.nodes[:0], im.nodeKeys[:0]
	}
	if len(im.rels) > 0 {
		if _, err := im.store.CreateRelationships(ctx, im.rels); err != nil {
			return err
		}
		im.rels = im.rels[:0]
	}
	return nil
}
