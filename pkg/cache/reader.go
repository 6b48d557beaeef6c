package cache

import (
	"fmt"
	"slices"

	"golang.org/x/sync/singleflight"

	"github.com/orneryd/embergraph/pkg/storage"
)

// CachedReader is a read-through storage.Reader in front of an Engine.
//
// Node records, adjacency lists and index lookups are served from the
// Manager's tiers. A miss reads the engine once per key, however many
// goroutines ask concurrently, and installs the result only if the tier
// was not invalidated in the meantime. Label scans, range scans and
// relationship records always go to the engine.
//
// Flights are keyed by the tier epoch as well as the key, so a reader that
// starts after an invalidation never joins a read that began before it.
// Cached values are shared, so every result is copied before it is
// returned.
type CachedReader struct {
	base   storage.Reader
	caches *Manager
	group  singleflight.Group
}

// NewCachedReader wraps base.
func NewCachedReader(base storage.Reader, caches *Manager) *CachedReader {
	return &CachedReader{base: base, caches: caches}
}

// GetNode serves the node tier. ErrNotFound is not cached.
func (r *CachedReader) GetNode(id storage.NodeID) (*storage.Node, error) {
	if n, ok := r.caches.Nodes.Get(id); ok {
		return n.Clone(), nil
	}
	epoch := r.caches.Nodes.Epoch()
	v, err, _ := r.group.Do(fmt.Sprintf("n/%d/%d", epoch, id), func() (any, error) {
		n, err := r.base.GetNode(id)
		if err != nil {
			return nil, err
		}
		r.caches.Nodes.PutIfEpoch(id, n, epoch)
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.Node).Clone(), nil
}

// GetRelationship reads through to the engine.
func (r *CachedReader) GetRelationship(id storage.RelID) (*storage.Relationship, error) {
	return r.base.GetRelationship(id)
}

// Neighbors serves the adjacency tier.
func (r *CachedReader) Neighbors(id storage.NodeID, dir storage.Direction, relType string) ([]storage.Neighbor, error) {
	key := AdjacencyKey{Node: id, Dir: dir, Type: relType}
	if ns, ok := r.caches.Adjacency.Get(key); ok {
		return slices.Clone(ns), nil
	}
	epoch := r.caches.Adjacency.Epoch()
	v, err, _ := r.group.Do(fmt.Sprintf("a/%d/%d/%d/%s", epoch, id, dir, relType), func() (any, error) {
		ns, err := r.base.Neighbors(id, dir, relType)
		if err != nil {
			return nil, err
		}
		r.caches.Adjacency.PutIfEpoch(key, ns, epoch)
		return ns, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]storage.Neighbor)), nil
}

// NodesByLabel reads through to the engine.
func (r *CachedReader) NodesByLabel(label string) ([]storage.NodeID, error) {
	return r.base.NodesByLabel(label)
}

// AllNodeIDs reads through to the engine.
func (r *CachedReader) AllNodeIDs() ([]storage.NodeID, error) {
	return r.base.AllNodeIDs()
}

// IndexLookup serves the index tier.
func (r *CachedReader) IndexLookup(key storage.IndexKey) ([]storage.NodeID, error) {
	k := key.String()
	if ids, ok := r.caches.Index.Get(k); ok {
		return slices.Clone(ids), nil
	}
	epoch := r.caches.Index.Epoch()
	v, err, _ := r.group.Do(fmt.Sprintf("i/%d/%s", epoch, k), func() (any, error) {
		ids, err := r.base.IndexLookup(key)
		if err != nil {
			return nil, err
		}
		r.caches.Index.PutIfEpoch(k, ids, epoch)
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]storage.NodeID)), nil
}

// IndexScan reads through to the engine.
func (r *CachedReader) IndexScan(rng storage.IndexRange) ([]storage.NodeID, error) {
	return r.base.IndexScan(rng)
}

var _ storage.Reader = (*CachedReader)(nil)
