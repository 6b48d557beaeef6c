package txn

import (
	"sync"

	"github.com/orneryd/embergraph/pkg/storage"
)

// VersionTable maps records to the sequence number of the commit that last
// changed them. A record never changed, or deleted, has version 0.
//
// Optimistic transactions record the version they observe and the commit
// validates that nothing moved. Deleted records are pruned rather than kept
// at their last version: a transaction that saw the record alive holds a
// non-zero version and still fails validation, and one that saw it absent
// still sees it absent.
type VersionTable struct {
	mu       sync.RWMutex
	seq      uint64
	versions map[Resource]uint64
}

// NewVersionTable creates an empty table.
func NewVersionTable() *VersionTable {
	return &VersionTable{versions: make(map[Resource]uint64)}
}

// Get returns the current version of r.
func (v *VersionTable) Get(r Resource) uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.versions[r]
}

// Len returns the number of tracked records.
func (v *VersionTable) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.versions)
}

// Validate returns the first resource whose version differs from the
// observed one.
func (v *VersionTable) Validate(observed map[Resource]uint64) (Resource, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for r, seen := range observed {
		if v.versions[r] != seen {
			return r, false
		}
	}
	return Resource{}, true
}

// BumpBatch assigns a fresh commit sequence number to every record b
// changed. It must run under the commit lock, after the batch is applied.
func (v *VersionTable) BumpBatch(b *storage.Batch) {
	changed, deleted := resourcesOf(b)
	if len(changed) == 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	for _, r := range changed {
		if deleted[r] {
			delete(v.versions, r)
			continue
		}
		v.versions[r] = v.seq
	}
}
