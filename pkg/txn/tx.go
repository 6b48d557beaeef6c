package txn

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/value"
)

// ID identifies a transaction. Ids increase monotonically per manager.
type ID uint64

// State is the lifecycle position of a transaction.
type State uint8

const (
	StateActive State = iota + 1
	StateCommitted
	StateRolledBack
	StateAbortedDeadlock
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	case StateAbortedDeadlock:
		return "aborted_deadlock"
	}
	return "unknown"
}

// maxMetadataSize bounds the rendered size of transaction metadata.
const maxMetadataSize = 2048

// op is one buffered graph mutation. It runs once against the
// transaction's own overlay and again at commit against committed state.
type op func(s *storage.Staging) error

type savepoint struct {
	name  string
	ops   int
	stage *storage.Staging
}

// Tx is a transaction.
//
// A Tx is safe for use by one goroutine at a time; the timeout may roll it
// back from another goroutine at any point.
//
// Reads never end the transaction: a missing node is reported as
// storage.ErrNotFound and the transaction stays usable. A failed mutation
// rolls the transaction back, releasing its locks, before the error is
// returned.
type Tx struct {
	mu sync.Mutex

	id   ID
	mgr  *Manager
	mode Mode

	ctx        context.Context
	cancel     context.CancelFunc
	stopExpiry func() bool

	state State
	// cause is why the transaction ended, if it did not commit or roll
	// back on request.
	cause error

	snap       *Snapshot
	stage      *storage.Staging
	ops        []op
	observed   map[Resource]uint64
	savepoints []savepoint
	metadata   map[string]any
	started    time.Time
}

// ID returns the transaction id.
func (t *Tx) ID() ID { return t.id }

// Mode returns the concurrency mode in effect.
func (t *Tx) Mode() Mode { return t.mode }

// ReadOnly reports whether the transaction reads a snapshot.
func (t *Tx) ReadOnly() bool { return t.snap != nil }

// Context returns the context the transaction is bound to.
func (t *Tx) Context() context.Context { return t.ctx }

// State returns the current state.
func (t *Tx) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns why the transaction ended early (conflict, deadlock,
// timeout, failed mutation), or nil.
func (t *Tx) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// ============================================================================
// Lifecycle
// ============================================================================

// check returns an error unless the transaction is active and its context
// is live. Caller must hold t.mu.
func (t *Tx) check() error {
	if t.state != StateActive {
		if errors.Is(t.cause, ErrTxTimeout) {
			return ErrTxTimeout
		}
		return ErrTxNotActive
	}
	if t.ctx.Err() != nil {
		err := t.ctxCause()
		t.finish(StateRolledBack, err, outcomeFor(err))
		return err
	}
	return nil
}

func (t *Tx) ctxCause() error {
	err := t.ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTxTimeout
	}
	return fmt.Errorf("%w: %w", ErrTxNotActive, err)
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrDeadlock):
		return "deadlock"
	case errors.Is(err, ErrTxTimeout), errors.Is(err, ErrLockTimeout):
		return "timeout"
	}
	return "rolled_back"
}

// expire runs when the transaction's context is done.
func (t *Tx) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return
	}
	err := t.ctxCause()
	t.mgr.log.WithFields(logrus.Fields{
		"tx":      t.id,
		"elapsed": time.Since(t.started).String(),
	}).WithError(err).Debug("transaction expired; rolling back")
	t.finish(StateRolledBack, err, outcomeFor(err))
}

// finish moves the transaction to a terminal state, drops its buffered
// writes and releases its locks. Caller must hold t.mu.
func (t *Tx) finish(state State, cause error, outcome string) {
	t.state = state
	t.cause = cause
	t.stopExpiry()
	t.cancel()

	t.stage = nil
	t.ops = nil
	t.savepoints = nil
	t.observed = nil

	if t.snap != nil {
		t.snap.Release()
	}
	t.mgr.locks.ReleaseAll(t.id)
	t.mgr.active.Add(-1)
	t.mgr.metrics.TxFinished(outcome)
}

// Commit makes every buffered write durable and visible atomically. On
// failure the transaction is rolled back and the error says why:
// ErrConflict, a constraint violation, ErrTxTimeout, or an engine error.
func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}

	if err := t.mgr.commit(t); err != nil {
		if t.ctx.Err() != nil {
			err = t.ctxCause()
		}
		t.mgr.log.WithFields(logrus.Fields{"tx": t.id, "mode": t.mode.String()}).
			WithError(err).Debug("commit failed; rolled back")
		t.finish(StateRolledBack, err, outcomeFor(err))
		return err
	}

	entry := t.mgr.log.WithFields(logrus.Fields{
		"tx":      t.id,
		"ops":     len(t.ops),
		"elapsed": time.Since(t.started).String(),
	})
	if len(t.metadata) > 0 {
		entry = entry.WithField("metadata", t.metadata)
	}
	entry.Debug("transaction committed")
	t.finish(StateCommitted, nil, "committed")
	return nil
}

// Rollback discards every buffered write and releases all locks. Rolling
// back a finished transaction returns ErrTxNotActive, so it is safe to
// defer.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return ErrTxNotActive
	}
	t.finish(StateRolledBack, nil, "rolled_back")
	return nil
}

// SetMetadata attaches caller metadata, logged with the commit.
func (t *Tx) SetMetadata(metadata map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	if size := len(fmt.Sprint(metadata)); size > maxMetadataSize {
		return fmt.Errorf("transaction metadata too large: %d chars (max %d)", size, maxMetadataSize)
	}
	t.metadata = maps.Clone(metadata)
	return nil
}

// Metadata returns the attached metadata.
func (t *Tx) Metadata() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.metadata)
}

// ============================================================================
// Savepoints
// ============================================================================

// Savepoint marks the current state of the transaction under name. A later
// savepoint with the same name shadows the earlier one.
func (t *Tx) Savepoint(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	t.savepoints = append(t.savepoints, savepoint{name: name, ops: len(t.ops), stage: t.stage.Clone()})
	return nil
}

func (t *Tx) findSavepoint(name string) (int, error) {
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].name == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrSavepointNotFound, name)
}

// RollbackTo discards every write made after the savepoint. The savepoint
// itself stays usable; later ones are released. Locks are kept.
func (t *Tx) RollbackTo(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	i, err := t.findSavepoint(name)
	if err != nil {
		return err
	}
	sp := t.savepoints[i]
	t.stage = sp.stage.Clone()
	t.ops = t.ops[:sp.ops]
	t.savepoints = t.savepoints[:i+1]
	return nil
}

// ReleaseSavepoint forgets the savepoint and every later one, keeping
// their writes.
func (t *Tx) ReleaseSavepoint(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	i, err := t.findSavepoint(name)
	if err != nil {
		return err
	}
	t.savepoints = t.savepoints[:i]
	return nil
}

// ============================================================================
// Concurrency control
// ============================================================================

// lock acquires r in pessimistic mode. A refusal ends the transaction.
// Snapshot transactions never lock. Caller must hold t.mu.
func (t *Tx) lock(r Resource, mode LockMode) error {
	if t.mode != Pessimistic || t.snap != nil {
		return nil
	}
	ctx := t.ctx
	if wait := t.mgr.cfg.LockWaitTimeout; wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	err := t.mgr.locks.Acquire(ctx, t.id, r, mode)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDeadlock):
		t.finish(StateAbortedDeadlock, err, "deadlock")
	case isLockTimeout(t.ctx, err):
		err = fmt.Errorf("%w: %s on %s", ErrLockTimeout, mode, r)
		t.finish(StateRolledBack, err, "timeout")
	default:
		err = t.ctxCause()
		t.finish(StateRolledBack, err, outcomeFor(err))
	}
	return err
}

// guard locks r in mode, or observes it in optimistic mode. Caller must
// hold t.mu.
func (t *Tx) guard(r Resource, mode LockMode) error {
	if err := t.lock(r, mode); err != nil {
		return err
	}
	t.observe(r)
	return nil
}

// intend takes IntentExclusive on every resource in rs, in order.
func (t *Tx) intend(rs ...Resource) error {
	for _, r := range rs {
		if err := t.lock(r, IntentExclusive); err != nil {
			return err
		}
	}
	return nil
}

// labelResources returns the label resources of the node as this
// transaction sees it, plus extra. A missing node has none.
func (t *Tx) labelResources(id storage.NodeID, extra ...string) []Resource {
	var labels []string
	if n, err := t.stage.GetNode(id); err == nil {
		labels = n.Labels
	}
	labels = append(slices.Clone(labels), extra...)
	slices.Sort(labels)
	labels = slices.Compact(labels)
	rs := make([]Resource, 0, len(labels))
	for _, l := range labels {
		rs = append(rs, Label(l))
	}
	return rs
}

// observe records the version of r the first time an optimistic
// transaction touches it. It must run before the record is read.
func (t *Tx) observe(r Resource) {
	if t.observed == nil {
		return
	}
	if _, ok := t.observed[r]; !ok {
		t.observed[r] = t.mgr.versions.Get(r)
	}
}

// run applies o to the transaction's overlay and buffers it for commit. A
// failure rolls the transaction back. Caller must hold t.mu.
func (t *Tx) run(o op) error {
	if err := o(t.stage); err != nil {
		t.finish(StateRolledBack, err, "rolled_back")
		return err
	}
	t.ops = append(t.ops, o)
	return nil
}

// fail rolls back on a mutation error raised outside run.
func (t *Tx) fail(err error) error {
	if t.state == StateActive {
		t.finish(StateRolledBack, err, "rolled_back")
	}
	return err
}

// ============================================================================
// Reads
// ============================================================================

// GetNode returns the node as this transaction sees it.
func (t *Tx) GetNode(id storage.NodeID) (*storage.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return nil, err
	}
	if err := t.lock(Node(id), Shared); err != nil {
		return nil, err
	}
	t.observe(Node(id))
	return t.stage.GetNode(id)
}

// GetRelationship returns the relationship as this transaction sees it.
func (t *Tx) GetRelationship(id storage.RelID) (*storage.Relationship, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return nil, err
	}
	if err := t.lock(Relationship(id), Shared); err != nil {
		return nil, err
	}
	t.observe(Relationship(id))
	return t.stage.GetRelationship(id)
}

// Neighbors lists the relationships incident to id.
func (t *Tx) Neighbors(id storage.NodeID, dir storage.Direction, relType string) ([]storage.Neighbor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return nil, err
	}
	if !dir.Valid() {
		return nil, &storage.ValidationError{Field: "direction", Reason: "must be outgoing, incoming or both"}
	}
	if err := t.lock(Node(id), Shared); err != nil {
		return nil, err
	}
	t.observe(Node(id))
	return t.stage.Neighbors(id, dir, relType)
}

// NodesByLabel returns every node carrying label, including this
// transaction's own writes.
func (t *Tx) NodesByLabel(label string) ([]storage.NodeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return nil, err
	}
	if err := t.guard(Label(label), Shared); err != nil {
		return nil, err
	}
	return t.stage.NodesByLabel(label)
}

// AllNodeIDs returns every live node id.
func (t *Tx) AllNodeIDs() ([]storage.NodeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return nil, err
	}
	if err := t.guard(NodeSet(), Shared); err != nil {
		return nil, err
	}
	return t.stage.AllNodeIDs()
}

// Lookup returns the nodes labelled label whose property equals v, through
// the index when the pair is declared and by label scan otherwise.
func (t *Tx) Lookup(label, property string, v value.Value) ([]storage.NodeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return nil, err
	}
	if err := t.guard(Label(label), Shared); err != nil {
		return nil, err
	}
	return t.mgr.index.Lookup(t.stage, label, property, v)
}

// LookupRange returns the nodes labelled r.Label whose r.Property lies
// within r, through the index when the pair is declared and by label scan
// otherwise.
func (t *Tx) LookupRange(r storage.IndexRange) ([]storage.NodeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return nil, err
	}
	if err := t.guard(Label(r.Label), Shared); err != nil {
		return nil, err
	}
	return t.mgr.index.Range(t.stage, r)
}

// IsIndexed reports whether (label, property) is declared.
func (t *Tx) IsIndexed(label, property string) bool {
	return t.mgr.index.IsIndexed(label, property)
}

// ============================================================================
// Writes
// ============================================================================

// CreateNode creates a node and returns its id.
func (t *Tx) CreateNode(labels []string, props value.Properties) (storage.NodeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return 0, err
	}
	id, err := t.mgr.engine.NextNodeID()
	if err != nil {
		return 0, t.fail(err)
	}
	if err := t.lock(Node(id), Exclusive); err != nil {
		return 0, err
	}
	if err := t.intend(append(t.labelResources(id, labels...), NodeSet())...); err != nil {
		return 0, err
	}
	labels, props = slices.Clone(labels), maps.Clone(props)
	err = t.run(func(s *storage.Staging) error {
		return s.CreateNode(id, labels, props)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// CreateRelationship creates a relationship from start to end. Both
// endpoints must exist; otherwise the error matches storage.ErrValidation
// and storage.ErrNotFound.
func (t *Tx) CreateRelationship(start, end storage.NodeID, relType string, props value.Properties) (storage.RelID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return 0, err
	}
	// The endpoints' adjacency changes, which conflicts with readers of
	// it but not with other relationship writers.
	for _, n := range []storage.NodeID{start, end} {
		if err := t.guard(Node(n), IntentExclusive); err != nil {
			return 0, err
		}
	}
	id, err := t.mgr.engine.NextRelID()
	if err != nil {
		return 0, t.fail(err)
	}
	if err := t.lock(Relationship(id), Exclusive); err != nil {
		return 0, err
	}
	props = maps.Clone(props)
	err = t.run(func(s *storage.Staging) error {
		return s.CreateRelationship(id, start, end, relType, props)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// updateNode locks the node and every label whose membership or indexed
// values the update may change: the node's current labels plus extra.
func (t *Tx) updateNode(id storage.NodeID, extra []string, fn op) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	if err := t.guard(Node(id), Exclusive); err != nil {
		return err
	}
	if err := t.intend(t.labelResources(id, extra...)...); err != nil {
		return err
	}
	return t.run(fn)
}

// UpdateNode merges props into the node: supplied keys overwrite, others
// are kept, and a Null value removes the key.
func (t *Tx) UpdateNode(id storage.NodeID, props value.Properties) error {
	props = maps.Clone(props)
	return t.updateNode(id, nil, func(s *storage.Staging) error {
		return s.UpdateProperties(id, props)
	})
}

// ReplaceNode replaces the node's whole property map.
func (t *Tx) ReplaceNode(id storage.NodeID, props value.Properties) error {
	props = maps.Clone(props)
	return t.updateNode(id, nil, func(s *storage.Staging) error {
		return s.ReplaceProperties(id, props)
	})
}

// SetLabels replaces the node's labels.
func (t *Tx) SetLabels(id storage.NodeID, labels []string) error {
	labels = slices.Clone(labels)
	return t.updateNode(id, labels, func(s *storage.Staging) error {
		return s.SetLabels(id, labels)
	})
}

// UpdateRelationship merges props into the relationship.
func (t *Tx) UpdateRelationship(id storage.RelID, props value.Properties) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	if err := t.lock(Relationship(id), Exclusive); err != nil {
		return err
	}
	t.observe(Relationship(id))
	props = maps.Clone(props)
	return t.run(func(s *storage.Staging) error {
		return s.UpdateRelationshipProperties(id, props)
	})
}

// DeleteRelationship deletes the relationship. It reports false, without
// error, when the relationship does not exist.
func (t *Tx) DeleteRelationship(id storage.RelID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return false, err
	}
	if err := t.guard(Relationship(id), Exclusive); err != nil {
		return false, err
	}
	rel, err := t.stage.GetRelationship(id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, t.fail(err)
	}
	if err := t.intend(Node(rel.Start), Node(rel.End)); err != nil {
		return false, err
	}
	err = t.run(func(s *storage.Staging) error {
		_, err := s.DeleteRelationship(id)
		return err
	})
	return err == nil, err
}

// DeleteNode deletes the node and every relationship incident to it. It
// reports false, without error, when the node does not exist.
func (t *Tx) DeleteNode(id storage.NodeID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return false, err
	}
	if err := t.guard(Node(id), Exclusive); err != nil {
		return false, err
	}

	incident, err := t.stage.IncidentRelationships(id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, t.fail(err)
	}
	if err := t.intend(append(t.labelResources(id), NodeSet())...); err != nil {
		return false, err
	}
	for _, rid := range incident {
		if err := t.guard(Relationship(rid), Exclusive); err != nil {
			return false, err
		}
		rel, err := t.stage.GetRelationship(rid)
		if err != nil {
			return false, t.fail(err)
		}
		if err := t.intend(Node(rel.Start), Node(rel.End)); err != nil {
			return false, err
		}
	}

	err = t.run(func(s *storage.Staging) error {
		_, err := s.DeleteNode(id)
		return err
	})
	return err == nil, err
}
