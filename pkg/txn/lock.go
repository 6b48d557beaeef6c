package txn

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/embergraph/pkg/metrics"
)

// LockMode is the strength of a lock.
//
// Records are locked Shared for reads and Exclusive for writes. Labels and
// the node set are locked Shared by scans and IntentExclusive by writers
// that change their membership, so concurrent writers proceed together
// while a scan excludes them. A transaction that scans and then writes the
// same label holds SharedIntentExclusive.
type LockMode uint8

const (
	Shared LockMode = iota + 1
	Exclusive
	IntentExclusive
	SharedIntentExclusive
)

func (m LockMode) String() string {
	switch m {
	case Exclusive:
		return "X"
	case IntentExclusive:
		return "IX"
	case SharedIntentExclusive:
		return "SIX"
	}
	return "S"
}

// covers reports whether holding m already grants want.
func (m LockMode) covers(want LockMode) bool {
	switch m {
	case Exclusive:
		return true
	case SharedIntentExclusive:
		return want != Exclusive
	}
	return m == want
}

// join returns the weakest mode covering both m and want.
func (m LockMode) join(want LockMode) LockMode {
	switch {
	case m.covers(want):
		return m
	case want.covers(m):
		return want
	case want == Exclusive:
		return Exclusive
	}
	// S with IX in either order.
	return SharedIntentExclusive
}

// compatible reports whether two transactions may hold a and b at once.
func compatible(a, b LockMode) bool {
	return (a == Shared && b == Shared) || (a == IntentExclusive && b == IntentExclusive)
}

// LockManager grants locks to transactions and detects deadlocks.
//
// Locks are held until ReleaseAll. A holder asking for a stronger mode is
// upgraded to the join of both once no other holder conflicts.
//
// Blocked requests queue per resource in arrival order. A new request also
// waits behind every queued request it conflicts with, so a steady stream
// of readers cannot starve a writer. Upgrades only wait for holders.
//
// Every blocked request records wait-for edges from the requester to the
// transactions blocking it, and the edges of every waiter on a resource
// are recomputed whenever its holders or queue change. Before blocking,
// the graph is searched for a path back to the requester; if one exists
// the request would close a cycle and the requester is refused with
// ErrDeadlock instead.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type LockManager struct {
	mu       sync.Mutex
	locks    map[Resource]*lockEntry
	held     map[ID][]Resource
	waitsFor map[ID]map[ID]struct{}

	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

type lockEntry struct {
	holders map[ID]LockMode
	queue   []waiter
	// closed and replaced whenever holders or queue change
	wake chan struct{}
}

type waiter struct {
	tx      ID
	mode    LockMode
	upgrade bool
}

// NewLockManager creates an empty lock table.
func NewLockManager(log logrus.FieldLogger, m *metrics.Metrics) *LockManager {
	return &LockManager{
		locks:    make(map[Resource]*lockEntry),
		held:     make(map[ID][]Resource),
		waitsFor: make(map[ID]map[ID]struct{}),
		log:      log,
		metrics:  m,
	}
}

// Acquire blocks until tx holds r in at least mode, ctx is done, or the
// request is refused as a deadlock.
func (lm *LockManager) Acquire(ctx context.Context, tx ID, r Resource, mode LockMode) error {
	lm.mu.Lock()
	e := lm.locks[r]
	if e == nil {
		e = &lockEntry{holders: make(map[ID]LockMode), wake: make(chan struct{})}
		lm.locks[r] = e
	}
	prev, upgrade := e.holders[tx]
	if upgrade && prev.covers(mode) {
		lm.mu.Unlock()
		return nil
	}
	target := mode
	if upgrade {
		target = prev.join(mode)
	}

	fields := logrus.Fields{"tx": tx, "resource": r.String(), "mode": target.String()}
	var waitStart time.Time
	queued := false
	for {
		blockers := e.blockers(tx, target, upgrade)
		if len(blockers) == 0 {
			if !upgrade {
				lm.held[tx] = append(lm.held[tx], r)
			}
			e.holders[tx] = target
			delete(lm.waitsFor, tx)
			if queued {
				e.dequeue(tx)
			}
			lm.changed(e)
			lm.mu.Unlock()
			if !waitStart.IsZero() {
				lm.metrics.LockWaited(time.Since(waitStart))
			}
			return nil
		}

		lm.waitsFor[tx] = blockers
		if lm.reaches(blockers, tx) {
			delete(lm.waitsFor, tx)
			if queued {
				e.dequeue(tx)
				lm.changed(e)
			}
			lm.dropIfIdle(r, e)
			lm.mu.Unlock()
			lm.log.WithFields(fields).Debug("deadlock detected; aborting requester")
			return fmt.Errorf("%w: tx %d on %s", ErrDeadlock, tx, r)
		}

		if !queued {
			e.queue = append(e.queue, waiter{tx: tx, mode: target, upgrade: upgrade})
			queued = true
			waitStart = time.Now()
			lm.log.WithFields(fields).Debug("waiting for lock")
		}
		wake := e.wake
		lm.mu.Unlock()

		select {
		case <-wake:
			lm.mu.Lock()
		case <-ctx.Done():
			lm.mu.Lock()
			delete(lm.waitsFor, tx)
			e.dequeue(tx)
			lm.changed(e)
			lm.dropIfIdle(r, e)
			lm.mu.Unlock()
			lm.metrics.LockWaited(time.Since(waitStart))
			return ctx.Err()
		}
	}
}

// blockers returns the transactions tx must wait for before it can hold
// mode: every other holder it conflicts with and, unless tx is upgrading,
// every conflicting request queued ahead of it.
func (e *lockEntry) blockers(tx ID, mode LockMode, upgrade bool) map[ID]struct{} {
	var out map[ID]struct{}
	add := func(id ID) {
		if out == nil {
			out = make(map[ID]struct{})
		}
		out[id] = struct{}{}
	}
	for holder, held := range e.holders {
		if holder != tx && !compatible(mode, held) {
			add(holder)
		}
	}
	if upgrade {
		return out
	}
	for _, w := range e.queue {
		if w.tx == tx {
			break
		}
		if !compatible(mode, w.mode) {
			add(w.tx)
		}
	}
	return out
}

func (e *lockEntry) dequeue(tx ID) {
	e.queue = slices.DeleteFunc(e.queue, func(w waiter) bool { return w.tx == tx })
}

// changed refreshes the wait-for edges of every request queued on e and
// wakes them to retry.
func (lm *LockManager) changed(e *lockEntry) {
	for _, w := range e.queue {
		if b := e.blockers(w.tx, w.mode, w.upgrade); len(b) > 0 {
			lm.waitsFor[w.tx] = b
		} else {
			delete(lm.waitsFor, w.tx)
		}
	}
	close(e.wake)
	e.wake = make(chan struct{})
}

// reaches reports whether target is reachable from any of from through the
// wait-for graph.
func (lm *LockManager) reaches(from map[ID]struct{}, target ID) bool {
	visited := make(map[ID]bool)
	var visit func(ID) bool
	visit = func(id ID) bool {
		if id == target {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		for next := range lm.waitsFor[id] {
			if visit(next) {
				return true
			}
		}
		return false
	}
	for id := range from {
		if visit(id) {
			return true
		}
	}
	return false
}

func (lm *LockManager) dropIfIdle(r Resource, e *lockEntry) {
	if len(e.holders) == 0 && len(e.queue) == 0 {
		delete(lm.locks, r)
	}
}

// ReleaseAll releases every lock tx holds and wakes their waiters.
func (lm *LockManager) ReleaseAll(tx ID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	delete(lm.waitsFor, tx)
	for _, r := range lm.held[tx] {
		e := lm.locks[r]
		if e == nil {
			continue
		}
		delete(e.holders, tx)
		lm.changed(e)
		lm.dropIfIdle(r, e)
	}
	delete(lm.held, tx)
}

// Holds reports the mode tx holds r in, if any.
func (lm *LockManager) Holds(tx ID, r Resource) (LockMode, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if e := lm.locks[r]; e != nil {
		m, ok := e.holders[tx]
		return m, ok
	}
	return 0, false
}

// Len returns the number of locked resources.
func (lm *LockManager) Len() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.locks)
}

// Waiting returns the number of requests blocked on r.
func (lm *LockManager) Waiting(r Resource) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if e := lm.locks[r]; e != nil {
		return len(e.queue)
	}
	return 0
}

// isLockTimeout maps an expired per-request wait deadline to ErrLockTimeout
// when the transaction itself is still live.
func isLockTimeout(txCtx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) && txCtx.Err() == nil
}
