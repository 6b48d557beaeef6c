package graph

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/orneryd/embergraph/pkg/cypher"
	"github.com/orneryd/embergraph/pkg/storage"
	"github.com/orneryd/embergraph/pkg/txn"
	"github.com/orneryd/embergraph/pkg/value"
)

// Future is the pending result of an async operation.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(v T, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the operation finishes or ctx is done. Giving up on
// the wait does not cancel the operation; cancel the context it was
// submitted with for that.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Async submits store operations without blocking the caller.
//
// Each submission returns immediately with a Future. A background
// goroutine waits for one of the store's worker slots and then makes the
// ordinary synchronous call, so an operation only ever suspends where the
// synchronous call would block: on a lock or on backend I/O.
type Async struct {
	store *Store
	sem   *semaphore.Weighted
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// Async returns the store's async wrapper.
func (s *Store) Async() *Async { return s.async }

// Go runs fn on a worker slot and returns its Future. fn receives ctx.
// After the store is closed the Future resolves to ErrClosed.
func Go[T any](a *Async, ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		var zero T
		f.resolve(zero, ErrClosed)
		return f
	}
	a.wg.Add(1)
	a.mu.RUnlock()

	go func() {
		defer a.wg.Done()
		var zero T
		if err := a.sem.Acquire(ctx, 1); err != nil {
			f.resolve(zero, err)
			return
		}
		defer a.sem.Release(1)
		f.resolve(fn(ctx))
	}()
	return f
}

// wait refuses new submissions and blocks until every submitted operation
// has finished.
func (a *Async) wait() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
}

// CreateNode is the async form of Store.CreateNode.
func (a *Async) CreateNode(ctx context.Context, labels []string, props value.Properties) *Future[storage.NodeID] {
	return Go(a, ctx, func(ctx context.Context) (storage.NodeID, error) {
		return a.store.CreateNode(ctx, labels, props)
	})
}

// CreateRelationship is the async form of Store.CreateRelationship.
func (a *Async) CreateRelationship(ctx context.Context, start, end storage.NodeID, relType string, props value.Properties) *Future[storage.RelID] {
	return Go(a, ctx, func(ctx context.Context) (storage.RelID, error) {
		return a.store.CreateRelationship(ctx, start, end, relType, props)
	})
}

// Update is the async form of Store.Update.
func (a *Async) Update(ctx context.Context, fn func(tx *txn.Tx) error) *Future[struct{}] {
	return Go(a, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.store.Update(ctx, fn)
	})
}

// Execute is the async form of Store.Execute.
func (a *Async) Execute(ctx context.Context, text string) *Future[*cypher.Result] {
	return Go(a, ctx, func(ctx context.Context) (*cypher.Result, error) {
		return a.store.Execute(ctx, text)
	})
}
