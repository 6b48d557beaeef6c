package txn

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLockManager() *LockManager {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewLockManager(log, nil)
}

// acquireAsync requests r in the background and reports the outcome.
func acquireAsync(ctx context.Context, lm *LockManager, tx ID, r Resource, mode LockMode) <-chan error {
	done := make(chan error, 1)
	go func() { done <- lm.Acquire(ctx, tx, r, mode) }()
	return done
}

func TestLockModes(t *testing.T) {
	assert.True(t, compatible(Shared, Shared))
	assert.True(t, compatible(IntentExclusive, IntentExclusive))
	assert.False(t, compatible(Shared, IntentExclusive))
	assert.False(t, compatible(SharedIntentExclusive, IntentExclusive))
	assert.False(t, compatible(Exclusive, Shared))

	assert.Equal(t, SharedIntentExclusive, Shared.join(IntentExclusive))
	assert.Equal(t, SharedIntentExclusive, IntentExclusive.join(Shared))
	assert.Equal(t, Exclusive, SharedIntentExclusive.join(Exclusive))
	assert.Equal(t, Exclusive, Shared.join(Exclusive))
	assert.True(t, SharedIntentExclusive.covers(Shared))
	assert.True(t, SharedIntentExclusive.covers(IntentExclusive))
	assert.False(t, IntentExclusive.covers(Shared))
	assert.Equal(t, "SIX", SharedIntentExclusive.String())
}

func TestLockJoinsSharedAndIntent(t *testing.T) {
	lm := newLockManager()
	ctx := context.Background()
	r := Label("User")

	require.NoError(t, lm.Acquire(ctx, 1, r, Shared))
	require.NoError(t, lm.Acquire(ctx, 1, r, IntentExclusive))
	mode, ok := lm.Holds(1, r)
	require.True(t, ok)
	assert.Equal(t, SharedIntentExclusive, mode)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, lm.Acquire(short, 2, r, IntentExclusive), context.DeadlineExceeded)
	assert.Zero(t, lm.Waiting(r))

	lm.ReleaseAll(1)
	require.NoError(t, lm.Acquire(ctx, 2, r, IntentExclusive))
	require.NoError(t, lm.Acquire(ctx, 3, r, IntentExclusive), "intents do not exclude each other")
	lm.ReleaseAll(2)
	lm.ReleaseAll(3)
	assert.Zero(t, lm.Len())
}

func TestLockQueuedWriterIsNotStarved(t *testing.T) {
	lm := newLockManager()
	ctx := context.Background()
	r := Label("User")

	require.NoError(t, lm.Acquire(ctx, 1, r, Shared))
	writer := acquireAsync(ctx, lm, 2, r, Exclusive)
	require.Eventually(t, func() bool { return lm.Waiting(r) == 1 }, time.Second, time.Millisecond)

	reader := acquireAsync(ctx, lm, 3, r, Shared)
	require.Eventually(t, func() bool { return lm.Waiting(r) == 2 }, time.Second, time.Millisecond)
	_, ok := lm.Holds(3, r)
	assert.False(t, ok, "a new reader queues behind the waiting writer")

	lm.ReleaseAll(1)
	require.NoError(t, <-writer)
	mode, _ := lm.Holds(2, r)
	assert.Equal(t, Exclusive, mode)
	assert.Equal(t, 1, lm.Waiting(r))

	lm.ReleaseAll(2)
	require.NoError(t, <-reader)
	lm.ReleaseAll(3)
	assert.Zero(t, lm.Len())
}

func TestLockRefreshesWaitEdges(t *testing.T) {
	lm := newLockManager()
	ctx := context.Background()
	r, other := Node(1), Node(2)

	require.NoError(t, lm.Acquire(ctx, 3, other, Exclusive))
	require.NoError(t, lm.Acquire(ctx, 0, r, Exclusive))

	cancelled, cancel := context.WithCancel(ctx)
	first := acquireAsync(cancelled, lm, 1, r, Exclusive)
	require.Eventually(t, func() bool { return lm.Waiting(r) == 1 }, time.Second, time.Millisecond)

	// tx 3 waits for the holder and for tx 1 queued ahead of it.
	third := acquireAsync(ctx, lm, 3, r, Shared)
	require.Eventually(t, func() bool { return lm.Waiting(r) == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)
	assert.Equal(t, 1, lm.Waiting(r))

	// tx 3 no longer waits for tx 1, so tx 1 waiting for tx 3 closes no
	// cycle.
	second := acquireAsync(ctx, lm, 1, other, Exclusive)
	require.Eventually(t, func() bool { return lm.Waiting(other) == 1 }, time.Second, time.Millisecond)

	lm.ReleaseAll(0)
	require.NoError(t, <-third)
	lm.ReleaseAll(3)
	require.NoError(t, <-second)
	lm.ReleaseAll(1)
	assert.Zero(t, lm.Len())
}

func TestLockCancelledWaiterUnblocksQueue(t *testing.T) {
	lm := newLockManager()
	ctx := context.Background()
	r := Label("User")

	require.NoError(t, lm.Acquire(ctx, 1, r, Shared))
	cancelled, cancel := context.WithCancel(ctx)
	writer := acquireAsync(cancelled, lm, 2, r, Exclusive)
	require.Eventually(t, func() bool { return lm.Waiting(r) == 1 }, time.Second, time.Millisecond)

	reader := acquireAsync(ctx, lm, 3, r, Shared)
	require.Eventually(t, func() bool { return lm.Waiting(r) == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-writer, context.Canceled)
	require.NoError(t, <-reader, "readers share once the writer is gone")
	lm.ReleaseAll(1)
	lm.ReleaseAll(3)
	assert.Zero(t, lm.Len())
}
