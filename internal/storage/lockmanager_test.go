package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockManager_SharedLocksAreCompatible(t *testing.T) {
	t.Parallel()

	lm := NewLockManager(nil)
	require.NoError(t, lm.Acquire(1, "t:row:1", Shared))
	require.NoError(t, lm.Acquire(2, "t:row:1", Shared))
}

func TestLockManager_ExclusiveBlocksUntilReleased(t *testing.T) {
	t.Parallel()

	lm := NewLockManager(nil)
	require.NoError(t, lm.Acquire(1, "t:row:1", Exclusive))

	granted := make(chan struct{})
	go func() {
		require.NoError(t, lm.Acquire(2, "t:row:1", Exclusive))
		close(granted)
	}()

	select {
	case <-granted:
		t.Fatal("txn 2 should not have been granted while txn 1 holds the exclusive lock")
	case <-time.After(50 * time.Millisecond):
	}

	lm.ReleaseAll(1)

	select {
	case <-granted:
	case <-time.After(time.Second):
		t.Fatal("txn 2 should have been granted after txn 1 released")
	}
}

func TestLockManager_ReentrantSameMode(t *testing.T) {
	t.Parallel()

	lm := NewLockManager(nil)
	require.NoError(t, lm.Acquire(1, "t:row:1", Shared))
	require.NoError(t, lm.Acquire(1, "t:row:1", Shared))
}

func TestLockManager_UpgradeNotSupported(t *testing.T) {
	t.Parallel()

	lm := NewLockManager(nil)
	require.NoError(t, lm.Acquire(1, "t:row:1", Shared))

	err := lm.Acquire(1, "t:row:1", Exclusive)
	assert.True(t, IsKind(err, KindLogicError))
}

func TestLockManager_FIFOFairness(t *testing.T) {
	t.Parallel()

	lm := NewLockManager(nil)
	require.NoError(t, lm.Acquire(1, "t:row:1", Exclusive))

	var mu sync.Mutex
	var order []int64

	var wg sync.WaitGroup
	for _, txn := range []int64{2, 3, 4} {
		wg.Add(1)
		go func(txn int64) {
			defer wg.Done()
			require.NoError(t, lm.Acquire(txn, "t:row:1", Exclusive))
			mu.Lock()
			order = append(order, txn)
			mu.Unlock()
			lm.ReleaseAll(txn)
		}(txn)
		time.Sleep(20 * time.Millisecond) // ensure enqueue order
	}

	lm.ReleaseAll(1)
	wg.Wait()

	assert.Equal(t, []int64{2, 3, 4}, order)
}

func TestLockManager_ReleaseAllClearsWaiters(t *testing.T) {
	t.Parallel()

	lm := NewLockManager(nil)
	require.NoError(t, lm.Acquire(1, "t:row:1", Exclusive))

	blocked := make(chan struct{})
	go func() {
		lm.Acquire(2, "t:row:1", Exclusive)
		close(blocked)
	}()
	time.Sleep(20 * time.Millisecond)

	// Releasing txn 2 (the waiter) before it is ever granted must drop it
	// from the queue and let its blocked Acquire call return, without
	// granting it the lock.
	lm.ReleaseAll(2)

	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("released waiter should have its Acquire call return")
	}

	lm.ReleaseAll(1)
}
