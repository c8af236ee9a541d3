package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	wal, err := OpenWAL(filepath.Join(t.TempDir(), "wal.log"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })
	return NewCoordinator(wal, NewLockManager(nil), nil)
}

func TestCoordinator_TxnIDsAreMonotonicStartingAt1(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	id1, err := c.Begin()
	require.NoError(t, err)
	id2, err := c.Begin()
	require.NoError(t, err)

	assert.EqualValues(t, 1, id1)
	assert.EqualValues(t, 2, id2)
}

func TestCoordinator_CommitAppendsThenReleasesLocks(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	id, err := c.Begin()
	require.NoError(t, err)
	require.NoError(t, c.Acquire(id, "t:row:1", Exclusive))
	require.NoError(t, c.LogUpdate(id, "t", 0, "before", "after"))
	require.NoError(t, c.Commit(id))

	// The lock was released on commit, so a different txn can now take it.
	other, err := c.Begin()
	require.NoError(t, err)
	require.NoError(t, c.Acquire(other, "t:row:1", Exclusive))
}

func TestCoordinator_AbortReleasesLocksWithoutUndoingMutations(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	id, err := c.Begin()
	require.NoError(t, err)
	require.NoError(t, c.Acquire(id, "t:row:1", Exclusive))
	require.NoError(t, c.Abort(id))

	other, err := c.Begin()
	require.NoError(t, err)
	require.NoError(t, c.Acquire(other, "t:row:1", Exclusive))
}

func TestCoordinator_OperationsOnUnknownTxnFail(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	err := c.Commit(999)
	assert.True(t, IsKind(err, KindLogicError))
}

func TestCoordinator_TerminalTxnRejectsFurtherOps(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	id, err := c.Begin()
	require.NoError(t, err)
	require.NoError(t, c.Commit(id))

	err = c.Commit(id)
	assert.True(t, IsKind(err, KindLogicError))
}
