package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, dataFrames, indexFrames, metaFrames int) Config {
	t.Helper()
	return NewConfig(
		WithPageSize(16),
		WithPartitionSizes(dataFrames, indexFrames, metaFrames),
	)
}

func TestBufferPool_PinLoadsAndCaches(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "data.tbl")
	pool := NewBufferPool(testConfig(t, 2, 2, 2), nil)

	buf, err := pool.Pin(path, 0, Data)
	require.NoError(t, err)
	require.Len(t, buf, 16)
	copy(buf, []byte("hello world12345"))
	pool.Unpin(path, 0, Data, true)

	buf2, err := pool.Pin(path, 0, Data)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world12345"), buf2)
	pool.Unpin(path, 0, Data, false)
}

func TestBufferPool_EvictsWriteBackBeforeReuse(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "data.tbl")
	pool := NewBufferPool(testConfig(t, 1, 1, 1), nil)

	buf, err := pool.Pin(path, 0, Data)
	require.NoError(t, err)
	copy(buf, []byte("dirty-victim-abc"))
	pool.Unpin(path, 0, Data, true)

	// Partition only has capacity 1: pinning page 1 must evict page 0,
	// writing its dirty contents back first rather than discarding them.
	_, err = pool.Pin(path, 1, Data)
	require.NoError(t, err)
	pool.Unpin(path, 1, Data, false)

	got := make([]byte, 16)
	require.NoError(t, readPage(path, 0, 16, got))
	assert.Equal(t, []byte("dirty-victim-abc"), got)
}

func TestBufferPool_FullWhenEveryFramePinned(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "data.tbl")
	pool := NewBufferPool(testConfig(t, 1, 1, 1), nil)

	_, err := pool.Pin(path, 0, Data)
	require.NoError(t, err)

	_, err = pool.Pin(path, 1, Data)
	assert.True(t, IsKind(err, KindFull))
}

func TestBufferPool_UnpinDoesNotMoveLRUPosition(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "data.tbl")
	pool := NewBufferPool(testConfig(t, 2, 1, 1), nil)

	_, err := pool.Pin(path, 0, Data)
	require.NoError(t, err)
	_, err = pool.Pin(path, 1, Data)
	require.NoError(t, err)

	// Page 1 was pinned last, so page 0 is LRU-most. Unpinning page 0 after
	// page 1 must not promote it: pinning a third page evicts page 0, not
	// page 1.
	pool.Unpin(path, 1, Data, false)
	pool.Unpin(path, 0, Data, false)

	_, err = pool.Pin(path, 2, Data)
	require.NoError(t, err)
	pool.Unpin(path, 2, Data, false)

	stats := pool.Stats()
	var dataStats PoolStats
	for _, s := range stats {
		if s.Tag == Data {
			dataStats = s
		}
	}
	assert.Equal(t, 2, dataStats.Resident)
	assert.NotContains(t, pool.partitions[Data].frames, PageKey{FilePath: path, PageNum: 0})
	assert.Contains(t, pool.partitions[Data].frames, PageKey{FilePath: path, PageNum: 1})
}

func TestBufferPool_FlushAllClearsDirty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "data.tbl")
	pool := NewBufferPool(testConfig(t, 4, 4, 4), nil)

	buf, err := pool.Pin(path, 0, Data)
	require.NoError(t, err)
	copy(buf, []byte("flush-me-please."))
	pool.Unpin(path, 0, Data, true)

	require.NoError(t, pool.FlushAll())
	for _, s := range pool.Stats() {
		assert.Zero(t, s.Dirty, "partition %s", s.Tag)
	}

	got := make([]byte, 16)
	require.NoError(t, readPage(path, 0, 16, got))
	assert.Equal(t, []byte("flush-me-please"), got[:15])
}
