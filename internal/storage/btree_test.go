package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBTree(t *testing.T) *BTree {
	t.Helper()
	pool := NewBufferPool(NewConfig(WithPageSize(256), WithPartitionSizes(4, 64, 4)), nil)
	tree, err := NewBTree(filepath.Join(t.TempDir(), "id.idx"), pool)
	require.NoError(t, err)
	return tree
}

func TestBTree_SearchEmptyTreeFindsNothing(t *testing.T) {
	t.Parallel()

	tree := newTestBTree(t)
	_, found, err := tree.Search("anything")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBTree_InsertThenSearchRoundTrip(t *testing.T) {
	t.Parallel()

	tree := newTestBTree(t)
	require.NoError(t, tree.Insert("42", 1000))

	offset, found, err := tree.Search("42")
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 1000, offset)

	_, found, err = tree.Search("99")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBTree_InsertManyKeysForcesSplits(t *testing.T) {
	t.Parallel()

	tree := newTestBTree(t)
	const n = 300
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(fmt.Sprintf("%05d", i), int64(i*100)))
	}

	for i := 0; i < n; i++ {
		offset, found, err := tree.Search(fmt.Sprintf("%05d", i))
		require.NoError(t, err)
		require.True(t, found, "key %05d should be present", i)
		assert.EqualValues(t, i*100, offset)
	}
}

func TestBTree_RangeAscendingOrder(t *testing.T) {
	t.Parallel()

	tree := newTestBTree(t)
	for _, k := range []string{"1", "3", "5", "7", "9"} {
		var off int64
		fmt.Sscanf(k, "%d", &off)
		require.NoError(t, tree.Insert(k, off))
	}

	offsets, err := tree.Range("4", "")
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 7, 9}, offsets)

	offsets, err = tree.Range("3", "7")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5, 7}, offsets)

	offsets, err = tree.Range("", "")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 5, 7, 9}, offsets)
}

func TestBTree_DeletePresentKey(t *testing.T) {
	t.Parallel()

	tree := newTestBTree(t)
	require.NoError(t, tree.Insert("42", 1000))

	found, err := tree.Delete("42")
	require.NoError(t, err)
	assert.True(t, found)

	_, found, err = tree.Search("42")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBTree_DeleteAbsentKeyIsNoop(t *testing.T) {
	t.Parallel()

	tree := newTestBTree(t)
	require.NoError(t, tree.Insert("42", 1000))

	found, err := tree.Delete("99")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = tree.Search("42")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestBTree_DeleteAfterManyInsertsTriggersMerge(t *testing.T) {
	t.Parallel()

	tree := newTestBTree(t)
	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(fmt.Sprintf("%05d", i), int64(i)))
	}
	for i := 0; i < n-1; i++ {
		found, err := tree.Delete(fmt.Sprintf("%05d", i))
		require.NoError(t, err)
		assert.True(t, found)
	}

	offset, found, err := tree.Search(fmt.Sprintf("%05d", n-1))
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, n-1, offset)
}

func TestBTree_LongKeyTruncatedAtKMinusOne(t *testing.T) {
	t.Parallel()

	long := make([]byte, KeySize+10)
	for i := range long {
		long[i] = 'a'
	}
	truncated := truncateKey(string(long))
	assert.Len(t, truncated, KeySize)
	assert.Equal(t, byte(0), truncated[KeySize-1])
}

func TestBTree_RootSurvivesAcrossReopen(t *testing.T) {
	t.Parallel()

	pool := NewBufferPool(NewConfig(WithPageSize(256), WithPartitionSizes(4, 64, 4)), nil)
	path := filepath.Join(t.TempDir(), "id.idx")

	tree, err := NewBTree(path, pool)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Insert(fmt.Sprintf("%05d", i), int64(i)))
	}
	require.NoError(t, pool.FlushAll())

	// A fresh BufferPool over the same file has nothing cached, so this
	// exercises the header page's persisted root pointer for real instead
	// of hitting the first pool's in-memory frames.
	secondPool := NewBufferPool(NewConfig(WithPageSize(256), WithPartitionSizes(4, 64, 4)), nil)
	reopened, err := NewBTree(path, secondPool)
	require.NoError(t, err)
	offset, found, err := reopened.Search("00050")
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 50, offset)
}
