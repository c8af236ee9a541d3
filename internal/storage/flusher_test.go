package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlusher_PeriodicallyFlushesDirtyFrames(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data.tbl")
	pool := NewBufferPool(NewConfig(WithPageSize(16), WithPartitionSizes(2, 2, 2)), nil)

	buf, err := pool.Pin(path, 0, Data)
	require.NoError(t, err)
	copy(buf, []byte("flusher-test-xyz"))
	pool.Unpin(path, 0, Data, true)

	flusher := NewFlusher(pool, 10*time.Millisecond, nil)
	flusher.Start()
	defer flusher.Stop()

	require.Eventually(t, func() bool {
		got := make([]byte, 16)
		if err := readPage(path, 0, 16, got); err != nil {
			return false
		}
		return string(got) == "flusher-test-xyz"
	}, time.Second, 10*time.Millisecond)
}

func TestFlusher_StopPerformsFinalFlush(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data.tbl")
	pool := NewBufferPool(NewConfig(WithPageSize(16), WithPartitionSizes(2, 2, 2)), nil)

	flusher := NewFlusher(pool, time.Hour, nil) // long enough that only Stop's final flush matters

	buf, err := pool.Pin(path, 0, Data)
	require.NoError(t, err)
	copy(buf, []byte("final-flush-1234"))
	pool.Unpin(path, 0, Data, true)

	flusher.Start()
	require.NoError(t, flusher.Stop())

	got := make([]byte, 16)
	require.NoError(t, readPage(path, 0, 16, got))
	assert.Equal(t, []byte("final-flush-1234"), got)
}
