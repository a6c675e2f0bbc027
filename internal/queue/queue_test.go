package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/geultto/sheetsync/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSet(t *testing.T) *Set {
	t.Helper()
	s := NewSet()
	require.NoError(t, s.Register("contents", schema.Contents, OpAppend))
	require.NoError(t, s.Register("bookmark_updates", schema.Bookmarks, OpUpdate))
	return s
}

func TestRegister(t *testing.T) {
	s := newTestSet(t)
	assert.ErrorIs(t, s.Register("contents", schema.Contents, OpAppend), ErrDuplicateQueue)
	assert.Equal(t, []string{"contents", "bookmark_updates"}, s.Names())

	_, err := s.Enqueue("missing", []string{"x"}, nil)
	assert.ErrorIs(t, err, ErrUnknownQueue)
}

func TestEnqueueAssignsIncreasingSeq(t *testing.T) {
	s := newTestSet(t)
	a, err := s.Enqueue("contents", []string{"a"}, nil)
	require.NoError(t, err)
	b, err := s.Enqueue("bookmark_updates", []string{"b"}, map[string]string{"user_id": "U1"})
	require.NoError(t, err)
	c, err := s.Enqueue("contents", []string{"c"}, nil)
	require.NoError(t, err)

	assert.Less(t, a, b)
	assert.Less(t, b, c)
	assert.Equal(t, 2, s.Len("contents"))
	assert.Equal(t, 3, s.Total())
}

func TestSnapshotAndClearKeepsLaterEntries(t *testing.T) {
	s := newTestSet(t)
	_, _ = s.Enqueue("contents", []string{"same"}, nil)
	_, _ = s.Enqueue("contents", []string{"same"}, nil)

	batch, err := s.SnapshotAndClear("contents", 0)
	require.NoError(t, err)
	require.Equal(t, 2, batch.Len())
	assert.Equal(t, schema.Contents, batch.Table)

	// An identical row enqueued during the flush must survive.
	_, _ = s.Enqueue("contents", []string{"same"}, nil)
	assert.Equal(t, 1, s.Len("contents"))

	pending, err := s.Pending("contents")
	require.NoError(t, err)
	assert.Greater(t, pending[0].Seq, batch.LastSeq)
}

func TestSnapshotAndClearLimit(t *testing.T) {
	s := newTestSet(t)
	for i := 0; i < 5; i++ {
		_, _ = s.Enqueue("contents", []string{fmt.Sprint(i)}, nil)
	}

	batch, err := s.SnapshotAndClear("contents", 2)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"0"}, {"1"}}, batch.Rows())
	assert.Equal(t, 3, s.Len("contents"))

	empty, err := s.SnapshotAndClear("bookmark_updates", 0)
	require.NoError(t, err)
	assert.True(t, empty.Empty())
}

func TestRestorePutsBatchInFront(t *testing.T) {
	s := newTestSet(t)
	_, _ = s.Enqueue("contents", []string{"A"}, nil)
	_, _ = s.Enqueue("contents", []string{"B"}, nil)

	batch, err := s.SnapshotAndClear("contents", 0)
	require.NoError(t, err)

	_, _ = s.Enqueue("contents", []string{"C"}, nil)
	require.NoError(t, s.Restore(batch))

	pending, err := s.Pending("contents")
	require.NoError(t, err)
	var rows []string
	for _, e := range pending {
		rows = append(rows, e.Row[0])
	}
	assert.Equal(t, []string{"A", "B", "C"}, rows)
}

func TestTryAcquire(t *testing.T) {
	s := newTestSet(t)
	assert.True(t, s.TryAcquire("contents"))
	assert.False(t, s.TryAcquire("contents"))
	assert.True(t, s.TryAcquire("bookmark_updates"), "busy flags are per queue")

	s.Release("contents")
	assert.True(t, s.TryAcquire("contents"))
	assert.False(t, s.TryAcquire("missing"))
}

func TestConcurrentEnqueueAndDrain(t *testing.T) {
	s := newTestSet(t)
	const writers, perWriter = 8, 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, _ = s.Enqueue("contents", []string{"r"}, nil)
			}
		}()
	}

	drained := 0
	var last uint64
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		batch, err := s.SnapshotAndClear("contents", 0)
		require.NoError(t, err)
		for _, e := range batch.Entries {
			require.Greater(t, e.Seq, last, "entries must drain in seq order")
			last = e.Seq
		}
		drained += batch.Len()
		select {
		case <-done:
			if s.Len("contents") == 0 {
				assert.Equal(t, writers*perWriter, drained)
				return
			}
		default:
		}
	}
}

func TestStats(t *testing.T) {
	s := newTestSet(t)
	_, _ = s.Enqueue("contents", []string{"a"}, nil)
	s.TryAcquire("bookmark_updates")

	stats := s.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, 1, stats[0].Len)
	assert.Equal(t, "append", stats[0].Op)
	assert.True(t, stats[1].Busy)
	assert.NotZero(t, stats[0].OldestSeq)
}

func TestPendingForMergesQueuesBySeq(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Register("bookmarks", schema.Bookmarks, OpAppend))
	require.NoError(t, s.Register("bookmark_updates", schema.Bookmarks, OpUpdate))
	require.NoError(t, s.Register("contents", schema.Contents, OpAppend))

	_, _ = s.Enqueue("bookmarks", []string{"create"}, nil)
	_, _ = s.Enqueue("contents", []string{"other"}, nil)
	_, _ = s.Enqueue("bookmark_updates", []string{"update"}, nil)
	_, _ = s.Enqueue("bookmarks", []string{"create2"}, nil)

	var rows []string
	for _, e := range s.PendingFor(schema.Bookmarks) {
		rows = append(rows, e.Row[0])
	}
	assert.Equal(t, []string{"create", "update", "create2"}, rows)

	info, err := s.Describe("bookmark_updates")
	require.NoError(t, err)
	assert.Equal(t, OpUpdate, info.Op)
	assert.Equal(t, schema.Bookmarks, info.Table)
}
