package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabboard/remote"
)

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx, "board")
	require.NoError(t, err)
	assert.Empty(t, next(t, ch))

	require.NoError(t, s.Write(ctx, "board", "a", map[string]any{"x": 1.0}, false))
	snap := next(t, ch)
	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].ID)

	require.NoError(t, s.Write(ctx, "board", "a", map[string]any{"y": 2.0}, true))
	snap = next(t, ch)
	assert.Equal(t, map[string]any{"x": 1.0, "y": 2.0}, snap[0].Fields)

	require.NoError(t, s.Delete(ctx, "board", "a"))
	assert.Empty(t, next(t, ch))

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestWriteWithoutMergeOverwrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "b", "a", map[string]any{"x": 1.0, "y": 1.0}, false))
	require.NoError(t, s.Write(ctx, "b", "a", map[string]any{"x": 2.0}, false))

	assert.Equal(t, map[string]any{"x": 2.0}, s.Snapshot("b")[0].Fields)
}

func TestBatchWriteIsAllOrNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")
	s.FailWrites(boom)

	err := s.BatchWrite(ctx, "b", []remote.Doc{{ID: "a"}, {ID: "b"}})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, s.Snapshot("b"))

	s.FailWrites(nil)
	require.NoError(t, s.BatchWrite(ctx, "b", []remote.Doc{
		{ID: "a", Fields: map[string]any{"x": 1.0}},
		{ID: "b", Fields: map[string]any{"x": 2.0}},
	}))
	assert.Len(t, s.Snapshot("b"), 2)

	log := s.Writes()
	require.Len(t, log, 2)
	assert.Equal(t, boom, log[0].Err)
	assert.Equal(t, []string{"a", "b"}, log[1].IDs)
}

func TestPresenceSetAndClear(t *testing.T) {
	p := NewPresence()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := p.SubscribeAll(ctx, "room")
	require.NoError(t, err)
	assert.Empty(t, next(t, ch))

	require.NoError(t, p.Set(ctx, "room", remote.PresenceRecord{UserID: "u1", X: 3}))
	recs := next(t, ch)
	assert.Equal(t, 3.0, recs["u1"].X)

	require.NoError(t, p.Clear(ctx, "room", "u1"))
	assert.Empty(t, next(t, ch))
}

func TestOlderWriteIsDropped(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Put("b", "a", map[string]any{"x": 2.0, "updatedAt": int64(200)})

	require.NoError(t, s.Write(ctx, "b", "a", map[string]any{"x": 1.0, "updatedAt": int64(150)}, true))
	require.NoError(t, s.BatchWrite(ctx, "b", []remote.Doc{{ID: "a", Fields: map[string]any{"x": 3.0, "updatedAt": int64(199)}}}))
	assert.Equal(t, 2.0, s.Snapshot("b")[0].Fields["x"])

	require.NoError(t, s.Write(ctx, "b", "a", map[string]any{"x": 4.0, "updatedAt": int64(200)}, true))
	assert.Equal(t, 4.0, s.Snapshot("b")[0].Fields["x"])
}
