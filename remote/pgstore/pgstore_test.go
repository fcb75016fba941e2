package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabboard/remote"
)

// These tests need a real database and are skipped unless
// TEST_DATABASE_URL is set.
func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := Open(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, "test-" + ulid.Make().String()
}

func next(t *testing.T, ch <-chan []remote.Doc) []remote.Doc {
	t.Helper()
	select {
	case docs, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return docs
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return nil
}

func TestWriteMergeAndNotify(t *testing.T) {
	s, board := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx, board)
	require.NoError(t, err)
	assert.Empty(t, next(t, ch))

	require.NoError(t, s.Write(ctx, board, "e1", map[string]any{"x": 1.0, "fill": "#fff", "updatedAt": int64(100)}, false))
	snap := next(t, ch)
	require.Len(t, snap, 1)

	require.NoError(t, s.Write(ctx, board, "e1", map[string]any{"x": 2.0, "updatedAt": int64(200)}, true))
	snap = next(t, ch)
	assert.Equal(t, 2.0, snap[0].Fields["x"])
	assert.Equal(t, "#fff", snap[0].Fields["fill"])

	require.NoError(t, s.Write(ctx, board, "e1", map[string]any{"x": 9.0, "updatedAt": int64(150)}, true))
	docs, err := s.Snapshot(ctx, board)
	require.NoError(t, err)
	assert.Equal(t, 2.0, docs[0].Fields["x"], "older write is dropped")

	require.NoError(t, s.Delete(ctx, board, "e1"))
	assert.Eventually(t, func() bool {
		docs, err := s.Snapshot(ctx, board)
		return err == nil && len(docs) == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestBatchWrite(t *testing.T) {
	s, board := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.BatchWrite(ctx, board, []remote.Doc{
		{ID: "a", Fields: map[string]any{"x": 1.0, "updatedAt": int64(5)}},
		{ID: "b", Fields: map[string]any{"x": 2.0, "updatedAt": int64(5)}},
	}))
	docs, err := s.Snapshot(ctx, board)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
}
