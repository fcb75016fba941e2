package wsclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabboard/protocol"
	"collabboard/remote"
)

// fakeServer acks every request. Writes to id "denied" are rejected and
// writes to id "silent" are never answered. A subscribe is answered with
// one snapshot holding a single doc.
func fakeServer(t *testing.T) (*httptest.Server, chan protocol.Frame) {
	t.Helper()
	received := make(chan protocol.Frame, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := protocol.Decode(msg)
			if err != nil {
				continue
			}
			received <- f
			var replies []protocol.Frame
			switch {
			case f.ID == "silent":
			case f.ID == "denied":
				replies = append(replies, protocol.Frame{Type: protocol.Ack, Seq: f.Seq, Error: "permission denied"})
			case f.Type == protocol.Subscribe:
				replies = append(replies,
					protocol.AckFor(f.Seq, nil),
					protocol.Frame{Type: protocol.Snapshot, Seq: f.Seq, Board: f.Board, Docs: []remote.Doc{{ID: "e1", Fields: map[string]any{"x": 1.0}}}})
			case f.Type == protocol.PresenceSubscribe:
				replies = append(replies,
					protocol.AckFor(f.Seq, nil),
					protocol.Frame{Type: protocol.Presence, Seq: f.Seq, Presence: map[string]remote.PresenceRecord{"bob": {UserID: "bob", X: 2}}})
			default:
				replies = append(replies, protocol.AckFor(f.Seq, nil))
			}
			for _, reply := range replies {
				if err := conn.WriteJSON(reply); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, received
}

func dial(t *testing.T, srv *httptest.Server, opts Options) *Client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dial(context.Background(), url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRequestsAreAcked(t *testing.T) {
	srv, received := fakeServer(t)
	c := dial(t, srv, Options{})
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "b", "e1", map[string]any{"x": 1.0}, true))
	f := <-received
	assert.Equal(t, protocol.Write, f.Type)
	assert.Equal(t, "b", f.Board)
	assert.True(t, f.Merge)

	require.NoError(t, c.BatchWrite(ctx, "b", []remote.Doc{{ID: "e1", Fields: map[string]any{}}, {ID: "e2", Fields: map[string]any{}}}))
	assert.Len(t, (<-received).Docs, 2)

	require.NoError(t, c.Delete(ctx, "b", "e1"))
	assert.Equal(t, protocol.Delete, (<-received).Type)

	require.NoError(t, c.Set(ctx, "b", remote.PresenceRecord{UserID: "alice", X: 3}))
	assert.Equal(t, 3.0, (<-received).Record.X)

	require.NoError(t, c.Clear(ctx, "b", "alice"))
	assert.Equal(t, "alice", (<-received).UserID)
}

func TestRejectedAndTimedOut(t *testing.T) {
	srv, _ := fakeServer(t)
	c := dial(t, srv, Options{RequestTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	err := c.Write(ctx, "b", "denied", map[string]any{}, false)
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "permission denied")

	err = c.Write(ctx, "b", "silent", map[string]any{}, false)
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestSubscriptionsReceivePushes(t *testing.T) {
	srv, _ := fakeServer(t)
	c := dial(t, srv, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	docs, err := c.Subscribe(ctx, "b")
	require.NoError(t, err)
	select {
	case snap := <-docs:
		require.Len(t, snap, 1)
		assert.Equal(t, "e1", snap[0].ID)
	case <-time.After(time.Second):
		t.Fatal("no snapshot")
	}

	recs, err := c.SubscribeAll(ctx, "b")
	require.NoError(t, err)
	select {
	case batch := <-recs:
		assert.Equal(t, 2.0, batch["bob"].X)
	case <-time.After(time.Second):
		t.Fatal("no presence")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-docs
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestCloseEndsEverything(t *testing.T) {
	srv, _ := fakeServer(t)
	c := dial(t, srv, Options{})

	docs, err := c.Subscribe(context.Background(), "b")
	require.NoError(t, err)
	<-docs

	require.NoError(t, c.Close())
	<-c.Done()
	_, ok := <-docs
	assert.False(t, ok)
	assert.ErrorIs(t, c.Delete(context.Background(), "b", "e1"), remote.ErrClosed)
}

// flakyServer answers like fakeServer, but its first connection is closed
// as soon as kick is closed. Snapshots name the connection they came from.
func flakyServer(t *testing.T) (*httptest.Server, chan struct{}, chan protocol.Frame) {
	t.Helper()
	var conns atomic.Int32
	kick := make(chan struct{})
	received := make(chan protocol.Frame, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)
		if n == 1 {
			go func() {
				<-kick
				conn.Close()
			}()
		}
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := protocol.Decode(msg)
			if err != nil {
				continue
			}
			received <- f
			if err := conn.WriteJSON(protocol.AckFor(f.Seq, nil)); err != nil {
				return
			}
			if f.Type == protocol.Subscribe {
				snap := protocol.Frame{Type: protocol.Snapshot, Seq: f.Seq, Board: f.Board, Docs: []remote.Doc{{ID: fmt.Sprintf("conn-%d", n), Fields: map[string]any{}}}}
				if err := conn.WriteJSON(snap); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, kick, received
}

func nextSnapshot(t *testing.T, docs <-chan []remote.Doc) []remote.Doc {
	t.Helper()
	select {
	case snap, ok := <-docs:
		require.True(t, ok, "subscription closed")
		return snap
	case <-time.After(3 * time.Second):
		t.Fatal("no snapshot")
	}
	return nil
}

func TestReconnectResubscribes(t *testing.T) {
	srv, kick, received := flakyServer(t)
	c := dial(t, srv, Options{RetryInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	docs, err := c.Subscribe(ctx, "b")
	require.NoError(t, err)
	first := <-received
	assert.Equal(t, "conn-1", nextSnapshot(t, docs)[0].ID)

	close(kick)
	assert.Equal(t, "conn-2", nextSnapshot(t, docs)[0].ID)
	again := <-received
	assert.Equal(t, protocol.Subscribe, again.Type)
	assert.Equal(t, first.Seq, again.Seq)

	require.NoError(t, c.Write(ctx, "b", "e1", map[string]any{"x": 1.0}, true))
	select {
	case <-c.Done():
		t.Fatal("client shut down")
	default:
	}
}

func TestDropWithoutReconnectEnds(t *testing.T) {
	srv, kick, _ := flakyServer(t)
	c := dial(t, srv, Options{ReconnectFor: -1})

	docs, err := c.Subscribe(context.Background(), "b")
	require.NoError(t, err)
	nextSnapshot(t, docs)

	close(kick)
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client still running")
	}
	_, ok := <-docs
	assert.False(t, ok)
	assert.ErrorIs(t, c.Write(context.Background(), "b", "e1", map[string]any{}, false), remote.ErrClosed)
}
