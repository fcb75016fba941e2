// Package wsclient implements the remote store and presence contracts on
// top of a websocket connection to the sync server.
//
// When the connection drops the client redials with exponential backoff and
// re-sends every live subscription, so subscription channels keep delivering
// across reconnects. Requests in flight when the connection drops fail with
// ErrDisconnected; requests issued while redialling wait for the new
// connection up to the request timeout. Subscriptions end when their context
// is cancelled, on Close, or once redialling gives up.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"collabboard/protocol"
	"collabboard/remote"
)

const (
	// DefaultRequestTimeout bounds the wait for an ack.
	DefaultRequestTimeout = 10 * time.Second
	// DefaultReconnectFor bounds how long a lost connection is redialled.
	DefaultReconnectFor = time.Minute
	writeWait           = 10 * time.Second
	maxMessageSize      = 4 << 20
	sendBuffer          = 256
)

var (
	// ErrRequestTimeout is returned when the server does not ack in time.
	ErrRequestTimeout = errors.New("wsclient: request timed out")
	// ErrRejected wraps the error text the server sent back in an ack.
	ErrRejected = errors.New("wsclient: rejected by server")
	// ErrDisconnected is returned for requests whose connection dropped
	// before they were acked. The request may or may not have been applied.
	ErrDisconnected = errors.New("wsclient: connection lost")
)

// Options tune a client.
type Options struct {
	RequestTimeout time.Duration
	Header         http.Header
	Dialer         *websocket.Dialer
	// ReconnectFor bounds redialling after a drop. Zero means
	// DefaultReconnectFor; a negative value disables reconnecting.
	ReconnectFor time.Duration
	// RetryInterval is the first backoff interval. Zero keeps the
	// backoff package default.
	RetryInterval time.Duration
}

// subscription is a live subscribe or presence_subscribe request. Pushes
// are routed by the seq of the request that opened it.
type subscription struct {
	frame    protocol.Frame
	docs     chan []remote.Doc
	presence chan map[string]remote.PresenceRecord
}

func (s *subscription) close() {
	if s.docs != nil {
		close(s.docs)
	}
	if s.presence != nil {
		close(s.presence)
	}
}

// link is one websocket connection with its pumps.
type link struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Client is a remote.Store and a remote.PresenceChannel.
type Client struct {
	url     string
	opts    Options
	timeout time.Duration
	quit    chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	seq     uint64
	closed  bool
	link    *link
	ready   chan struct{} // closed while a link is up
	waiting map[uint64]chan error
	subs    map[uint64]*subscription

	quitOnce sync.Once
}

var (
	_ remote.Store           = (*Client)(nil)
	_ remote.PresenceChannel = (*Client)(nil)
)

// Dial connects to a sync server websocket endpoint. Only the first dial is
// reported as an error; later drops are redialled in the background.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ReconnectFor == 0 {
		opts.ReconnectFor = DefaultReconnectFor
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	c := &Client{
		url:     url,
		opts:    opts,
		timeout: timeout,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
		waiting: make(map[uint64]chan error),
		subs:    make(map[uint64]*subscription),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.attachLocked(conn)
	c.mu.Unlock()
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return conn, nil
}

// attachLocked makes conn the live link and re-sends every subscription
// ahead of any other request.
func (c *Client) attachLocked(conn *websocket.Conn) {
	l := &link{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	for seq, sub := range c.subs {
		b, err := protocol.Encode(sub.frame)
		if err != nil {
			glog.Errorf("[wsclient]encode resubscribe %d: %v", seq, err)
			continue
		}
		select {
		case l.send <- b:
		default:
			glog.Warningf("[wsclient]too many subscriptions to resend, dropping seq %d", seq)
		}
	}
	c.link = l
	close(c.ready)
	go c.writePump(l)
	go c.readPump(l)
}

// Done is closed once the client has shut down for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and tears the connection down. Outstanding
// requests fail with remote.ErrClosed and subscription channels are closed.
func (c *Client) Close() error {
	c.quitOnce.Do(func() { close(c.quit) })
	select {
	case <-c.done:
	case <-time.After(writeWait):
		c.mu.Lock()
		if c.link != nil {
			c.link.conn.Close()
		}
		c.mu.Unlock()
		<-c.done
	}
	return nil
}

func (c *Client) Write(ctx context.Context, collection, id string, fields map[string]any, merge bool) error {
	return c.request(ctx, protocol.Frame{Type: protocol.Write, Board: collection, ID: id, Fields: fields, Merge: merge}, nil)
}

func (c *Client) BatchWrite(ctx context.Context, collection string, docs []remote.Doc) error {
	return c.request(ctx, protocol.Frame{Type: protocol.BatchWrite, Board: collection, Docs: docs}, nil)
}

func (c *Client) Delete(ctx context.Context, collection, id string) error {
	return c.request(ctx, protocol.Frame{Type: protocol.Delete, Board: collection, ID: id}, nil)
}

func (c *Client) Subscribe(ctx context.Context, collection string) (<-chan []remote.Doc, error) {
	sub := &subscription{docs: make(chan []remote.Doc, 1)}
	if err := c.subscribe(ctx, protocol.Frame{Type: protocol.Subscribe, Board: collection}, sub); err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", collection, err)
	}
	return sub.docs, nil
}

func (c *Client) Set(ctx context.Context, room string, rec remote.PresenceRecord) error {
	return c.request(ctx, protocol.Frame{Type: protocol.PresenceSet, Board: room, Record: &rec}, nil)
}

func (c *Client) Clear(ctx context.Context, room, userID string) error {
	return c.request(ctx, protocol.Frame{Type: protocol.PresenceClear, Board: room, UserID: userID}, nil)
}

func (c *Client) SubscribeAll(ctx context.Context, room string) (<-chan map[string]remote.PresenceRecord, error) {
	sub := &subscription{presence: make(chan map[string]remote.PresenceRecord, 1)}
	if err := c.subscribe(ctx, protocol.Frame{Type: protocol.PresenceSubscribe, Board: room}, sub); err != nil {
		return nil, fmt.Errorf("subscribe to presence %s: %w", room, err)
	}
	return sub.presence, nil
}

func (c *Client) subscribe(ctx context.Context, f protocol.Frame, sub *subscription) error {
	var seq uint64
	err := c.request(ctx, f, func(s uint64) {
		seq = s
		sub.frame = f
		sub.frame.Seq = s
		c.subs[s] = sub
	})
	if err != nil {
		if seq != 0 {
			c.drop(seq)
		}
		return err
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		c.drop(seq)
	}()
	return nil
}

// request sends f with a fresh sequence number and waits for its ack.
// register runs under the lock before the frame is sent, so pushes that
// answer the request can never arrive unrouted.
func (c *Client) request(ctx context.Context, f protocol.Frame, register func(seq uint64)) error {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	c.mu.Lock()
	for c.link == nil && !c.closed {
		ready := c.ready
		c.mu.Unlock()
		select {
		case <-ready:
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: %s while reconnecting", ErrRequestTimeout, f.Type)
		}
		c.mu.Lock()
	}
	if c.closed {
		c.mu.Unlock()
		return remote.ErrClosed
	}
	l := c.link
	c.seq++
	f.Seq = c.seq
	wait := make(chan error, 1)
	c.waiting[f.Seq] = wait
	if register != nil {
		register(f.Seq)
	}
	c.mu.Unlock()

	b, err := protocol.Encode(f)
	if err != nil {
		c.forget(f.Seq)
		return fmt.Errorf("encode %s: %w", f.Type, err)
	}

	select {
	case l.send <- b:
	case <-l.done:
		c.forget(f.Seq)
		return ErrDisconnected
	case <-ctx.Done():
		c.forget(f.Seq)
		return ctx.Err()
	case <-timer.C:
		c.forget(f.Seq)
		return fmt.Errorf("%w: %s seq %d not sent", ErrRequestTimeout, f.Type, f.Seq)
	}
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		c.forget(f.Seq)
		return ctx.Err()
	case <-timer.C:
		c.forget(f.Seq)
		return fmt.Errorf("%w: %s seq %d", ErrRequestTimeout, f.Type, f.Seq)
	}
}

func (c *Client) forget(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiting, seq)
}

func (c *Client) drop(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[seq]; ok {
		delete(c.subs, seq)
		sub.close()
	}
}

func (c *Client) readPump(l *link) {
	defer c.lost(l)
	l.conn.SetReadLimit(maxMessageSize)
	for {
		_, message, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Warningf("[wsclient]connection lost: %v", err)
			}
			return
		}
		f, err := protocol.Decode(message)
		if err != nil {
			glog.Warningf("[wsclient]dropping frame: %v", err)
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f protocol.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch f.Type {
	case protocol.Ack:
		wait, ok := c.waiting[f.Seq]
		if !ok {
			// Resubscribes are not waited on.
			if f.Error != "" {
				glog.Warningf("[wsclient]request %d rejected: %s", f.Seq, f.Error)
			}
			return
		}
		delete(c.waiting, f.Seq)
		if f.Error != "" {
			wait <- fmt.Errorf("%w: %s", ErrRejected, f.Error)
		} else {
			wait <- nil
		}
	case protocol.Snapshot:
		if sub, ok := c.subs[f.Seq]; ok && sub.docs != nil {
			remote.Offer(sub.docs, f.Docs)
		}
	case protocol.Presence:
		if sub, ok := c.subs[f.Seq]; ok && sub.presence != nil {
			remote.Offer(sub.presence, f.Presence)
		}
	default:
		glog.Warningf("[wsclient]unexpected %s frame from server", f.Type)
	}
}

func (c *Client) writePump(l *link) {
	defer l.conn.Close()
	for {
		select {
		case message := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				glog.Warningf("[wsclient]write failed: %v", err)
				return
			}
		case <-c.quit:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-l.done:
			return
		}
	}
}

// lost runs when the read pump of l exits. Requests waiting on l fail and
// the client either redials or shuts down.
func (c *Client) lost(l *link) {
	close(l.done)
	l.conn.Close()

	c.mu.Lock()
	c.link = nil
	c.ready = make(chan struct{})
	for seq, wait := range c.waiting {
		wait <- ErrDisconnected
		delete(c.waiting, seq)
	}
	c.mu.Unlock()

	select {
	case <-c.quit:
		c.shutdown()
		return
	default:
	}
	if c.opts.ReconnectFor < 0 {
		c.shutdown()
		return
	}
	go c.reconnect()
}

func (c *Client) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.opts.ReconnectFor
	if c.opts.RetryInterval > 0 {
		b.InitialInterval = c.opts.RetryInterval
	}
	var conn *websocket.Conn
	err := backoff.RetryNotify(func() error {
		var err error
		conn, err = c.dial(ctx)
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		glog.V(1).Infof("[wsclient]redial failed, next attempt in %s: %v", next, err)
	})
	if err == nil && ctx.Err() == nil {
		c.mu.Lock()
		c.attachLocked(conn)
		n := len(c.subs)
		c.mu.Unlock()
		glog.Infof("[wsclient]reconnected to %s, resent %d subscriptions", c.url, n)
		return
	}
	if conn != nil {
		conn.Close()
	}
	if err != nil {
		glog.Warningf("[wsclient]giving up on %s: %v", c.url, err)
	}
	c.shutdown()
}

// shutdown ends the client for good: waiters fail with remote.ErrClosed and
// subscription channels are closed.
func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	for seq, wait := range c.waiting {
		wait <- remote.ErrClosed
		delete(c.waiting, seq)
	}
	for seq, sub := range c.subs {
		sub.close()
		delete(c.subs, seq)
	}
	c.mu.Unlock()
	close(c.done)
}
