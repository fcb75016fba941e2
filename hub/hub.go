// Package hub is the sync server's connection layer. Each websocket is bound
// to one board and relays requests to the store and presence backends,
// which do the fan-out.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"collabboard/config"
	"collabboard/metrics"
	"collabboard/protocol"
	"collabboard/remote"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub keeps track of the live connections. The backends do the fan-out;
// the hub only counts connections and closes them on shutdown.
type Hub struct {
	store     remote.Store
	presence  remote.PresenceChannel
	staleness time.Duration
	settings  config.ServerConfig

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	count      chan chan int
	done       chan struct{}
}

// New returns a hub whose connections relay to store and presence.
func New(store remote.Store, presence remote.PresenceChannel, staleness time.Duration, settings config.ServerConfig) *Hub {
	return &Hub{
		store:      store,
		presence:   presence,
		staleness:  staleness,
		settings:   settings,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		count:      make(chan chan int),
		done:       make(chan struct{}),
	}
}

// Run serves register and unregister requests until ctx is done, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			metrics.Connections.Inc()
			glog.Infof("[hub]client %s joined board %s. Total clients: %d", client.id, client.board, len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				metrics.Connections.Dec()
				glog.Infof("[hub]client %s left board %s. Total clients: %d", client.id, client.board, len(h.clients))
			}
		case reply := <-h.count:
			reply <- len(h.clients)
		case <-ctx.Done():
			for client := range h.clients {
				client.cancel()
			}
			glog.Infof("[hub]stopped with %d clients", len(h.clients))
			return
		}
	}
}

// Count returns the number of open connections, or -1 once the hub stopped.
func (h *Hub) Count() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return -1
	}
}

// Client is one websocket connection, bound to the board named in its URL.
type Client struct {
	id      string
	board   string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter

	// users whose presence was set through this connection; read pump only.
	users map[string]bool
}

// Router routes /ws/{board} to the hub and serves /healthz and /metrics.
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{board}", h.serveWs)
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (h *Hub) serveWs(w http.ResponseWriter, r *http.Request) {
	board := mux.Vars(r)["board"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("[hub]upgrade failed: %v", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		id:      ulid.Make().String(),
		board:   board,
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.settings.SendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		limiter: rate.NewLimiter(rate.Limit(h.settings.InboundRate), h.settings.InboundBurst),
		users:   make(map[string]bool),
	}
	select {
	case h.register <- client:
	case <-h.done:
		cancel()
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func (h *Hub) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "connections": h.Count()})
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.cancel()
		c.clearPresence()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Warningf("[hub]client %s: %v", c.id, err)
			}
			return
		}
		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}
		f, err := protocol.Decode(message)
		if err != nil {
			glog.Warningf("[hub]client %s sent a bad frame: %v", c.id, err)
			continue
		}
		metrics.Frames.WithLabelValues(string(f.Type)).Inc()
		if !f.Type.IsRequest() {
			glog.Warningf("[hub]client %s sent a %s frame", c.id, f.Type)
			continue
		}
		if f.Board != c.board {
			c.push(protocol.AckFor(f.Seq, fmt.Errorf("connection is bound to board %s", c.board)))
			continue
		}
		err = c.handle(f)
		if err != nil {
			glog.Warningf("[hub]client %s %s failed: %v", c.id, f.Type, err)
		}
		c.push(protocol.AckFor(f.Seq, err))
	}
}

// handle runs one request against the backends. Requests of a connection
// are handled in arrival order.
func (c *Client) handle(f protocol.Frame) error {
	h := c.hub
	switch f.Type {
	case protocol.Subscribe:
		ch, err := h.store.Subscribe(c.ctx, f.Board)
		if err != nil {
			return err
		}
		go c.forwardSnapshots(f.Seq, f.Board, ch)
	case protocol.Write:
		return h.store.Write(c.ctx, f.Board, f.ID, f.Fields, f.Merge)
	case protocol.BatchWrite:
		return h.store.BatchWrite(c.ctx, f.Board, f.Docs)
	case protocol.Delete:
		return h.store.Delete(c.ctx, f.Board, f.ID)
	case protocol.PresenceSubscribe:
		ch, err := h.presence.SubscribeAll(c.ctx, f.Board)
		if err != nil {
			return err
		}
		go c.forwardPresence(f.Seq, f.Board, ch)
	case protocol.PresenceSet:
		c.users[f.Record.UserID] = true
		return h.presence.Set(c.ctx, f.Board, *f.Record)
	case protocol.PresenceClear:
		delete(c.users, f.UserID)
		return h.presence.Clear(c.ctx, f.Board, f.UserID)
	}
	return nil
}

func (c *Client) forwardSnapshots(seq uint64, board string, ch <-chan []remote.Doc) {
	for docs := range ch {
		c.push(protocol.Frame{Type: protocol.Snapshot, Seq: seq, Board: board, Docs: docs})
	}
}

func (c *Client) forwardPresence(seq uint64, board string, ch <-chan map[string]remote.PresenceRecord) {
	for recs := range ch {
		fresh := remote.FreshOnly(recs, time.Now(), c.hub.staleness)
		c.push(protocol.Frame{Type: protocol.Presence, Seq: seq, Board: board, Presence: fresh})
	}
}

// clearPresence withdraws the cursors of users whose connection dropped
// without clearing them.
func (c *Client) clearPresence() {
	for userID := range c.users {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		if err := c.hub.presence.Clear(ctx, c.board, userID); err != nil {
			glog.Warningf("[hub]clear presence for %s: %v", userID, err)
		}
		cancel()
	}
}

// push queues f for the write pump. A client that cannot keep up is
// disconnected.
func (c *Client) push(f protocol.Frame) {
	b, err := protocol.Encode(f)
	if err != nil {
		glog.Errorf("[hub]encode %s frame: %v", f.Type, err)
		return
	}
	select {
	case c.send <- b:
	case <-c.ctx.Done():
	default:
		glog.Warningf("[hub]client %s is not keeping up, disconnecting", c.id)
		c.cancel()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}
