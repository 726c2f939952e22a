// Package hub implements the connection manager and dispatcher: it
// accepts inbound websocket connections, runs their receive loops, and
// serializes every state mutation and fan-out through a single
// dispatcher goroutine.
package hub

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// maxMessageSize caps a single inbound frame. Anything larger is a
	// protocol error from a misbehaving client.
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Connection is a handle for one websocket, inbound or outbound-peer.
// It participates in at most one entry in the hub's connected set, the
// star subscriber set, and any number of per-key subscriber sets; it
// must be removed from all three atomically on disconnect, which
// Hub.handleUnregister does via subs.Index.Purge.
type Connection struct {
	id         string
	conn       *websocket.Conn
	remoteAddr string
	remotePort int

	// send is this connection's bounded outbound queue. A full queue
	// means the peer can't keep up; rather than block the dispatcher or
	// grow unbounded, the hub treats it the same as a failed connection
	// and severs it (see Hub.sendTo).
	send chan []byte

	// isPeer marks a connection established by the outbound client pool
	// (pkg/peer), as opposed to one accepted on the inbound listener.
	// Fan-out skips a peer connection when the update being relayed
	// originated from that same peer, to prevent federation echo.
	isPeer bool

	identity   string
	identityMu sync.RWMutex

	// connectedAt is stamped when the connection is created in Hub.Accept,
	// just before it is registered with the dispatcher, and read back by Hub.handleUnregister/severLocked to
	// report connection lifetime to metrics.ConnectionClosed.
	connectedAt time.Time

	// writeWait, pongWait, and pingPeriod come from config.Config's Hub
	// block and drive liveness: a write that doesn't complete within
	// writeWait is treated as a dead socket, a read that goes pongWait
	// without any frame (data or pong) is treated as a dead peer, and
	// writeLoop pings every pingPeriod to provoke that pong.
	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration

	closeOnce sync.Once
	closed    chan struct{}
	hub       *Hub
	logger    *zap.Logger
}

// Closed returns a channel that is closed once this connection has been
// torn down. Used by pkg/peer to know when to redial.
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

// ConnID satisfies subs.Conn.
func (c *Connection) ConnID() string { return c.id }

// Identity returns the connection's bound identity, or "" if none has been
// set yet.
func (c *Connection) Identity() string {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.identity
}

func (c *Connection) setIdentity(name string) {
	c.identityMu.Lock()
	c.identity = name
	c.identityMu.Unlock()
}

// Send enqueues frame onto c's outbound queue directly, bypassing the
// dispatcher. Used by pkg/peer to write the initial identity handshake
// frame before the remote hub has any reason to send anything back.
// Reports false if the queue was full or already closed.
func (c *Connection) Send(frame []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close closes the underlying socket exactly once. Safe to call from both
// the read loop (on remote close) and the dispatcher (on a failed send).
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
		close(c.closed)
		_ = c.conn.Close()
	})
}

func newConnection(conn *websocket.Conn, h *Hub, isPeer bool, sendQueueSize int) *Connection {
	host, portStr, _ := net.SplitHostPort(conn.RemoteAddr().String())
	port := 0
	if p, err := net.LookupPort("tcp", portStr); err == nil {
		port = p
	}
	return &Connection{
		id:          uuid.NewString(),
		conn:        conn,
		remoteAddr:  host,
		remotePort:  port,
		send:        make(chan []byte, sendQueueSize),
		isPeer:      isPeer,
		connectedAt: time.Now(),
		writeWait:   h.writeTimeout,
		pongWait:    h.pongWait,
		pingPeriod:  h.pingPeriod,
		closed:      make(chan struct{}),
		hub:         h,
		logger:      h.logger,
	}
}

// readLoop decodes frames off the socket and hands them to the hub's
// single dispatcher goroutine. It returns when the socket errors, goes
// silent past pongWait, or is closed, after first asking the hub to
// unregister the connection.
func (c *Connection) readLoop() {
	c.conn.SetReadLimit(maxMessageSize)
	if c.pongWait > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.conn.SetPongHandler(func(string) error {
			c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
			return nil
		})
	}
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.hub.Unregister(c)
			return
		}
		if c.pongWait > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		}
		c.hub.deliver(c, raw)
	}
}

// writeLoop drains the send queue onto the socket until it is closed
// (either by Close, or because the dispatcher decided to sever the
// connection), and sends a ping every pingPeriod to provoke the pong that
// keeps readLoop's deadline from expiring on an otherwise idle socket.
func (c *Connection) writeLoop() {
	var ticks <-chan time.Time
	if c.pingPeriod > 0 {
		ticker := time.NewTicker(c.pingPeriod)
		defer ticker.Stop()
		ticks = ticker.C
	}
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.setWriteDeadline()
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.setWriteDeadline()
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticks:
			c.setWriteDeadline()
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) setWriteDeadline() {
	if c.writeWait > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	}
}

// ServeWS upgrades an inbound HTTP request to a websocket connection,
// registers it with the hub, and starts its read/write loops.
func ServeWS(h *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	h.Accept(conn, false)
}

// Accept registers conn with the hub and starts its loops. isPeer marks a
// connection dialed by pkg/peer rather than one accepted inbound.
func (h *Hub) Accept(conn *websocket.Conn, isPeer bool) *Connection {
	c := newConnection(conn, h, isPeer, h.sendQueueSize)
	h.register <- c
	go c.writeLoop()
	go c.readLoop()
	return c
}
