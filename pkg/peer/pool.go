package peer

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/littlebee/basic-bot/internal/config"
	"github.com/littlebee/basic-bot/internal/metrics"
	"github.com/littlebee/basic-bot/internal/wire"
	"github.com/littlebee/basic-bot/pkg/hub"
)

// reconnectDelay is the fixed backoff between dial attempts, matching
// outbound_clients.py's `await asyncio.sleep(5)`.
const reconnectDelay = 5 * time.Second

// Client manages one configured outbound federation peer: it dials,
// sends the identity handshake, and hands the connection to the hub's
// dispatcher exactly like an inbound connection, reconnecting forever
// on failure.
type Client struct {
	cfg config.OutboundClient
	hub *hub.Hub

	metrics *metrics.Metrics
	logger  *zap.Logger

	mu    sync.RWMutex
	state State

	stop chan struct{}
	done chan struct{}
}

func newClient(cfg config.OutboundClient, h *hub.Hub, m *metrics.Metrics, logger *zap.Logger) *Client {
	return &Client{
		cfg:     cfg,
		hub:     h,
		metrics: m,
		logger:  logger.With(zap.String("peer", cfg.Name)),
		state:   StateDialing,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// State reports the client's current lifecycle state.
func (cl *Client) State() State {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.state
}

func (cl *Client) setState(s State) {
	cl.mu.Lock()
	cl.state = s
	cl.mu.Unlock()
}

// run is the reconnect loop: dial, identify, hand off to the hub, and on
// any failure sleep reconnectDelay before retrying. It returns only when
// stop is closed.
func (cl *Client) run() {
	defer close(cl.done)
	for {
		select {
		case <-cl.stop:
			cl.setState(StateClosed)
			return
		default:
		}

		// Whether the dial failed or an established connection was later
		// lost, wait reconnectDelay before dialing again.
		cl.connectOnce()

		cl.setState(StateBackoff)
		select {
		case <-cl.stop:
			cl.setState(StateClosed)
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// connectOnce dials, identifies, and registers the connection with the
// hub, then blocks until that connection closes or stop is closed
// (true); it returns false at once if the dial/identify step failed. The
// connection's lifetime is driven by the hub's own read/write loops.
func (cl *Client) connectOnce() bool {
	cl.setState(StateDialing)
	cl.logger.Info("connecting to outbound peer", zap.String("uri", cl.cfg.URI))
	if cl.metrics != nil {
		cl.metrics.IncrementPeerReconnect(cl.cfg.Name)
	}

	dialer := websocket.DefaultDialer
	conn, _, err := dialer.Dial(cl.cfg.URI, nil)
	if err != nil {
		cl.logger.Error("dial failed", zap.Error(err))
		if cl.metrics != nil {
			cl.metrics.SetPeerConnected(cl.cfg.Name, false)
		}
		return false
	}

	cl.setState(StateIdentifying)
	token := cl.readToken()
	frame, err := wire.Encode(wire.TypeIdentity, wire.IdentityObject{
		SubsystemName: cl.cfg.Identity,
		SharedToken:   token,
	})
	if err != nil {
		cl.logger.Error("encode identity", zap.Error(err))
		_ = conn.Close()
		return false
	}

	c := cl.hub.Accept(conn, true)
	if !c.Send(frame) {
		cl.logger.Error("identity send failed, send queue rejected frame immediately after accept")
		return false
	}

	cl.setState(StateConnected)
	if cl.metrics != nil {
		cl.metrics.SetPeerConnected(cl.cfg.Name, true)
	}
	cl.logger.Info("outbound peer connected", zap.String("identity", cl.cfg.Identity))

	// Block until the hub's own read loop notices the socket has gone
	// away (the same path an inbound connection takes), or until Stop
	// closes stop, in which case the hub's dispatcher is asked to remove
	// and close the connection.
	select {
	case <-c.Closed():
	case <-cl.stop:
		cl.hub.Unregister(c)
		<-c.Closed()
	}
	if cl.metrics != nil {
		cl.metrics.SetPeerConnected(cl.cfg.Name, false)
	}
	return true
}

func (cl *Client) readToken() string {
	if cl.cfg.SharedTokenFile == "" {
		return ""
	}
	data, err := os.ReadFile(cl.cfg.SharedTokenFile)
	if err != nil {
		cl.logger.Error("failed to read shared token file", zap.String("file", cl.cfg.SharedTokenFile), zap.Error(err))
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Pool runs every configured outbound client concurrently.
type Pool struct {
	clients []*Client
}

// NewPool builds a Pool for the given outbound client configs; call Start
// to begin dialing.
func NewPool(cfgs []config.OutboundClient, h *hub.Hub, m *metrics.Metrics, logger *zap.Logger) *Pool {
	p := &Pool{clients: make([]*Client, 0, len(cfgs))}
	for _, cfg := range cfgs {
		p.clients = append(p.clients, newClient(cfg, h, m, logger))
	}
	return p
}

// Start launches every client's reconnect loop in its own goroutine.
func (p *Pool) Start() {
	for _, cl := range p.clients {
		go cl.run()
	}
}

// Stop signals every client to stop reconnecting and waits for their
// loops to exit.
func (p *Pool) Stop() {
	for _, cl := range p.clients {
		close(cl.stop)
	}
	for _, cl := range p.clients {
		<-cl.done
	}
}

// Stats returns each configured peer's current lifecycle state, keyed by
// name, for the hub's /stats endpoint.
func (p *Pool) Stats() map[string]State {
	out := make(map[string]State, len(p.clients))
	for _, cl := range p.clients {
		out[cl.cfg.Name] = cl.State()
	}
	return out
}
