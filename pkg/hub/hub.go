package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/littlebee/basic-bot/internal/auth"
	"github.com/littlebee/basic-bot/internal/metrics"
	"github.com/littlebee/basic-bot/internal/store"
	"github.com/littlebee/basic-bot/internal/subs"
	"github.com/littlebee/basic-bot/internal/telemetry"
	"github.com/littlebee/basic-bot/internal/wire"
)

// inboundFrame pairs a raw frame with the connection it arrived on, so the
// dispatcher can reply to the sender and, for federation, skip echoing a
// relayed update back to the peer it came from.
type inboundFrame struct {
	conn *Connection
	raw  []byte
}

// Hub is the broker: it owns the state store, the subscription index, and
// the identity registry, and is the single writer for all three. Every
// mutation arrives as a message on the inbound channel and is applied by
// the dispatcher goroutine started in Run; connections themselves never
// touch the store or index directly.
type Hub struct {
	store *store.Store
	subs  *subs.Index

	// identities maps a connection ID to its bound identity name.
	// Looking up "does any other live connection still have this
	// identity" on disconnect is what makes subsystem_stats.online
	// correct even if two connections briefly share a name mid-handoff.
	identities map[string]string

	connections map[string]*Connection

	// stateUpdatesRecv is the hub's own count of applied updateState
	// calls, authoritative over whatever a client's updateState may
	// write directly to hub_stats (see incrementStateUpdatesRecv).
	stateUpdatesRecv int

	// subsystemStats is the hub's own online/offline table, authoritative
	// over whatever a client's updateState may write directly to
	// subsystem_stats (see setSubsystemOnline and reassertSubsystemStats).
	subsystemStats map[string]map[string]int

	register   chan *Connection
	unregister chan *Connection
	inbound    chan inboundFrame

	verifier *auth.Verifier
	bridge   *telemetry.Bridge

	metrics *metrics.Metrics
	logger  *zap.Logger

	logAllMessages bool
	sendQueueSize  int

	// writeTimeout, pongWait, and pingPeriod are handed to every
	// Connection this hub creates, driving its write deadline and
	// ping/pong liveness check (see pkg/hub/connection.go).
	writeTimeout time.Duration
	pongWait     time.Duration
	pingPeriod   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures a new Hub.
type Options struct {
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	Verifier       *auth.Verifier
	Bridge         *telemetry.Bridge
	LogAllMessages bool
	SendQueueSize  int
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
}

// New builds a Hub ready to Run.
func New(opts Options) *Hub {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		store:          store.New(),
		subs:           subs.New(),
		identities:     make(map[string]string),
		connections:    make(map[string]*Connection),
		subsystemStats: make(map[string]map[string]int),
		register:       make(chan *Connection, 64),
		unregister:     make(chan *Connection, 64),
		inbound:        make(chan inboundFrame, 1024),
		verifier:       opts.Verifier,
		bridge:         opts.Bridge,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		logAllMessages: opts.LogAllMessages,
		sendQueueSize:  opts.SendQueueSize,
		writeTimeout:   opts.WriteTimeout,
		pongWait:       opts.PongWait,
		pingPeriod:     opts.PingPeriod,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// deliver hands a raw frame from conn's read loop to the dispatcher.
// Together with Unregister, it is the only thing a Connection ever calls
// on Hub directly from outside the dispatcher goroutine.
func (h *Hub) deliver(conn *Connection, raw []byte) {
	select {
	case h.inbound <- inboundFrame{conn: conn, raw: raw}:
	case <-h.ctx.Done():
	}
}

// Unregister requests removal of conn from the hub; called by a
// connection's loops when the socket errors or closes.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.ctx.Done():
	}
}

// Run is the dispatcher: the single goroutine that owns the store,
// subscription index, and identity registry. It must be started exactly
// once, typically in its own goroutine, and runs until Shutdown.
func (h *Hub) Run() {
	h.wg.Add(1)
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case c := <-h.register:
			h.handleRegister(c)
		case c := <-h.unregister:
			h.handleUnregister(c)
		case f := <-h.inbound:
			h.handleFrame(f.conn, f.raw)
		}
	}
}

func (h *Hub) handleRegister(c *Connection) {
	h.connections[c.id] = c
	if c.isPeer {
		// An outbound-peer connection is treated as a normal subscriber,
		// by default to *, so every local update fans out over the
		// federation link without the remote hub having to ask for it.
		h.subs.Subscribe(c, nil, true)
	}
	if h.metrics != nil {
		h.metrics.ConnectionAccepted()
	}
	h.logger.Debug("connection registered",
		zap.String("conn_id", c.id),
		zap.String("remote_addr", c.remoteAddr),
		zap.Bool("is_peer", c.isPeer),
	)
}

func (h *Hub) handleUnregister(c *Connection) {
	if _, ok := h.connections[c.id]; !ok {
		return // already removed (e.g. a failed send severed it first)
	}
	delete(h.connections, c.id)
	h.subs.Purge(c)

	name, hadIdentity := h.identities[c.id]
	delete(h.identities, c.id)
	if hadIdentity && !h.anyLiveConnectionWithIdentity(name) {
		h.setSubsystemOnline(name, 0)
	}

	if h.metrics != nil {
		h.metrics.ConnectionClosed(c.connectedAt)
	}
	h.logger.Debug("connection unregistered", zap.String("conn_id", c.id))
	c.Close()
}

func (h *Hub) anyLiveConnectionWithIdentity(name string) bool {
	for _, boundName := range h.identities {
		if boundName == name {
			return true
		}
	}
	return false
}

func (h *Hub) handleFrame(c *Connection, raw []byte) {
	if h.metrics != nil {
		h.metrics.MessageReceived(len(raw))
	}

	env, err := wire.Decode(raw)
	if err != nil {
		h.logger.Info("dropping malformed frame", zap.String("conn_id", c.id), zap.Error(err))
		if h.metrics != nil {
			h.metrics.RecordError("malformed_frame")
		}
		return
	}

	if h.logAllMessages && env.Type != wire.TypePing {
		h.logger.Info("received", zap.String("conn_id", c.id), zap.String("type", env.Type), zap.ByteString("data", env.Data))
	}

	// The dispatcher must stay up even when a single handler panics on
	// unexpected input: one misbehaving connection must never take down
	// the broker.
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("recovered from panic in dispatch",
				zap.String("conn_id", c.id), zap.String("type", env.Type), zap.Any("panic", r))
			if h.metrics != nil {
				h.metrics.RecordError("dispatch_panic")
			}
		}
	}()

	h.dispatch(c, env)
}

// sendTo enqueues a frame on c's outbound queue. A full queue means c
// cannot keep up; that is treated the same as a failed connection and
// severed immediately rather than retried.
func (h *Hub) sendTo(c *Connection, frame []byte) {
	select {
	case c.send <- frame:
		if h.metrics != nil {
			h.metrics.MessageSent()
		}
	default:
		h.logger.Info("send queue full, severing connection", zap.String("conn_id", c.id))
		if h.metrics != nil {
			h.metrics.ConnectionError("send_queue_full")
		}
		h.severLocked(c)
	}
}

// severLocked removes c from every set and closes it. Called from within
// the dispatcher goroutine (hence "Locked": no further locking needed,
// the dispatcher already serializes all access).
func (h *Hub) severLocked(c *Connection) {
	if _, ok := h.connections[c.id]; !ok {
		return
	}
	delete(h.connections, c.id)
	h.subs.Purge(c)
	name, hadIdentity := h.identities[c.id]
	delete(h.identities, c.id)
	if hadIdentity && !h.anyLiveConnectionWithIdentity(name) {
		h.setSubsystemOnline(name, 0)
	}
	if h.metrics != nil {
		h.metrics.ConnectionClosed(c.connectedAt)
	}
	c.Close()
}

// setSubsystemOnline writes subsystem_stats[name].online = status on the
// hub's own authoritative table and fans the change out like any other
// state update.
func (h *Hub) setSubsystemOnline(name string, status int) {
	entry, ok := h.subsystemStats[name]
	if !ok {
		entry = make(map[string]int)
	}
	entry["online"] = status
	h.subsystemStats[name] = entry

	encoded := h.marshalSubsystemStats()
	if encoded == nil {
		return
	}
	h.store.Set(store.KeySubsystemStats, encoded)
	h.fanOut(map[string]json.RawMessage{store.KeySubsystemStats: encoded}, nil)
}

// reassertSubsystemStats re-encodes the hub's own authoritative
// subsystem_stats table and writes it back to the store, returning the
// encoded value. Called whenever a client's updateState has clobbered the
// reserved key, so the table a client can write is never what actually
// gets stored or fanned out.
func (h *Hub) reassertSubsystemStats() json.RawMessage {
	encoded := h.marshalSubsystemStats()
	if encoded == nil {
		return nil
	}
	h.store.Set(store.KeySubsystemStats, encoded)
	return encoded
}

func (h *Hub) marshalSubsystemStats() json.RawMessage {
	encoded, err := json.Marshal(h.subsystemStats)
	if err != nil {
		h.logger.Error("marshal subsystem_stats", zap.Error(err))
		return nil
	}
	return encoded
}

// incrementStateUpdatesRecv advances the hub's own counter of applied
// updateState calls and rewrites hub_stats from that counter, regardless
// of what a client's updateState may have just written to that same key.
// stateUpdatesRecv is tracked on Hub itself rather than read back from
// the store so a client overwriting hub_stats can never desynchronize
// a counter that must only ever grow.
func (h *Hub) incrementStateUpdatesRecv(by int) {
	h.stateUpdatesRecv += by
	encoded, err := json.Marshal(map[string]int{"state_updates_recv": h.stateUpdatesRecv})
	if err != nil {
		h.logger.Error("marshal hub_stats", zap.Error(err))
		return
	}
	h.store.Set(store.KeyHubStats, encoded)
}

// fanOut delivers a single stateUpdate frame carrying all of updates'
// keys to every resolved subscriber, skipping origin if it is the
// outbound-peer connection that produced the update — peer echo
// prevention; ordinary client connections still see their own writes.
func (h *Hub) fanOut(updates map[string]json.RawMessage, origin *Connection) {
	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}

	targets := h.subs.Resolve(keys)
	if h.metrics != nil {
		h.metrics.FanoutTargets(len(targets))
	}
	if len(targets) == 0 {
		return
	}

	frame, err := wire.Encode(wire.TypeStateUpdate, updates)
	if err != nil {
		h.logger.Error("encode stateUpdate", zap.Error(err))
		return
	}

	if h.bridge != nil {
		h.bridge.Mirror(keys, updates)
	}

	for _, target := range targets {
		c := target.(*Connection)
		if origin != nil && origin.isPeer && c.id == origin.id {
			continue
		}
		h.sendTo(c, frame)
	}
}

// Shutdown stops the dispatcher and closes every connection, waiting for
// Run to return.
func (h *Hub) Shutdown(ctx context.Context) {
	h.cancel()
	for _, c := range h.connections {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stats returns a small operational snapshot for the health/stats HTTP
// endpoints.
func (h *Hub) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connected_clients": len(h.connections),
		"identities":        len(h.identities),
		"state_keys":        h.store.Len(),
	}
}
