package hub

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/littlebee/basic-bot/internal/auth"
	"github.com/littlebee/basic-bot/internal/store"
	"github.com/littlebee/basic-bot/internal/wire"
)

// dispatch applies one decoded envelope from c, exactly mirroring
// central_hub.py's handle_message type switch. It runs inside the
// dispatcher goroutine only — called from handleFrame, which already
// wraps it in a recover().
func (h *Hub) dispatch(c *Connection, env wire.Envelope) {
	switch env.Type {
	case wire.TypeGetState:
		h.handleGetState(c, env.Data)
	case wire.TypeUpdateState, wire.TypeStateUpdate:
		// A peer connection's fan-out arrives here as a stateUpdate frame,
		// the same shape the hub sends any other subscriber. Per the
		// outbound-peer contract, a frame received on that link is handed
		// to the same dispatcher as an inbound updateState would be:
		// applied to the local store and fanned back out (skipping the
		// peer it came from), which is how a two-hub federation converges
		// without either side needing federation-specific logic.
		h.handleUpdateState(c, env.Data)
	case wire.TypeSubscribeState:
		h.handleSubscribeState(c, env.Data)
	case wire.TypeUnsubscribeState:
		h.handleUnsubscribeState(c, env.Data)
	case wire.TypeIdentity:
		h.handleIdentity(c, env.Data)
	case wire.TypePing:
		h.handlePing(c)
	default:
		h.logger.Info("received unsupported message type", zap.String("type", env.Type))
	}
}

func (h *Hub) handleGetState(c *Connection, data json.RawMessage) {
	keys, _, _, err := wire.DecodeKeys(data)
	if err != nil {
		h.logger.Info("getState: bad data", zap.Error(err))
		return
	}
	snapshot := h.store.Snapshot(keys)
	frame, err := wire.Encode(wire.TypeState, snapshot)
	if err != nil {
		h.logger.Error("encode state", zap.Error(err))
		return
	}
	h.sendTo(c, frame)
}

func (h *Hub) handleUpdateState(c *Connection, data json.RawMessage) {
	update, err := wire.DecodeUpdate(data)
	if err != nil {
		h.logger.Info("updateState: bad data", zap.Error(err))
		return
	}
	if len(update) == 0 {
		return
	}

	for key, value := range update {
		h.store.Set(key, value)
	}
	h.incrementStateUpdatesRecv(1)
	if h.metrics != nil {
		h.metrics.StateUpdatesApplied(len(update))
	}

	// hub_stats and subsystem_stats are both reserved: whatever a client
	// sent for them has already been superseded by the broker's own
	// authoritative copies, so relay those rather than the client's,
	// keeping the fanned out frame consistent with what getState would
	// now return.
	if authoritative, ok := h.store.Get(store.KeyHubStats); ok {
		if _, clientWroteIt := update[store.KeyHubStats]; clientWroteIt {
			update[store.KeyHubStats] = authoritative
		}
	}
	if _, clientWroteIt := update[store.KeySubsystemStats]; clientWroteIt {
		if reasserted := h.reassertSubsystemStats(); reasserted != nil {
			update[store.KeySubsystemStats] = reasserted
		}
	}

	h.fanOut(update, c)
}

func (h *Hub) handleSubscribeState(c *Connection, data json.RawMessage) {
	keys, star, ok, err := wire.DecodeKeys(data)
	if err != nil {
		h.logger.Info("subscribeState: bad data", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	h.subs.Subscribe(c, keys, star)
}

func (h *Hub) handleUnsubscribeState(c *Connection, data json.RawMessage) {
	keys, star, ok, err := wire.DecodeKeys(data)
	if err != nil {
		h.logger.Info("unsubscribeState: bad data", zap.Error(err))
		return
	}
	if !ok && !star {
		return
	}
	h.subs.Unsubscribe(c, keys, star)
}

// handleIdentity binds c's identity, marks it online in subsystem_stats,
// and replies with iseeu — never broadcast, per central_hub.py's comment
// "ye shall not ever broadcast this info".
func (h *Hub) handleIdentity(c *Connection, data json.RawMessage) {
	name, token, err := wire.DecodeIdentity(data)
	if err != nil {
		h.logger.Info("identity: bad data", zap.Error(err))
		return
	}

	if token != "" && h.verifier != nil && h.verifier.Configured() {
		if _, ok := h.verifier.Verify(token); !ok {
			h.logger.Info("identity: rejected shared token",
				zap.String("conn_id", c.id), zap.String("name", name), zap.Error(auth.ErrTokenRejected))
			if h.metrics != nil {
				h.metrics.RecordError("identity_token_rejected")
			}
			h.severLocked(c)
			return
		}
	}

	h.identities[c.id] = name
	c.setIdentity(name)
	h.logger.Info("identity bound", zap.String("conn_id", c.id), zap.String("name", name))
	h.setSubsystemOnline(name, 1)

	frame := wire.MustEncode(wire.TypeIseeu, wire.IseeuData{IP: c.remoteAddr, Port: c.remotePort})
	h.sendTo(c, frame)
}

func (h *Hub) handlePing(c *Connection) {
	h.sendTo(c, wire.MustEncode(wire.TypePong, nil))
}
