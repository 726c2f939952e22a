package peer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/littlebee/basic-bot/internal/config"
	"github.com/littlebee/basic-bot/internal/metrics"
	"github.com/littlebee/basic-bot/internal/wire"
	"github.com/littlebee/basic-bot/pkg/hub"
)

// TestOutboundClientIdentifiesAndMarksOnline dials a real remote hub
// (itself a pkg/hub.Hub served over httptest) and checks the remote side
// sees the configured identity come online, exactly as an inbound client
// identifying itself would.
func TestOutboundClientIdentifiesAndMarksOnline(t *testing.T) {
	remote := hub.New(hub.Options{
		Metrics:       metrics.New(),
		Logger:        zap.NewNop(),
		SendQueueSize: 16,
	})
	go remote.Run()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(remote, w, r)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	// A watcher connection on the remote hub subscribes to subsystem_stats
	// so the test can observe the peer's identity going online.
	watcher, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer watcher.Close()
	subscribe(t, watcher)

	// local is the hub that owns the outbound pool: the dialed connection
	// to remote gets registered with local's dispatcher, just like any
	// other peer connection.
	local := hub.New(hub.Options{
		Metrics:       metrics.New(),
		Logger:        zap.NewNop(),
		SendQueueSize: 16,
	})
	go local.Run()

	pool := NewPool([]config.OutboundClient{
		{Name: "remote-hub", URI: url, Identity: "local-hub"},
	}, local, metrics.New(), zap.NewNop())
	pool.Start()
	defer pool.Stop()

	watcher.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := watcher.ReadMessage()
	require.NoError(t, err)

	env, err := wire.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, wire.TypeStateUpdate, env.Type)

	var data map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &data))
	var subsystemStats map[string]map[string]int
	require.NoError(t, json.Unmarshal(data["subsystem_stats"], &subsystemStats))
	assert.Equal(t, 1, subsystemStats["local-hub"]["online"])

	assert.Eventually(t, func() bool {
		return pool.Stats()["remote-hub"] == StateConnected
	}, time.Second, 10*time.Millisecond)
}

// TestLocalUpdatePropagatesToRemotePeer mirrors
// test_central_hub_outbound.py::test_local_to_remote_state_propagation:
// a state update applied on the local hub (the one that dialed out) must
// reach a client connected to the remote hub, because the local hub
// treats its outbound peer connection as a star subscriber.
func TestLocalUpdatePropagatesToRemotePeer(t *testing.T) {
	remote := hub.New(hub.Options{
		Metrics:       metrics.New(),
		Logger:        zap.NewNop(),
		SendQueueSize: 16,
	})
	go remote.Run()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(remote, w, r)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	remoteClient, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer remoteClient.Close()
	frame, err := wire.Encode(wire.TypeSubscribeState, []string{"robot_position"})
	require.NoError(t, err)
	require.NoError(t, remoteClient.WriteMessage(websocket.TextMessage, frame))

	local := hub.New(hub.Options{
		Metrics:       metrics.New(),
		Logger:        zap.NewNop(),
		SendQueueSize: 16,
	})
	go local.Run()

	pool := NewPool([]config.OutboundClient{
		{Name: "remote-hub", URI: url, Identity: "local-hub"},
	}, local, metrics.New(), zap.NewNop())
	pool.Start()
	defer pool.Stop()

	assert.Eventually(t, func() bool {
		return pool.Stats()["remote-hub"] == StateConnected
	}, time.Second, 10*time.Millisecond)

	localSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(local, w, r)
	}))
	defer localSrv.Close()

	localClient, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(localSrv.URL, "http"), nil)
	require.NoError(t, err)
	defer localClient.Close()

	update, err := wire.Encode(wire.TypeUpdateState, map[string]int{"robot_position": 42})
	require.NoError(t, err)
	require.NoError(t, localClient.WriteMessage(websocket.TextMessage, update))

	remoteClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := remoteClient.ReadMessage()
		require.NoError(t, err)
		env, err := wire.Decode(raw)
		require.NoError(t, err)
		if env.Type != wire.TypeStateUpdate {
			continue
		}
		var data map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(env.Data, &data))
		if pos, ok := data["robot_position"]; ok {
			assert.JSONEq(t, "42", string(pos))
			return
		}
	}
}

func subscribe(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	frame, err := wire.Encode(wire.TypeSubscribeState, []string{"subsystem_stats"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}
