package hub

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

	"github.com/littlebee/basic-bot/internal/metrics"
	"github.com/littlebee/basic-bot/internal/wire"
)

// testHub starts a Hub's dispatcher and an httptest server serving /ws,
// returning a dialer helper and a teardown func.
func testHub(t *testing.T) (dial func() *websocket.Conn, teardown func()) {
	t.Helper()

	h := New(Options{
		Metrics:       metrics.New(),
		Logger:        zap.NewNop(),
		SendQueueSize: 16,
	})
	go h.Run()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(h, w, r)
	}))

	dial = func() *websocket.Conn {
		url := "ws" + strings.TrimPrefix(srv.URL, "http")
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		return conn
	}

	teardown = func() {
		srv.Close()
	}
	return dial, teardown
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wire.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := wire.Decode(raw)
	require.NoError(t, err)
	return env
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	frame, err := wire.Encode(msgType, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// Scenario 1: identity handshake replies with iseeu, never broadcast, and
// subsystem_stats reflects online=1 afterward.
func TestIdentityHandshake(t *testing.T) {
	dial, teardown := testHub(t)
	defer teardown()

	conn := dial()
	defer conn.Close()

	send(t, conn, wire.TypeIdentity, "svcA")

	env := readEnvelope(t, conn)
	require.Equal(t, wire.TypeIseeu, env.Type)
	var iseeu wire.IseeuData
	require.NoError(t, json.Unmarshal(env.Data, &iseeu))
	assert.Equal(t, "127.0.0.1", iseeu.IP)
	assert.NotZero(t, iseeu.Port)

	send(t, conn, wire.TypeGetState, []string{"subsystem_stats"})
	env = readEnvelope(t, conn)
	require.Equal(t, wire.TypeState, env.Type)

	var state map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &state))
	var subsystemStats map[string]map[string]int
	require.NoError(t, json.Unmarshal(state["subsystem_stats"], &subsystemStats))
	assert.Equal(t, 1, subsystemStats["svcA"]["online"])
}

// Scenario 2: set then get round-trips the same value on one connection.
func TestSetGetRoundTrip(t *testing.T) {
	dial, teardown := testHub(t)
	defer teardown()

	conn := dial()
	defer conn.Close()

	send(t, conn, wire.TypeUpdateState, map[string]interface{}{"angles": []int{10, 50, 180, 120, 90, 0}})
	send(t, conn, wire.TypeGetState, []string{"angles"})

	env := readEnvelope(t, conn)
	require.Equal(t, wire.TypeState, env.Type)
	var state map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &state))
	assert.JSONEq(t, `[10,50,180,120,90,0]`, string(state["angles"]))
}

// Scenario 3: subscriber by key receives exactly one stateUpdate frame,
// and the sender, itself subscribed to the key, receives the self-echo too.
func TestFanOutByKeyIncludesSelfEcho(t *testing.T) {
	dial, teardown := testHub(t)
	defer teardown()

	a := dial()
	defer a.Close()
	b := dial()
	defer b.Close()

	send(t, a, wire.TypeSubscribeState, []string{"angles"})
	send(t, b, wire.TypeSubscribeState, []string{"angles"})
	send(t, b, wire.TypeUpdateState, map[string]interface{}{"angles": []int{1, 2, 3, 4, 5, 6}})

	env := readEnvelope(t, a)
	require.Equal(t, wire.TypeStateUpdate, env.Type)
	var data map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.JSONEq(t, `[1,2,3,4,5,6]`, string(data["angles"]))

	env = readEnvelope(t, b)
	require.Equal(t, wire.TypeStateUpdate, env.Type)
}

// Scenario 4: a subscriber of an unrelated key receives nothing.
func TestSelectiveNonDelivery(t *testing.T) {
	dial, teardown := testHub(t)
	defer teardown()

	a := dial()
	defer a.Close()
	b := dial()
	defer b.Close()

	send(t, a, wire.TypeSubscribeState, []string{"angles"})
	send(t, b, wire.TypeUpdateState, map[string]interface{}{"throttle": 0.5})

	a.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := a.ReadMessage()
	assert.Error(t, err, "expected a read timeout, not a delivered frame")
}

// Scenario 5: a star subscriber receives updates for previously unknown
// keys.
func TestStarSubscriptionSeesUnknownKey(t *testing.T) {
	dial, teardown := testHub(t)
	defer teardown()

	a := dial()
	defer a.Close()
	b := dial()
	defer b.Close()

	send(t, a, wire.TypeSubscribeState, "*")
	send(t, b, wire.TypeUpdateState, map[string]interface{}{"newkey": "x"})

	env := readEnvelope(t, a)
	require.Equal(t, wire.TypeStateUpdate, env.Type)
	var data map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.JSONEq(t, `"x"`, string(data["newkey"]))
}

// unsubscribe before an update suppresses it.
func TestUnsubscribeSuppressesUpdate(t *testing.T) {
	dial, teardown := testHub(t)
	defer teardown()

	a := dial()
	defer a.Close()
	b := dial()
	defer b.Close()

	send(t, a, wire.TypeSubscribeState, []string{"angles"})
	send(t, a, wire.TypeUnsubscribeState, []string{"angles"})
	send(t, b, wire.TypeUpdateState, map[string]interface{}{"angles": []int{9}})

	a.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := a.ReadMessage()
	assert.Error(t, err)
}

// Scenario 6: disconnect hygiene — a subscriber of subsystem_stats sees
// svcB flip to online=0 when svcB disconnects.
func TestDisconnectFlipsOnlineStatus(t *testing.T) {
	dial, teardown := testHub(t)
	defer teardown()

	watcher := dial()
	defer watcher.Close()
	send(t, watcher, wire.TypeSubscribeState, []string{"subsystem_stats"})

	b := dial()
	send(t, b, wire.TypeIdentity, "svcB")
	_ = readEnvelope(t, b) // iseeu

	// the identity call fans out subsystem_stats with online=1 first
	env := readEnvelope(t, watcher)
	require.Equal(t, wire.TypeStateUpdate, env.Type)

	require.NoError(t, b.Close())

	env = readEnvelope(t, watcher)
	require.Equal(t, wire.TypeStateUpdate, env.Type)
	var data map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &data))
	var subsystemStats map[string]map[string]int
	require.NoError(t, json.Unmarshal(data["subsystem_stats"], &subsystemStats))
	assert.Equal(t, 0, subsystemStats["svcB"]["online"])
}

// Unknown message types are dropped; the connection stays usable.
func TestUnknownMessageTypeDropsWithoutDisconnect(t *testing.T) {
	dial, teardown := testHub(t)
	defer teardown()

	conn := dial()
	defer conn.Close()

	send(t, conn, "notAType", nil)
	send(t, conn, wire.TypePing, nil)

	env := readEnvelope(t, conn)
	assert.Equal(t, wire.TypePong, env.Type)
}

// getState with no data returns the full state, including the reserved
// keys the hub publishes itself.
func TestGetStateEmptyReturnsFullState(t *testing.T) {
	dial, teardown := testHub(t)
	defer teardown()

	conn := dial()
	defer conn.Close()

	send(t, conn, wire.TypeGetState, nil)
	env := readEnvelope(t, conn)
	require.Equal(t, wire.TypeState, env.Type)

	var state map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &state))
	assert.Contains(t, state, "hub_stats")
	assert.Contains(t, state, "subsystem_stats")
}
