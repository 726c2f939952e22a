// Package wire implements the JSON envelope protocol spoken over the hub's
// websocket endpoint: every frame is `{"type": "...", "data": ...}`.
package wire

import (
	"encoding/json"
	"fmt"
)

// Message types understood by the dispatcher. Unknown types are logged and
// dropped rather than rejected, so a stale client never gets disconnected
// for speaking a type the hub no longer supports.
const (
	TypeIdentity         = "identity"
	TypeGetState         = "getState"
	TypeSubscribeState   = "subscribeState"
	TypeUnsubscribeState = "unsubscribeState"
	TypeUpdateState      = "updateState"
	TypePing             = "ping"

	TypeIseeu       = "iseeu"
	TypeState       = "state"
	TypeStateUpdate = "stateUpdate"
	TypePong        = "pong"
)

// Envelope is the wire shape of every frame exchanged with the hub. Data is
// kept as raw JSON so the dispatcher can decode it per message type without
// a second round of marshaling, and so fan-out can resend the original
// bytes verbatim instead of re-encoding.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses a single frame. A malformed frame (invalid JSON, or a
// missing/empty type) is a protocol error: the caller should log and drop
// it without closing the connection.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Encode builds a frame for the given type and payload. A nil data value
// is encoded as a bare `null`/omitted field, matching the "absent treated
// as null" rule for data.
func Encode(msgType string, data interface{}) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", msgType, err)
		}
		raw = encoded
	}
	return json.Marshal(Envelope{Type: msgType, Data: raw})
}

// MustEncode panics on marshal failure; only safe for payloads under the
// caller's own control (e.g. the fixed-shape pong/iseeu replies).
func MustEncode(msgType string, data interface{}) []byte {
	out, err := Encode(msgType, data)
	if err != nil {
		panic(err)
	}
	return out
}

// IseeuData is the payload of the iseeu reply sent in response to identity.
type IseeuData struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// IdentityObject is the outbound-peer shape of the identity message's data
// field: `{"subsystem_name": "...", "shared_token": "..."}`. Inbound
// clients may instead send a bare string; the dispatcher accepts both
// shapes, since it cannot know in advance which kind of socket it is
// talking to.
type IdentityObject struct {
	SubsystemName string `json:"subsystem_name"`
	SharedToken   string `json:"shared_token,omitempty"`
}

// DecodeIdentity extracts an identity name and optional shared token from
// an identity message's data field, accepting either a bare JSON string or
// an IdentityObject.
func DecodeIdentity(data json.RawMessage) (name string, token string, err error) {
	if len(data) == 0 {
		return "", "", fmt.Errorf("identity: empty data")
	}

	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		return asString, "", nil
	}

	var asObject IdentityObject
	if err := json.Unmarshal(data, &asObject); err != nil {
		return "", "", fmt.Errorf("identity: data is neither a string nor an object: %w", err)
	}
	if asObject.SubsystemName == "" {
		return "", "", fmt.Errorf("identity: object form requires subsystem_name")
	}
	return asObject.SubsystemName, asObject.SharedToken, nil
}

// DecodeKeys extracts a subscribe/unsubscribe/getState data field, which is
// either the literal string "*" or a JSON array of key names. ok is false
// (with star=false) for an absent/empty data field, which getState treats
// as "full snapshot" and subscribe/unsubscribe treat as a no-op.
func DecodeKeys(data json.RawMessage) (keys []string, star bool, ok bool, err error) {
	if len(data) == 0 {
		return nil, false, false, nil
	}

	var asStar string
	if err := json.Unmarshal(data, &asStar); err == nil {
		if asStar == "*" {
			return nil, true, true, nil
		}
		return nil, false, false, fmt.Errorf("keys: unexpected string %q", asStar)
	}

	var asKeys []string
	if err := json.Unmarshal(data, &asKeys); err != nil {
		return nil, false, false, fmt.Errorf("keys: data is neither \"*\" nor a string array: %w", err)
	}
	return asKeys, false, len(asKeys) > 0, nil
}

// DecodeUpdate extracts the key/value object carried by an updateState
// message. The values are kept as raw JSON so the store never needs to
// round-trip through a generic interface{} representation.
func DecodeUpdate(data json.RawMessage) (map[string]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("updateState: missing data")
	}
	var update map[string]json.RawMessage
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, fmt.Errorf("updateState: data must be an object: %w", err)
	}
	return update, nil
}
