// Package auth verifies the shared token an outbound-peer identity message
// may present. It is adapted
// from odin-ws-server/internal/auth's JWT manager, narrowed to the one
// thing this hub needs: deciding whether a presented token is acceptable,
// not a general-purpose request auth middleware.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// PeerClaims is the claim set expected in a JWT-form shared token: just
// enough to name the peer the token was issued to.
type PeerClaims struct {
	jwt.RegisteredClaims
}

// Verifier decides whether a shared token presented by a dialing peer is
// acceptable. Two forms are accepted side by side: a plain bearer string
// checked against a configured allow-list, or a JWT signed with a
// configured HMAC secret, in which case the token's Subject is returned
// as the verified peer name.
//
// A zero-value Verifier (no accepted tokens, no secret) accepts nothing,
// which is the right default for inbound connections that never present a
// token in the first place — the hub only calls Verify when a token is
// present on the wire.
type Verifier struct {
	accepted map[string]struct{}
	secret   []byte
}

// NewVerifier builds a Verifier from configured plain tokens and an
// optional JWT signing secret.
func NewVerifier(acceptedTokens []string, jwtSecret string) *Verifier {
	v := &Verifier{accepted: make(map[string]struct{}, len(acceptedTokens))}
	for _, t := range acceptedTokens {
		if t != "" {
			v.accepted[t] = struct{}{}
		}
	}
	if jwtSecret != "" {
		v.secret = []byte(jwtSecret)
	}
	return v
}

// Verify reports whether token is acceptable. When the token is a valid
// JWT signed with the configured secret, subject carries its Subject
// claim; otherwise subject is empty.
func (v *Verifier) Verify(token string) (subject string, ok bool) {
	if token == "" {
		return "", false
	}

	if looksLikeJWT(token) && len(v.secret) > 0 {
		claims := &PeerClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return v.secret, nil
		})
		if err == nil && parsed.Valid {
			return claims.Subject, true
		}
		return "", false
	}

	if _, ok := v.accepted[token]; ok {
		return "", true
	}
	return "", false
}

// Configured reports whether any verification material (tokens or a JWT
// secret) has been set. The hub only enforces Verify's result when this is
// true; an unconfigured Verifier authenticates nothing, by design.
func (v *Verifier) Configured() bool {
	return len(v.accepted) > 0 || len(v.secret) > 0
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

// ErrTokenRejected is returned by callers that want a typed sentinel for a
// rejected peer token, distinct from a missing one.
var ErrTokenRejected = errors.New("peer token rejected")
