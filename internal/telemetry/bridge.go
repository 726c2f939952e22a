// Package telemetry optionally mirrors applied state updates onto a NATS
// subject for downstream analytics. It sits off the hub's delivery-critical
// path entirely: a publish failure here never affects a websocket client,
// it only shows up in the bridge's own error counter. Adapted from
// odin-ws-server/pkg/nats's connection-event-handler style, narrowed to a
// publish-only mirror since the hub has no use for NATS subscriptions of
// its own.
package telemetry

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/littlebee/basic-bot/internal/metrics"
)

// Bridge publishes a JSON-encoded copy of every fanned-out state update to
// a single NATS subject. Safe for concurrent use.
type Bridge struct {
	conn    *nats.Conn
	subject string
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// mirroredUpdate is the shape published to the telemetry subject.
type mirroredUpdate struct {
	Keys []string                   `json:"keys"`
	Data map[string]json.RawMessage `json:"data"`
}

// Connect dials the configured NATS server and returns a Bridge. Callers
// should treat a connect failure as non-fatal to the hub itself — log it
// and run without telemetry rather than refuse to start.
func Connect(url, subject string, m *metrics.Metrics, logger *zap.Logger) (*Bridge, error) {
	b := &Bridge{subject: subject, metrics: m, logger: logger}

	conn, err := nats.Connect(url,
		nats.ConnectHandler(b.connectHandler),
		nats.DisconnectErrHandler(b.disconnectHandler),
		nats.ReconnectHandler(b.reconnectHandler),
		nats.ErrorHandler(b.errorHandler),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	b.conn = conn
	return b, nil
}

func (b *Bridge) connectHandler(conn *nats.Conn) {
	b.logger.Info("telemetry bridge connected", zap.String("url", conn.ConnectedUrl()))
}

func (b *Bridge) disconnectHandler(conn *nats.Conn, err error) {
	if err != nil {
		b.logger.Warn("telemetry bridge disconnected", zap.Error(err))
		if b.metrics != nil {
			b.metrics.RecordError("telemetry_disconnect")
		}
		return
	}
	b.logger.Info("telemetry bridge disconnected")
}

func (b *Bridge) reconnectHandler(conn *nats.Conn) {
	b.logger.Info("telemetry bridge reconnected", zap.String("url", conn.ConnectedUrl()))
}

func (b *Bridge) errorHandler(conn *nats.Conn, sub *nats.Subscription, err error) {
	b.logger.Warn("telemetry bridge error", zap.Error(err))
	if b.metrics != nil {
		b.metrics.RecordError("telemetry_nats_error")
	}
}

// Mirror publishes the given state update to the telemetry subject. It
// never blocks the caller on a slow or unreachable NATS server beyond
// nats.go's own internal buffering, and any failure is logged, not
// returned, so the dispatcher never has to care.
func (b *Bridge) Mirror(keys []string, data map[string]json.RawMessage) {
	if b == nil || b.conn == nil {
		return
	}
	payload, err := json.Marshal(mirroredUpdate{Keys: keys, Data: data})
	if err != nil {
		b.logger.Warn("telemetry marshal failed", zap.Error(err))
		return
	}
	if err := b.conn.Publish(b.subject, payload); err != nil {
		b.logger.Warn("telemetry publish failed", zap.Error(err))
		if b.metrics != nil {
			b.metrics.RecordError("telemetry_publish")
		}
	}
}

// Close closes the NATS connection; it does not drain it first.
func (b *Bridge) Close() {
	if b == nil || b.conn == nil {
		return
	}
	b.conn.Close()
}
