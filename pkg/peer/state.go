// Package peer implements the hub's outbound-client pool: the reverse
// tunnel that lets this hub federate to another hub it cannot accept an
// inbound connection from, grounded on basic_bot's OutboundClients
// (commons/outbound_clients.py) and adapted onto the same
// dial/identify/reconnect shape as odin-ws-server/pkg/nats's connection
// event handlers.
package peer

// State names one point in a single outbound client's lifecycle.
type State string

const (
	StateDialing     State = "dialing"
	StateIdentifying State = "identifying"
	StateConnected   State = "connected"
	StateBackoff     State = "backoff"
	StateClosed      State = "closed"
)
