package room

import "encoding/json"

// Event types pushed to clients. peer-joined and peer-left are delivered to
// the host only; host-left and room-expired reach every remaining member.
const (
	EventPeerJoined  = "peer-joined"
	EventPeerLeft    = "peer-left"
	EventHostLeft    = "host-left"
	EventRoomExpired = "room-expired"
	EventSignal      = "signal"
)

// Expiry reasons carried by room-expired events.
const (
	ReasonTTL            = "ttl"
	ReasonUsageExhausted = "usage_exhausted"
)

// Event is a server-to-client notification. Data is an opaque signaling
// payload; the relay never parses it.
type Event struct {
	Type   string          `json:"type"`
	Code   string          `json:"code,omitempty"`
	PeerID string          `json:"peerId,omitempty"`
	From   string          `json:"from,omitempty"`
	Reason string          `json:"reason,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Sender delivers an event to a connection. Delivery is fire-and-forget:
// implementations must not block on network I/O and must swallow (at most
// log) delivery failures. The registry never calls Send while holding its
// lock.
type Sender interface {
	Send(connID string, ev Event)
}
