package metrics

import "sync"

// Counter names used across the relay. Drop reasons mirror the error codes
// surfaced to clients so operators can correlate metrics with client-visible
// failures.
const (
	RoomsCreated        = "rooms_created"
	RoomsExpiredTTL     = "rooms_expired_ttl"
	RoomsExpiredUsage   = "rooms_expired_usage"
	RoomsClosedHostLeft = "rooms_closed_host_left"
	PeersJoined         = "peers_joined"
	SignalsRelayed      = "signals_relayed"
	SendBufferOverflow  = "send_buffer_overflow"
	ConnectionsAccepted = "connections_accepted"
	ConnectionsRejected = "connections_rejected_ip_cap"
	TURNCredentials     = "turn_credentials_issued"

	DropReasonRateLimited     = "rate_limited"
	DropReasonRoomNotFound    = "room_not_found"
	DropReasonInvalidToken    = "invalid_token"
	DropReasonRoomFull        = "room_full"
	DropReasonTooManyRooms    = "too_many_rooms"
	DropReasonNonMemberSignal = "non_member_signal"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps enforcement logic testable without coupling the core packages to a
// metrics backend; counters are exported in Prometheus' text format by
// PrometheusHandler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
