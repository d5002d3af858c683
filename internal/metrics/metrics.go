package metrics

import "sync"

// Event counter names incremented across the relay. Names are intentionally
// simple; a follow-up metrics task can standardize and export these via a
// richer backend.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"

	RoomsCreated  = "rooms_created"
	RoomsClosed   = "rooms_closed"
	ClientsJoined = "clients_joined"

	MessagesRelayed   = "messages_relayed"
	VolumeUpdatesSent = "volume_updates_sent"
	PositionReports   = "position_reports"

	MalformedMessages   = "malformed_messages"
	UnknownMessageTypes = "unknown_message_types"
	RoomMismatchDrops   = "room_mismatch_drops"
	RateLimitedDrops    = "rate_limited_drops"
	FailedSends         = "failed_sends"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The production relay is expected to plug into a real metrics backend; this
// type exists to keep router logic testable while still exposing counters on
// the /metrics endpoint.
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
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters, for exposition.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
