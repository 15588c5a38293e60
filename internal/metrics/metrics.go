package metrics

import "sync"

// Counter names used across the coordinator. Names are intentionally
// simple; a follow-up metrics task can standardize and export these via
// Prometheus/OTel.
const (
	JoinRejectedCapacity    = "join_rejected_capacity"
	JoinRejectedMaxSessions = "join_rejected_max_sessions"

	EnvelopeDroppedNoPeer   = "envelope_dropped_no_peer"
	EnvelopeDroppedDeadConn = "envelope_dropped_dead_conn"

	SignalingRateLimited = "signaling_rate_limited"
	SignalingBadMessage  = "signaling_bad_message"

	TransportClosed = "transport_closed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The production coordinator is expected to plug into a real metrics
// backend; this type exists to keep enforcement logic testable and to
// feed the /metricz dump.
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
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
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
