package metrics

import "sync"

// Counter names used by the relay.
const (
	SessionStarted     = "session_started"
	SessionEnded       = "session_ended"
	SessionRejected    = "session_rejected"
	UpstreamDialFailed = "upstream_dial_failed"
	MessagesToUpstream = "messages_to_upstream"
	MessagesToCaller   = "messages_to_caller"
	PendingFlushed     = "pending_flushed"
	PendingOverflow    = "pending_overflow"
	CloseCodeRewritten = "close_code_rewritten"
	SniffFailed        = "sniff_failed"
	RateLimited        = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Each relay session touches only a handful of counters per message, so a
// single mutex over a map is plenty; a real metrics backend can be layered
// on top via the Prometheus handler.
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

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
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
