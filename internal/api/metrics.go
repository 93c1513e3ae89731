package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime    time.Time
	requests     atomic.Int64
	serverErrors atomic.Int64
	clientErrors atomic.Int64
	mutations    atomic.Int64
	replays      atomic.Int64
	conflicts    atomic.Int64
	listRequests atomic.Int64
	pushed       atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds    float64 `json:"uptime_seconds"`
	Requests         int64   `json:"requests"`
	ServerErrors     int64   `json:"server_errors"`
	ClientErrors     int64   `json:"client_errors"`
	MutationsApplied int64   `json:"mutations_applied"`
	MutationReplays  int64   `json:"mutation_replays"`
	Conflicts        int64   `json:"conflicts"`
	ListRequests     int64   `json:"list_requests"`
	ChangesPushed    int64   `json:"changes_pushed"`
	Subscribers      int     `json:"subscribers"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() {
	m.requests.Add(1)
}

// RecordError increments the server error (5xx) counter.
func (m *Metrics) RecordError() {
	m.serverErrors.Add(1)
}

// RecordClientError increments the client error (4xx) counter.
func (m *Metrics) RecordClientError() {
	m.clientErrors.Add(1)
}

// RecordMutation counts an applied mutation or, when replayed, a replay.
func (m *Metrics) RecordMutation(replayed bool) {
	if replayed {
		m.replays.Add(1)
		return
	}
	m.mutations.Add(1)
}

// RecordConflict increments the conflict counter.
func (m *Metrics) RecordConflict() {
	m.conflicts.Add(1)
}

// RecordList increments the row listing counter.
func (m *Metrics) RecordList() {
	m.listRequests.Add(1)
}

// RecordPushed adds n delivered change messages.
func (m *Metrics) RecordPushed(n int64) {
	m.pushed.Add(n)
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds:    time.Since(m.startTime).Seconds(),
		Requests:         m.requests.Load(),
		ServerErrors:     m.serverErrors.Load(),
		ClientErrors:     m.clientErrors.Load(),
		MutationsApplied: m.mutations.Load(),
		MutationReplays:  m.replays.Load(),
		Conflicts:        m.conflicts.Load(),
		ListRequests:     m.listRequests.Load(),
		ChangesPushed:    m.pushed.Load(),
	}
}
