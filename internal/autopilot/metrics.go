package autopilot

import (
	"sync"
	"time"
)

// Metrics collects loop counters. All methods are goroutine-safe.
type Metrics struct {
	mu sync.RWMutex

	// Counters
	Cycles            int64
	Dispatches        int64
	QueuedNotices     int64
	SessionsCompleted int64
	SessionsFailed    int64
	SessionsStuck     int64
	PRsOpened         int64
	CheckFailures     int64
	Conflicts         int64
	Escalations       int64
	Merges            int64
	Reconciles        int64
	Errors            map[string]int64 // component → count

	// Gauges
	QueueDepth     int
	ActiveSessions int

	// Recent samples
	SessionDurations []time.Duration
	maxSamples       int

	LastCycleAt time.Time
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		Errors:           make(map[string]int64),
		SessionDurations: make([]time.Duration, 0, 100),
		maxSamples:       500,
	}
}

func (m *Metrics) inc(field *int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*field++
}

// RecordCycle counts one dispatch-path invocation.
func (m *Metrics) RecordCycle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cycles++
	m.LastCycleAt = time.Now()
}

func (m *Metrics) RecordDispatch()     { m.inc(&m.Dispatches) }
func (m *Metrics) RecordQueuedNotice() { m.inc(&m.QueuedNotices) }
func (m *Metrics) RecordPROpened()     { m.inc(&m.PRsOpened) }
func (m *Metrics) RecordCheckFailure() { m.inc(&m.CheckFailures) }
func (m *Metrics) RecordConflict()     { m.inc(&m.Conflicts) }
func (m *Metrics) RecordEscalation()   { m.inc(&m.Escalations) }
func (m *Metrics) RecordMerge()        { m.inc(&m.Merges) }
func (m *Metrics) RecordReconcile()    { m.inc(&m.Reconciles) }

// RecordSessionEnd counts a terminal session and samples its duration.
func (m *Metrics) RecordSessionEnd(status SessionStatus, stuck bool, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case stuck:
		m.SessionsStuck++
	case status == SessionCompleted:
		m.SessionsCompleted++
	default:
		m.SessionsFailed++
	}
	m.SessionDurations = append(m.SessionDurations, d)
	if len(m.SessionDurations) > m.maxSamples {
		m.SessionDurations = m.SessionDurations[len(m.SessionDurations)-m.maxSamples:]
	}
}

// RecordError increments the error counter for a component.
func (m *Metrics) RecordError(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[component]++
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QueueDepth = depth
}

// SetActiveSessions updates the active session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ActiveSessions = n
}

// Snapshot returns a point-in-time copy of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	errs := make(map[string]int64, len(m.Errors))
	for k, v := range m.Errors {
		errs[k] = v
	}
	return MetricsSnapshot{
		Cycles:             m.Cycles,
		Dispatches:         m.Dispatches,
		QueuedNotices:      m.QueuedNotices,
		SessionsCompleted:  m.SessionsCompleted,
		SessionsFailed:     m.SessionsFailed,
		SessionsStuck:      m.SessionsStuck,
		PRsOpened:          m.PRsOpened,
		CheckFailures:      m.CheckFailures,
		Conflicts:          m.Conflicts,
		Escalations:        m.Escalations,
		Merges:             m.Merges,
		Reconciles:         m.Reconciles,
		Errors:             errs,
		QueueDepth:         m.QueueDepth,
		ActiveSessions:     m.ActiveSessions,
		AvgSessionDuration: avgDuration(m.SessionDurations),
		LastCycleAt:        m.LastCycleAt,
		SnapshotAt:         time.Now(),
	}
}

// MetricsSnapshot is a read-only copy of metrics at a point in time.
type MetricsSnapshot struct {
	Cycles            int64            `json:"cycles"`
	Dispatches        int64            `json:"dispatches"`
	QueuedNotices     int64            `json:"queued_notices"`
	SessionsCompleted int64            `json:"sessions_completed"`
	SessionsFailed    int64            `json:"sessions_failed"`
	SessionsStuck     int64            `json:"sessions_stuck"`
	PRsOpened         int64            `json:"prs_opened"`
	CheckFailures     int64            `json:"check_failures"`
	Conflicts         int64            `json:"conflicts"`
	Escalations       int64            `json:"escalations"`
	Merges            int64            `json:"merges"`
	Reconciles        int64            `json:"reconciles"`
	Errors            map[string]int64 `json:"errors"`

	QueueDepth     int `json:"queue_depth"`
	ActiveSessions int `json:"active_sessions"`

	AvgSessionDuration time.Duration `json:"avg_session_duration"`
	LastCycleAt        time.Time     `json:"last_cycle_at"`
	SnapshotAt         time.Time     `json:"snapshot_at"`
}

func avgDuration(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return sum / time.Duration(len(samples))
}

// SessionDurationSamples returns a copy of the recent session durations.
func (m *Metrics) SessionDurationSamples() []time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]time.Duration, len(m.SessionDurations))
	copy(out, m.SessionDurations)
	return out
}
