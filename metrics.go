package driftsync

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRegistry collects in-process counters and gauges for the sync core.
// Counters are updated with atomics on hot paths.
type MetricsRegistry struct {
	totalRequests       atomic.Int64
	successfulRequests  atomic.Int64
	failedRequests      atomic.Int64
	versionsCreated     atomic.Int64
	mergesPerformed     atomic.Int64
	conflictsDetected   atomic.Int64
	conflictsResolved   atomic.Int64
	conflictsUnresolved atomic.Int64
	eventsAppended      atomic.Int64
	eventsRejected      atomic.Int64
	snapshotsCreated    atomic.Int64
	operationsQueued    atomic.Int64
	operationsExecuted  atomic.Int64
	operationsFailed    atomic.Int64
	syncsDispatched     atomic.Int64
	syncsFailed         atomic.Int64
	messagesSent        atomic.Int64
	messagesReceived    atomic.Int64
	bytesSent           atomic.Int64
	bytesReceived       atomic.Int64

	activeConnections atomic.Int64
	registeredDevices atomic.Int64
	queueDepth        atomic.Int64

	mu sync.Mutex
	// avgResponseNanos is an exponential moving average, alpha 0.1.
	avgResponseNanos float64
	history          []MetricsSample
	historyPos       int
	historyFull      bool
	startTime        time.Time
}

// MetricsSample is a point-in-time reading kept in the bounded history ring.
type MetricsSample struct {
	Timestamp       time.Time     `json:"timestamp"`
	TotalRequests   int64         `json:"total_requests"`
	FailedRequests  int64         `json:"failed_requests"`
	QueueDepth      int64         `json:"queue_depth"`
	ActiveConns     int64         `json:"active_connections"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// MetricsSnapshot is a full reading of all counters and gauges.
type MetricsSnapshot struct {
	TotalRequests       int64         `json:"total_requests"`
	SuccessfulRequests  int64         `json:"successful_requests"`
	FailedRequests      int64         `json:"failed_requests"`
	VersionsCreated     int64         `json:"versions_created"`
	MergesPerformed     int64         `json:"merges_performed"`
	ConflictsDetected   int64         `json:"conflicts_detected"`
	ConflictsResolved   int64         `json:"conflicts_resolved"`
	ConflictsUnresolved int64         `json:"conflicts_unresolved"`
	EventsAppended      int64         `json:"events_appended"`
	EventsRejected      int64         `json:"events_rejected"`
	SnapshotsCreated    int64         `json:"snapshots_created"`
	OperationsQueued    int64         `json:"operations_queued"`
	OperationsExecuted  int64         `json:"operations_executed"`
	OperationsFailed    int64         `json:"operations_failed"`
	SyncsDispatched     int64         `json:"syncs_dispatched"`
	SyncsFailed         int64         `json:"syncs_failed"`
	MessagesSent        int64         `json:"messages_sent"`
	MessagesReceived    int64         `json:"messages_received"`
	BytesSent           int64         `json:"bytes_sent"`
	BytesReceived       int64         `json:"bytes_received"`
	ActiveConnections   int64         `json:"active_connections"`
	RegisteredDevices   int64         `json:"registered_devices"`
	QueueDepth          int64         `json:"queue_depth"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	Uptime              time.Duration `json:"uptime"`
}

const metricsHistorySize = 360

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		history:   make([]MetricsSample, metricsHistorySize),
		startTime: time.Now(),
	}
}

func (m *MetricsRegistry) RecordRequest(success bool, elapsed time.Duration) {
	m.totalRequests.Add(1)
	if success {
		m.successfulRequests.Add(1)
	} else {
		m.failedRequests.Add(1)
	}

	m.mu.Lock()
	if m.avgResponseNanos == 0 {
		m.avgResponseNanos = float64(elapsed.Nanoseconds())
	} else {
		m.avgResponseNanos = 0.9*m.avgResponseNanos + 0.1*float64(elapsed.Nanoseconds())
	}
	m.mu.Unlock()
}

func (m *MetricsRegistry) RecordVersionCreated()      { m.versionsCreated.Add(1) }
func (m *MetricsRegistry) RecordMerge()               { m.mergesPerformed.Add(1) }
func (m *MetricsRegistry) RecordConflictsDetected(n int) {
	m.conflictsDetected.Add(int64(n))
}
func (m *MetricsRegistry) RecordConflictResolved()    { m.conflictsResolved.Add(1) }
func (m *MetricsRegistry) RecordConflictUnresolved()  { m.conflictsUnresolved.Add(1) }
func (m *MetricsRegistry) RecordEventAppended()       { m.eventsAppended.Add(1) }
func (m *MetricsRegistry) RecordEventRejected()       { m.eventsRejected.Add(1) }
func (m *MetricsRegistry) RecordSnapshotCreated()     { m.snapshotsCreated.Add(1) }
func (m *MetricsRegistry) RecordOperationQueued()     { m.operationsQueued.Add(1) }
func (m *MetricsRegistry) RecordOperationExecuted()   { m.operationsExecuted.Add(1) }
func (m *MetricsRegistry) RecordOperationFailed()     { m.operationsFailed.Add(1) }
func (m *MetricsRegistry) RecordSyncDispatched()      { m.syncsDispatched.Add(1) }
func (m *MetricsRegistry) RecordSyncFailed()          { m.syncsFailed.Add(1) }
func (m *MetricsRegistry) RecordMessageSent(bytes int) {
	m.messagesSent.Add(1)
	m.bytesSent.Add(int64(bytes))
}
func (m *MetricsRegistry) RecordMessageReceived(bytes int) {
	m.messagesReceived.Add(1)
	m.bytesReceived.Add(int64(bytes))
}

func (m *MetricsRegistry) SetActiveConnections(n int64) { m.activeConnections.Store(n) }
func (m *MetricsRegistry) SetRegisteredDevices(n int64) { m.registeredDevices.Store(n) }
func (m *MetricsRegistry) SetQueueDepth(n int64)        { m.queueDepth.Store(n) }

// Sample records a point-in-time reading into the bounded history ring.
func (m *MetricsRegistry) Sample() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history[m.historyPos] = MetricsSample{
		Timestamp:       time.Now(),
		TotalRequests:   m.totalRequests.Load(),
		FailedRequests:  m.failedRequests.Load(),
		QueueDepth:      m.queueDepth.Load(),
		ActiveConns:     m.activeConnections.Load(),
		AvgResponseTime: time.Duration(m.avgResponseNanos),
	}
	m.historyPos = (m.historyPos + 1) % len(m.history)
	if m.historyPos == 0 {
		m.historyFull = true
	}
}

// History returns samples in chronological order.
func (m *MetricsRegistry) History() []MetricsSample {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.historyFull {
		out := make([]MetricsSample, m.historyPos)
		copy(out, m.history[:m.historyPos])
		return out
	}
	out := make([]MetricsSample, 0, len(m.history))
	out = append(out, m.history[m.historyPos:]...)
	out = append(out, m.history[:m.historyPos]...)
	return out
}

// Snapshot returns a full reading of all counters and gauges.
func (m *MetricsRegistry) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	avg := time.Duration(m.avgResponseNanos)
	start := m.startTime
	m.mu.Unlock()

	return MetricsSnapshot{
		TotalRequests:       m.totalRequests.Load(),
		SuccessfulRequests:  m.successfulRequests.Load(),
		FailedRequests:      m.failedRequests.Load(),
		VersionsCreated:     m.versionsCreated.Load(),
		MergesPerformed:     m.mergesPerformed.Load(),
		ConflictsDetected:   m.conflictsDetected.Load(),
		ConflictsResolved:   m.conflictsResolved.Load(),
		ConflictsUnresolved: m.conflictsUnresolved.Load(),
		EventsAppended:      m.eventsAppended.Load(),
		EventsRejected:      m.eventsRejected.Load(),
		SnapshotsCreated:    m.snapshotsCreated.Load(),
		OperationsQueued:    m.operationsQueued.Load(),
		OperationsExecuted:  m.operationsExecuted.Load(),
		OperationsFailed:    m.operationsFailed.Load(),
		SyncsDispatched:     m.syncsDispatched.Load(),
		SyncsFailed:         m.syncsFailed.Load(),
		MessagesSent:        m.messagesSent.Load(),
		MessagesReceived:    m.messagesReceived.Load(),
		BytesSent:           m.bytesSent.Load(),
		BytesReceived:       m.bytesReceived.Load(),
		ActiveConnections:   m.activeConnections.Load(),
		RegisteredDevices:   m.registeredDevices.Load(),
		QueueDepth:          m.queueDepth.Load(),
		AvgResponseTime:     avg,
		Uptime:              time.Since(start),
	}
}
