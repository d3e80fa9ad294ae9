package backend

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks pool-level counters and a bounded latency window for
// percentile reporting, adapted from the teacher's PoolMetrics
// (pkg/pyproc/pool_metrics.go), which tracked the same shape for a
// round-robin Unix-socket pool.
type Metrics struct {
	ConnectionsCreated   atomic.Uint64
	ConnectionsDestroyed atomic.Uint64

	RequestsTotal     atomic.Uint64
	RequestsSucceeded atomic.Uint64
	RequestsFailed    atomic.Uint64
	RequestsTimeout   atomic.Uint64

	latencyMu    sync.RWMutex
	latencies    []time.Duration
	maxLatencies int
}

// NewMetrics creates a Metrics tracker with a 10k-sample latency window.
func NewMetrics() *Metrics {
	return &Metrics{
		maxLatencies: 10000,
		latencies:    make([]time.Duration, 0, 10000),
	}
}

// RecordLatency appends one forwarded-call latency sample.
func (m *Metrics) RecordLatency(d time.Duration) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	if len(m.latencies) >= m.maxLatencies {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, d)
}

func (m *Metrics) percentile(p float64) time.Duration {
	m.latencyMu.RLock()
	defer m.latencyMu.RUnlock()
	if len(m.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)-1) * p / 100.0)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// MetricsSnapshot is a point-in-time view of the pool's counters.
type MetricsSnapshot struct {
	ConnectionsCreated   uint64
	ConnectionsDestroyed uint64
	ConnectionsActive    int32

	RequestsTotal     uint64
	RequestsSucceeded uint64
	RequestsFailed    uint64
	RequestsTimeout   uint64

	LatencyP50 time.Duration
	LatencyP95 time.Duration
	LatencyP99 time.Duration

	Timestamp time.Time
}

// Snapshot returns the current metrics, timestamped now.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ConnectionsCreated:   m.ConnectionsCreated.Load(),
		ConnectionsDestroyed: m.ConnectionsDestroyed.Load(),
		RequestsTotal:        m.RequestsTotal.Load(),
		RequestsSucceeded:    m.RequestsSucceeded.Load(),
		RequestsFailed:       m.RequestsFailed.Load(),
		RequestsTimeout:      m.RequestsTimeout.Load(),
		LatencyP50:           m.percentile(50),
		LatencyP95:           m.percentile(95),
		LatencyP99:           m.percentile(99),
		Timestamp:            time.Now(),
	}
}

// recordCall updates request counters and latency for one forwarded call.
func (m *Metrics) recordCall(d time.Duration, err error, timedOut bool) {
	m.RequestsTotal.Add(1)
	m.RecordLatency(d)
	switch {
	case err == nil:
		m.RequestsSucceeded.Add(1)
	case timedOut:
		m.RequestsTimeout.Add(1)
	default:
		m.RequestsFailed.Add(1)
	}
}
