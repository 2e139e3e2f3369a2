// Package metrics provides collection and reporting of worker metrics
package metrics

import (
	"sync/atomic"
	"time"
)

// Collector holds all worker metrics (spec §5, §10.1), atomics
// throughout so the connection state machines that update it never
// contend on a lock in the hot path.
type Collector struct {
	// Connection metrics
	ConnectionsActive atomic.Int64
	ConnectionsTotal  atomic.Uint64

	// Request metrics
	RequestsTotal   atomic.Uint64
	RequestsOK      atomic.Uint64
	Error4xxCount   atomic.Uint64
	Error5xxCount   atomic.Uint64
	TimeoutCount    atomic.Uint64

	// Byte counters
	BytesSent     atomic.Uint64
	BytesReceived atomic.Uint64

	// Response time, nanoseconds (min/max/avg matches the original's
	// performance_stats_t rather than a histogram, see DESIGN.md)
	MinResponseNs atomic.Uint64
	MaxResponseNs atomic.Uint64
	sumResponseNs atomic.Uint64

	// Cache metrics
	CacheHits   atomic.Uint64
	CacheMisses atomic.Uint64

	// Admission metrics
	AdmissionRejections atomic.Uint64
	AuthFailures        atomic.Uint64

	startTime      time.Time
	lastUpdateUnix atomic.Int64
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// IncrementConnections records a newly accepted connection.
func (m *Collector) IncrementConnections() {
	m.ConnectionsActive.Add(1)
	m.ConnectionsTotal.Add(1)
	m.touch()
}

// DecrementConnections records a connection closing.
func (m *Collector) DecrementConnections() {
	m.ConnectionsActive.Add(-1)
}

// GetConnectionsActive returns the current number of active connections
func (m *Collector) GetConnectionsActive() int64 {
	return m.ConnectionsActive.Load()
}

// RecordRequest records one completed request's status and duration.
func (m *Collector) RecordRequest(status int, d time.Duration, sent, received uint64) {
	m.RequestsTotal.Add(1)
	m.touch()

	switch {
	case status >= 200 && status < 400:
		m.RequestsOK.Add(1)
	case status >= 400 && status < 500:
		m.Error4xxCount.Add(1)
	case status >= 500:
		m.Error5xxCount.Add(1)
	}

	ns := uint64(d.Nanoseconds())
	m.sumResponseNs.Add(ns)
	for {
		cur := m.MinResponseNs.Load()
		if cur != 0 && cur <= ns {
			break
		}
		if m.MinResponseNs.CompareAndSwap(cur, ns) {
			break
		}
	}
	for {
		cur := m.MaxResponseNs.Load()
		if cur >= ns {
			break
		}
		if m.MaxResponseNs.CompareAndSwap(cur, ns) {
			break
		}
	}

	m.BytesSent.Add(sent)
	m.BytesReceived.Add(received)
}

// RecordTimeout records an upstream dial or I/O timeout.
func (m *Collector) RecordTimeout() {
	m.TimeoutCount.Add(1)
}

// RecordCacheHit records a file cache hit.
func (m *Collector) RecordCacheHit() {
	m.CacheHits.Add(1)
}

// RecordCacheMiss records a file cache miss.
func (m *Collector) RecordCacheMiss() {
	m.CacheMisses.Add(1)
}

// RecordAdmissionRejection records a connection or request admission
// rejected it (spec §4.B).
func (m *Collector) RecordAdmissionRejection() {
	m.AdmissionRejections.Add(1)
}

// RecordAuthFailure records an oauth-* authentication failure.
func (m *Collector) RecordAuthFailure() {
	m.AuthFailures.Add(1)
}

func (m *Collector) touch() {
	m.lastUpdateUnix.Store(time.Now().Unix())
}

// LastUpdate returns when a metric was last recorded, zero if never.
func (m *Collector) LastUpdate() time.Time {
	unix := m.lastUpdateUnix.Load()
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

// GetTotalRequests returns the total request count
func (m *Collector) GetTotalRequests() uint64 {
	return m.RequestsTotal.Load()
}

// GetAcceptanceRate calculates the 2xx/3xx rate as a percentage
func (m *Collector) GetAcceptanceRate() float64 {
	total := m.GetTotalRequests()
	if total == 0 {
		return 0
	}
	return (float64(m.RequestsOK.Load()) / float64(total)) * 100
}

// GetAvgResponseTime returns the mean response time across all
// recorded requests.
func (m *Collector) GetAvgResponseTime() time.Duration {
	total := m.GetTotalRequests()
	if total == 0 {
		return 0
	}
	return time.Duration(m.sumResponseNs.Load() / total)
}

// GetCacheHitRate calculates the cache hit rate as a percentage
func (m *Collector) GetCacheHitRate() float64 {
	hits, misses := m.CacheHits.Load(), m.CacheMisses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return (float64(hits) / float64(total)) * 100
}

// Reset resets all metrics to zero values
func (m *Collector) Reset() {
	m.ConnectionsActive.Store(0)
	m.ConnectionsTotal.Store(0)
	m.RequestsTotal.Store(0)
	m.RequestsOK.Store(0)
	m.Error4xxCount.Store(0)
	m.Error5xxCount.Store(0)
	m.TimeoutCount.Store(0)
	m.BytesSent.Store(0)
	m.BytesReceived.Store(0)
	m.MinResponseNs.Store(0)
	m.MaxResponseNs.Store(0)
	m.sumResponseNs.Store(0)
	m.CacheHits.Store(0)
	m.CacheMisses.Store(0)
	m.AdmissionRejections.Store(0)
	m.AuthFailures.Store(0)
	m.startTime = time.Now()
}

// Snapshot returns a point-in-time view of all metrics
func (m *Collector) Snapshot() Snapshot {
	return Snapshot{
		ConnectionsActive:   m.GetConnectionsActive(),
		ConnectionsTotal:    m.ConnectionsTotal.Load(),
		RequestsTotal:       m.GetTotalRequests(),
		RequestsOK:          m.RequestsOK.Load(),
		Error4xxCount:       m.Error4xxCount.Load(),
		Error5xxCount:       m.Error5xxCount.Load(),
		TimeoutCount:        m.TimeoutCount.Load(),
		BytesSent:           m.BytesSent.Load(),
		BytesReceived:       m.BytesReceived.Load(),
		MinResponseTime:     time.Duration(m.MinResponseNs.Load()),
		MaxResponseTime:     time.Duration(m.MaxResponseNs.Load()),
		AvgResponseTime:     m.GetAvgResponseTime(),
		CacheHits:           m.CacheHits.Load(),
		CacheMisses:         m.CacheMisses.Load(),
		CacheHitRate:        m.GetCacheHitRate(),
		AdmissionRejections: m.AdmissionRejections.Load(),
		AuthFailures:        m.AuthFailures.Load(),
		AcceptanceRate:      m.GetAcceptanceRate(),
		Uptime:              time.Since(m.startTime),
	}
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	ConnectionsActive   int64         `json:"connections_active"`
	ConnectionsTotal    uint64        `json:"connections_total"`
	RequestsTotal       uint64        `json:"requests_total"`
	RequestsOK          uint64        `json:"requests_ok"`
	Error4xxCount       uint64        `json:"error_4xx_count"`
	Error5xxCount       uint64        `json:"error_5xx_count"`
	TimeoutCount        uint64        `json:"timeout_count"`
	BytesSent           uint64        `json:"bytes_sent"`
	BytesReceived       uint64        `json:"bytes_received"`
	MinResponseTime     time.Duration `json:"min_response_time"`
	MaxResponseTime     time.Duration `json:"max_response_time"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	CacheHits           uint64        `json:"cache_hits"`
	CacheMisses         uint64        `json:"cache_misses"`
	CacheHitRate        float64       `json:"cache_hit_rate"`
	AdmissionRejections uint64        `json:"admission_rejections"`
	AuthFailures        uint64        `json:"auth_failures"`
	AcceptanceRate      float64       `json:"acceptance_rate"`
	Uptime              time.Duration `json:"uptime"`
}
