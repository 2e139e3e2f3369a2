package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollectors holds all prometheus metric collectors and the
// last-seen atomic counter values needed to turn Collector's
// cumulative counters into prometheus.Counter.Add deltas.
type PrometheusCollectors struct {
	RequestsTotal       *prometheus.CounterVec
	ConnectionsTotal    prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	TimeoutCount        prometheus.Counter
	BytesSent           prometheus.Counter
	BytesReceived       prometheus.Counter
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
	AdmissionRejections prometheus.Counter
	AuthFailures        prometheus.Counter
	ResponseTimeSeconds prometheus.Gauge

	lastRequests       uint64
	lastErr4xx         uint64
	lastErr5xx         uint64
	lastConnections    uint64
	lastTimeouts       uint64
	lastBytesSent      uint64
	lastBytesReceived  uint64
	lastCacheHits      uint64
	lastCacheMisses    uint64
	lastAdmissionRejs  uint64
	lastAuthFailures   uint64
}

// InitPrometheus initializes and registers prometheus metrics
func InitPrometheus(namespace string) *PrometheusCollectors {
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			return c
		}
		return c
	}

	pc := &PrometheusCollectors{}

	pc.RequestsTotal = register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total number of requests processed, by outcome class",
	}, []string{"class"})).(*prometheus.CounterVec)

	pc.ConnectionsTotal = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "Total number of accepted connections",
	})).(prometheus.Counter)

	pc.ConnectionsActive = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Number of currently open connections",
	})).(prometheus.Gauge)

	pc.TimeoutCount = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_timeouts_total",
		Help:      "Total number of upstream dial/IO timeouts",
	})).(prometheus.Counter)

	pc.BytesSent = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_sent_total",
		Help:      "Total bytes written to clients",
	})).(prometheus.Counter)

	pc.BytesReceived = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_received_total",
		Help:      "Total bytes read from clients",
	})).(prometheus.Counter)

	pc.CacheHits = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "file_cache_hits_total",
		Help:      "Total file cache hits",
	})).(prometheus.Counter)

	pc.CacheMisses = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "file_cache_misses_total",
		Help:      "Total file cache misses",
	})).(prometheus.Counter)

	pc.AdmissionRejections = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_rejections_total",
		Help:      "Total connections/requests rejected by the admission controller",
	})).(prometheus.Counter)

	pc.AuthFailures = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_failures_total",
		Help:      "Total oauth authentication failures",
	})).(prometheus.Counter)

	pc.ResponseTimeSeconds = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "avg_response_time_seconds",
		Help:      "Mean request processing time observed since the last reset",
	})).(prometheus.Gauge)

	return pc
}

// UpdateFromCollector syncs atomic metrics to prometheus collectors.
// Collector's fields are cumulative totals read with atomic.Load, but
// prometheus.Counter only exposes Add (it refuses to go backwards), so
// this tracks the last-observed value per counter and adds only the
// delta since the previous call. Call this periodically from the
// worker's tick loop (spec §4.J), not per-request.
func (p *PrometheusCollectors) UpdateFromCollector(c *Collector) {
	snap := c.Snapshot()

	p.RequestsTotal.WithLabelValues("ok").Add(float64(delta(&p.lastRequests, snap.RequestsOK)))
	p.RequestsTotal.WithLabelValues("4xx").Add(float64(delta(&p.lastErr4xx, snap.Error4xxCount)))
	p.RequestsTotal.WithLabelValues("5xx").Add(float64(delta(&p.lastErr5xx, snap.Error5xxCount)))

	p.ConnectionsTotal.Add(float64(delta(&p.lastConnections, snap.ConnectionsTotal)))
	p.ConnectionsActive.Set(float64(snap.ConnectionsActive))

	p.TimeoutCount.Add(float64(delta(&p.lastTimeouts, snap.TimeoutCount)))
	p.BytesSent.Add(float64(delta(&p.lastBytesSent, snap.BytesSent)))
	p.BytesReceived.Add(float64(delta(&p.lastBytesReceived, snap.BytesReceived)))
	p.CacheHits.Add(float64(delta(&p.lastCacheHits, snap.CacheHits)))
	p.CacheMisses.Add(float64(delta(&p.lastCacheMisses, snap.CacheMisses)))
	p.AdmissionRejections.Add(float64(delta(&p.lastAdmissionRejs, snap.AdmissionRejections)))
	p.AuthFailures.Add(float64(delta(&p.lastAuthFailures, snap.AuthFailures)))

	p.ResponseTimeSeconds.Set(snap.AvgResponseTime.Seconds())
}

// delta returns cur minus the value last stored at *last, clamped to
// zero (a Collector.Reset makes cur smaller than *last), and updates
// *last to cur.
func delta(last *uint64, cur uint64) uint64 {
	prev := *last
	*last = cur
	if cur < prev {
		return 0
	}
	return cur - prev
}
