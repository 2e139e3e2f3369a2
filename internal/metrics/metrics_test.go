package metrics

import (
	"testing"
	"time"
)

func TestCollectorInitialState(t *testing.T) {
	c := NewCollector()

	if c.GetConnectionsActive() != 0 {
		t.Error("initial active connections should be 0")
	}
	if c.GetTotalRequests() != 0 {
		t.Error("initial total requests should be 0")
	}
	if c.GetAcceptanceRate() != 0 {
		t.Error("initial acceptance rate should be 0")
	}
	if c.GetCacheHitRate() != 0 {
		t.Error("initial cache hit rate should be 0")
	}
	if !c.LastUpdate().IsZero() {
		t.Error("initial LastUpdate should be zero")
	}
}

func TestCollectorConnections(t *testing.T) {
	c := NewCollector()

	c.IncrementConnections()
	c.IncrementConnections()
	if c.GetConnectionsActive() != 2 {
		t.Errorf("active connections = %d, want 2", c.GetConnectionsActive())
	}
	if c.ConnectionsTotal.Load() != 2 {
		t.Errorf("total connections = %d, want 2", c.ConnectionsTotal.Load())
	}

	c.DecrementConnections()
	if c.GetConnectionsActive() != 1 {
		t.Errorf("active connections = %d, want 1", c.GetConnectionsActive())
	}
	if c.ConnectionsTotal.Load() != 2 {
		t.Error("decrementing active connections must not change the cumulative total")
	}
}

func TestCollectorRecordRequestClassifiesStatus(t *testing.T) {
	c := NewCollector()

	c.RecordRequest(200, 10*time.Millisecond, 100, 50)
	c.RecordRequest(404, 5*time.Millisecond, 0, 20)
	c.RecordRequest(502, 20*time.Millisecond, 0, 10)

	if c.GetTotalRequests() != 3 {
		t.Fatalf("total requests = %d, want 3", c.GetTotalRequests())
	}
	if c.RequestsOK.Load() != 1 {
		t.Errorf("requests OK = %d, want 1", c.RequestsOK.Load())
	}
	if c.Error4xxCount.Load() != 1 {
		t.Errorf("4xx count = %d, want 1", c.Error4xxCount.Load())
	}
	if c.Error5xxCount.Load() != 1 {
		t.Errorf("5xx count = %d, want 1", c.Error5xxCount.Load())
	}

	rate := c.GetAcceptanceRate()
	want := 100.0 / 3.0
	if diff := rate - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("acceptance rate = %v, want %v", rate, want)
	}

	if c.BytesSent.Load() != 100 {
		t.Errorf("bytes sent = %d, want 100", c.BytesSent.Load())
	}
	if c.BytesReceived.Load() != 80 {
		t.Errorf("bytes received = %d, want 80", c.BytesReceived.Load())
	}
}

func TestCollectorResponseTimeMinMaxAvg(t *testing.T) {
	c := NewCollector()

	c.RecordRequest(200, 30*time.Millisecond, 0, 0)
	c.RecordRequest(200, 10*time.Millisecond, 0, 0)
	c.RecordRequest(200, 20*time.Millisecond, 0, 0)

	if got := time.Duration(c.MinResponseNs.Load()); got != 10*time.Millisecond {
		t.Errorf("min response time = %v, want 10ms", got)
	}
	if got := time.Duration(c.MaxResponseNs.Load()); got != 30*time.Millisecond {
		t.Errorf("max response time = %v, want 30ms", got)
	}
	if got := c.GetAvgResponseTime(); got != 20*time.Millisecond {
		t.Errorf("avg response time = %v, want 20ms", got)
	}
}

func TestCollectorCacheHitRate(t *testing.T) {
	c := NewCollector()

	c.RecordCacheHit()
	c.RecordCacheHit()
	c.RecordCacheHit()
	c.RecordCacheMiss()

	if rate := c.GetCacheHitRate(); rate != 75.0 {
		t.Errorf("cache hit rate = %v, want 75", rate)
	}
}

func TestCollectorAdmissionAndAuthCounters(t *testing.T) {
	c := NewCollector()

	c.RecordAdmissionRejection()
	c.RecordAdmissionRejection()
	c.RecordAuthFailure()

	if c.AdmissionRejections.Load() != 2 {
		t.Errorf("admission rejections = %d, want 2", c.AdmissionRejections.Load())
	}
	if c.AuthFailures.Load() != 1 {
		t.Errorf("auth failures = %d, want 1", c.AuthFailures.Load())
	}
}

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector()

	c.IncrementConnections()
	c.RecordRequest(200, 15*time.Millisecond, 64, 32)
	c.RecordCacheHit()
	c.RecordTimeout()

	snap := c.Snapshot()

	if snap.ConnectionsActive != 1 {
		t.Errorf("snapshot ConnectionsActive = %d, want 1", snap.ConnectionsActive)
	}
	if snap.RequestsTotal != 1 {
		t.Errorf("snapshot RequestsTotal = %d, want 1", snap.RequestsTotal)
	}
	if snap.CacheHits != 1 {
		t.Errorf("snapshot CacheHits = %d, want 1", snap.CacheHits)
	}
	if snap.TimeoutCount != 1 {
		t.Errorf("snapshot TimeoutCount = %d, want 1", snap.TimeoutCount)
	}
	if snap.Uptime <= 0 {
		t.Error("snapshot Uptime should be positive")
	}
}

func TestCollectorReset(t *testing.T) {
	c := NewCollector()

	c.IncrementConnections()
	c.RecordRequest(200, time.Millisecond, 1, 1)
	c.RecordCacheHit()
	c.RecordAdmissionRejection()

	c.Reset()

	if c.GetConnectionsActive() != 0 {
		t.Error("connections active should be 0 after reset")
	}
	if c.GetTotalRequests() != 0 {
		t.Error("total requests should be 0 after reset")
	}
	if c.GetCacheHitRate() != 0 {
		t.Error("cache hit rate should be 0 after reset")
	}
	if c.AdmissionRejections.Load() != 0 {
		t.Error("admission rejections should be 0 after reset")
	}
}
