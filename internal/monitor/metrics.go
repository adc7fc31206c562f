package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks counters and latencies for the execution core.
type SystemMetrics struct {
	// Latency histograms
	OrderLatency     *LatencyHistogram
	ReconcileLatency *LatencyHistogram
	APILatency       *LatencyHistogram

	// Counters
	signalsReceived uint64
	signalsIgnored  uint64
	ordersSubmitted uint64
	ordersFilled    uint64
	ordersFailed    uint64
	reconcileRuns   uint64
	driftAlerts     uint64
	apiRequests     uint64
	apiErrors       uint64
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		OrderLatency:     NewLatencyHistogram(1000),
		ReconcileLatency: NewLatencyHistogram(200),
		APILatency:       NewLatencyHistogram(1000),
	}
}

// LatencyHistogram tracks latency samples within a sliding window.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	maxSize int
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Stats returns min, max, avg, p50, p95, p99 for the current window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[min(int(float64(n)*0.95), n-1)],
		P99:   sorted[min(int(float64(n)*0.99), n-1)],
		Count: n,
	}
}

func (m *SystemMetrics) IncrementSignals()      { atomic.AddUint64(&m.signalsReceived, 1) }
func (m *SystemMetrics) IncrementIgnored()      { atomic.AddUint64(&m.signalsIgnored, 1) }
func (m *SystemMetrics) IncrementOrders()       { atomic.AddUint64(&m.ordersSubmitted, 1) }
func (m *SystemMetrics) IncrementFills()        { atomic.AddUint64(&m.ordersFilled, 1) }
func (m *SystemMetrics) IncrementOrderFailed()  { atomic.AddUint64(&m.ordersFailed, 1) }
func (m *SystemMetrics) IncrementReconciles()   { atomic.AddUint64(&m.reconcileRuns, 1) }
func (m *SystemMetrics) IncrementDriftAlerts()  { atomic.AddUint64(&m.driftAlerts, 1) }
func (m *SystemMetrics) IncrementAPI()          { atomic.AddUint64(&m.apiRequests, 1) }
func (m *SystemMetrics) IncrementAPIErrors()    { atomic.AddUint64(&m.apiErrors, 1) }

// MetricsSnapshot is a point-in-time view exposed over the API.
type MetricsSnapshot struct {
	OrderLatency     LatencyStats `json:"order_latency"`
	ReconcileLatency LatencyStats `json:"reconcile_latency"`
	APILatency       LatencyStats `json:"api_latency"`
	SignalsReceived  uint64       `json:"signals_received"`
	SignalsIgnored   uint64       `json:"signals_ignored"`
	OrdersSubmitted  uint64       `json:"orders_submitted"`
	OrdersFilled     uint64       `json:"orders_filled"`
	OrdersFailed     uint64       `json:"orders_failed"`
	ReconcileRuns    uint64       `json:"reconcile_runs"`
	DriftAlerts      uint64       `json:"drift_alerts"`
	APIRequests      uint64       `json:"api_requests"`
	APIErrors        uint64       `json:"api_errors"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		OrderLatency:     m.OrderLatency.Stats(),
		ReconcileLatency: m.ReconcileLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		SignalsReceived:  atomic.LoadUint64(&m.signalsReceived),
		SignalsIgnored:   atomic.LoadUint64(&m.signalsIgnored),
		OrdersSubmitted:  atomic.LoadUint64(&m.ordersSubmitted),
		OrdersFilled:     atomic.LoadUint64(&m.ordersFilled),
		OrdersFailed:     atomic.LoadUint64(&m.ordersFailed),
		ReconcileRuns:    atomic.LoadUint64(&m.reconcileRuns),
		DriftAlerts:      atomic.LoadUint64(&m.driftAlerts),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		Timestamp:        time.Now(),
	}
}
