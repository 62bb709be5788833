package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall system performance: API traffic and
// latency, database latency, order lifecycle counts, and lost races.
type SystemMetrics struct {
	mu sync.RWMutex

	APILatency *LatencyHistogram
	DBLatency  *LatencyHistogram

	apiRequests     uint64
	apiErrors       uint64
	ordersFilled    uint64
	ordersRejected  uint64
	ordersCancelled uint64
	raceLosses      uint64

	lastUpdate time.Time
}

// LatencyHistogram tracks latency samples with a sliding window and
// lazily recomputes aggregate stats only when new samples arrive.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		APILatency: NewLatencyHistogram(2000),
		DBLatency:  NewLatencyHistogram(2000),
		lastUpdate: time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
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
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99, recomputing only if the
// window changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
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

func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

func (m *SystemMetrics) IncrementOrdersFilled() {
	atomic.AddUint64(&m.ordersFilled, 1)
}

func (m *SystemMetrics) IncrementOrdersRejected() {
	atomic.AddUint64(&m.ordersRejected, 1)
}

func (m *SystemMetrics) IncrementOrdersCancelled() {
	atomic.AddUint64(&m.ordersCancelled, 1)
}

func (m *SystemMetrics) IncrementRaceLoss() {
	atomic.AddUint64(&m.raceLosses, 1)
}

// MetricsSnapshot is a point-in-time view suitable for JSON exposure.
type MetricsSnapshot struct {
	APILatency      LatencyStats `json:"api_latency"`
	DBLatency       LatencyStats `json:"db_latency"`
	APIRequests     uint64       `json:"api_requests"`
	APIErrors       uint64       `json:"api_errors"`
	OrdersFilled    uint64       `json:"orders_filled"`
	OrdersRejected  uint64       `json:"orders_rejected"`
	OrdersCancelled uint64       `json:"orders_cancelled"`
	RaceLosses      uint64       `json:"race_losses"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	HeapSys         uint64       `json:"heap_sys_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		APILatency:      m.APILatency.Stats(),
		DBLatency:       m.DBLatency.Stats(),
		APIRequests:     atomic.LoadUint64(&m.apiRequests),
		APIErrors:       atomic.LoadUint64(&m.apiErrors),
		OrdersFilled:    atomic.LoadUint64(&m.ordersFilled),
		OrdersRejected:  atomic.LoadUint64(&m.ordersRejected),
		OrdersCancelled: atomic.LoadUint64(&m.ordersCancelled),
		RaceLosses:      atomic.LoadUint64(&m.raceLosses),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		HeapSys:         memStats.HeapSys,
		Timestamp:       time.Now(),
	}
}

// Timer helps measure operation duration against a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time to the histogram and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
