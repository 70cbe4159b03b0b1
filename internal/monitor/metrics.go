package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks execution and command-loop performance. All methods
// are safe on a nil receiver so components can run without metrics.
type SystemMetrics struct {
	OrderLatency   *LatencyHistogram // place + confirm, per leg
	CommandLatency *LatencyHistogram // dispatcher handler time
	DBLatency      *LatencyHistogram
	APILatency     *LatencyHistogram

	ordersTotal   uint64
	ordersFailed  uint64
	commandsTotal uint64
	errorsCount   uint64
	ticks         uint64
	squareOffs    uint64
	apiRequests   uint64
	apiErrors     uint64

	mu       sync.RWMutex
	outcomes map[string]uint64
	prom     *Prom
}

// LatencyHistogram tracks latency samples in a sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a metrics instance. prom may be nil.
func NewSystemMetrics(prom *Prom) *SystemMetrics {
	return &SystemMetrics{
		OrderLatency:   NewLatencyHistogram(1000),
		CommandLatency: NewLatencyHistogram(1000),
		DBLatency:      NewLatencyHistogram(1000),
		APILatency:     NewLatencyHistogram(1000),
		outcomes:       make(map[string]uint64),
		prom:           prom,
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

// RecordDuration converts d to ms and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
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
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
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

// ObserveOrder records one terminal order leg.
func (m *SystemMetrics) ObserveOrder(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ordersTotal, 1)
	if outcome != "SUCCESS" {
		atomic.AddUint64(&m.ordersFailed, 1)
	}
	m.OrderLatency.RecordDuration(elapsed)
	m.mu.Lock()
	m.outcomes[outcome]++
	m.mu.Unlock()
	m.prom.order(outcome, elapsed)
}

// ObserveCommand records one dispatched command.
func (m *SystemMetrics) ObserveCommand(name string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.commandsTotal, 1)
	if err != nil {
		atomic.AddUint64(&m.errorsCount, 1)
	}
	m.CommandLatency.RecordDuration(elapsed)
	m.prom.command(name, elapsed, err)
}

// ObserveSquareOff records a square-off attempt by trigger.
func (m *SystemMetrics) ObserveSquareOff(trigger string, ok bool) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.squareOffs, 1)
	m.prom.squareOff(trigger, ok)
}

// ObserveHTTP records one served API request.
func (m *SystemMetrics) ObserveHTTP(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.apiRequests, 1)
	if status >= 400 {
		atomic.AddUint64(&m.apiErrors, 1)
	}
	m.APILatency.RecordDuration(elapsed)
	m.prom.http(route, status, elapsed)
}

// IncrementTicks counts market ticks consumed.
func (m *SystemMetrics) IncrementTicks() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ticks, 1)
}

// IncrementErrors counts unexpected errors.
func (m *SystemMetrics) IncrementErrors() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.errorsCount, 1)
}

// SetPnL publishes the latest intraday P&L and open quantity.
func (m *SystemMetrics) SetPnL(pnl float64, openQty int) {
	if m == nil {
		return
	}
	m.prom.position(pnl, openQty)
}

// SetBrokerConnected publishes TradingAPI connectivity.
func (m *SystemMetrics) SetBrokerConnected(ok bool) {
	if m == nil {
		return
	}
	m.prom.connected(ok)
}

// MetricsSnapshot is a point-in-time view for GET_SYSTEM_STATUS.
type MetricsSnapshot struct {
	OrderLatency   LatencyStats      `json:"order_latency"`
	CommandLatency LatencyStats      `json:"command_latency"`
	DBLatency      LatencyStats      `json:"db_latency"`
	APILatency     LatencyStats      `json:"api_latency"`
	OrdersTotal    uint64            `json:"orders_total"`
	OrdersFailed   uint64            `json:"orders_failed"`
	Outcomes       map[string]uint64 `json:"outcomes"`
	CommandsTotal  uint64            `json:"commands_total"`
	ErrorsCount    uint64            `json:"errors_count"`
	Ticks          uint64            `json:"ticks"`
	SquareOffs     uint64            `json:"square_offs"`
	APIRequests    uint64            `json:"api_requests"`
	APIErrors      uint64            `json:"api_errors"`
	GoroutineCount int               `json:"goroutine_count"`
	HeapAlloc      uint64            `json:"heap_alloc_bytes"`
	Timestamp      time.Time         `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{Timestamp: time.Now()}
	}
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	outcomes := make(map[string]uint64, len(m.outcomes))
	for k, v := range m.outcomes {
		outcomes[k] = v
	}
	m.mu.RUnlock()

	return MetricsSnapshot{
		OrderLatency:   m.OrderLatency.Stats(),
		CommandLatency: m.CommandLatency.Stats(),
		DBLatency:      m.DBLatency.Stats(),
		APILatency:     m.APILatency.Stats(),
		OrdersTotal:    atomic.LoadUint64(&m.ordersTotal),
		OrdersFailed:   atomic.LoadUint64(&m.ordersFailed),
		Outcomes:       outcomes,
		CommandsTotal:  atomic.LoadUint64(&m.commandsTotal),
		ErrorsCount:    atomic.LoadUint64(&m.errorsCount),
		Ticks:          atomic.LoadUint64(&m.ticks),
		SquareOffs:     atomic.LoadUint64(&m.squareOffs),
		APIRequests:    atomic.LoadUint64(&m.apiRequests),
		APIErrors:      atomic.LoadUint64(&m.apiErrors),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		Timestamp:      time.Now(),
	}
}

// Timer measures an operation and records it on Stop.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to h.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time to the histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
