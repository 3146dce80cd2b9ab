// Package metrics defines the Prometheus collectors for the VSOA runtime,
// grounded on the teacher's metrics.go (package-level collector set plus a
// periodic MetricsCollector goroutine), adapted from websocket-connection
// metrics to VSOA client/RPC/publish/regulator metrics. Unlike the teacher,
// collectors are built per-Registry instead of registered against the global
// default registry, so a daemon (or a test) can own its own Registry.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metrics is the full set of collectors the runtime publishes.
type Metrics struct {
	ClientsTotal      prometheus.Counter
	ClientsActive     prometheus.Gauge
	ClientsRejected   prometheus.Counter
	AuthFailures      prometheus.Counter

	RPCCallsTotal    prometheus.CounterVec
	RPCDuration      prometheus.HistogramVec
	PublishesTotal   prometheus.Counter
	PublishFanout    prometheus.Histogram
	DatagramsTotal   prometheus.Counter

	SenderDropped       prometheus.Counter
	SenderQueueDepth    prometheus.Gauge
	PlistenerQueueDepth prometheus.Gauge

	RegulatorDrops    prometheus.CounterVec
	RegulatorSlots    prometheus.Gauge

	PoolOutstandingBytes prometheus.Gauge
	PoolAllocFailures    prometheus.Counter

	GoroutinesActive prometheus.Gauge
	MemoryBytes      prometheus.Gauge

	HostCPUPercent  prometheus.Gauge
	HostMemoryBytes prometheus.Gauge
}

// New builds a Metrics set and registers every collector against reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		ClientsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vsoa_clients_total", Help: "Total clients accepted since startup.",
		}),
		ClientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vsoa_clients_active", Help: "Currently connected clients.",
		}),
		ClientsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vsoa_clients_rejected_total", Help: "Connections rejected before handshake completed.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vsoa_auth_failures_total", Help: "SERVINFO handshakes rejected for bad password.",
		}),
		RPCCallsTotal: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vsoa_rpc_calls_total", Help: "RPC calls by route and status.",
		}, []string{"url", "status"}),
		RPCDuration: *prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vsoa_rpc_duration_seconds",
			Help:    "RPC handler latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"url"}),
		PublishesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vsoa_publishes_total", Help: "Publish calls made by servers.",
		}),
		PublishFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vsoa_publish_fanout",
			Help:    "Number of subscribers a publish reached.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		DatagramsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vsoa_datagrams_total", Help: "Quick-channel datagram frames handled.",
		}),
		SenderDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vsoa_sender_dropped_total", Help: "Writes abandoned by the parallel sender after exhausting retries.",
		}),
		SenderQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vsoa_sender_queue_depth", Help: "Sum of queued jobs across parallel sender workers.",
		}),
		PlistenerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vsoa_plistener_queue_depth", Help: "Sum of queued tasks across RPC dispatch lanes.",
		}),
		RegulatorDrops: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vsoa_regulator_rejections_total", Help: "Speed regulator updates rejected, by reason.",
		}, []string{"reason"}),
		RegulatorSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vsoa_regulator_slots", Help: "Currently registered speed-regulator slots.",
		}),
		PoolOutstandingBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vsoa_pool_outstanding_bytes", Help: "Packet memory pool bytes currently checked out.",
		}),
		PoolAllocFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vsoa_pool_alloc_failures_total", Help: "Packet memory pool allocations rejected (budget or size).",
		}),
		GoroutinesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vsoa_goroutines_active", Help: "Current goroutine count.",
		}),
		MemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vsoa_memory_bytes", Help: "Current heap allocation, from runtime.MemStats.",
		}),
		HostCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vsoa_host_cpu_percent", Help: "Host/cgroup CPU utilization percent, from gopsutil.",
		}),
		HostMemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vsoa_host_memory_used_bytes", Help: "Host/cgroup memory in use, from gopsutil.",
		}),
	}
	reg.MustRegister(
		m.ClientsTotal, m.ClientsActive, m.ClientsRejected, m.AuthFailures,
		&m.RPCCallsTotal, &m.RPCDuration, m.PublishesTotal, m.PublishFanout, m.DatagramsTotal,
		m.SenderDropped, m.SenderQueueDepth, m.PlistenerQueueDepth,
		&m.RegulatorDrops, m.RegulatorSlots,
		m.PoolOutstandingBytes, m.PoolAllocFailures,
		m.GoroutinesActive, m.MemoryBytes,
		m.HostCPUPercent, m.HostMemoryBytes,
	)
	return m
}

// Handler returns the HTTP handler that serves reg's metrics in the
// Prometheus text exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Collector periodically samples process-wide gauges (goroutines, heap) that
// have no natural call site to update them from.
type Collector struct {
	m        *Metrics
	interval time.Duration
	stop     chan struct{}
}

// NewCollector builds a Collector sampling every interval.
func NewCollector(m *Metrics, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{m: m, interval: interval, stop: make(chan struct{})}
}

// Start launches the periodic sampling goroutine.
func (c *Collector) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sample()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts the sampling goroutine.
func (c *Collector) Stop() { close(c.stop) }

func (c *Collector) sample() {
	c.m.GoroutinesActive.Set(float64(runtime.NumGoroutine()))
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	c.m.MemoryBytes.Set(float64(memStats.Alloc))

	// Host-level figures answer a different question than the runtime stats
	// above: container/host resource pressure rather than this process's own
	// allocator state. Sampling failures (e.g. no /proc on the host) just
	// leave the gauges at their last known value.
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		c.m.HostCPUPercent.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		c.m.HostMemoryBytes.Set(float64(vm.Used))
	}
}
