// Package diag exposes the core's §6 diagnostic surface (stats(),
// dump_leaks()) as Prometheus collectors, the way a hosted kernel would
// surface them to an external monitoring agent instead of a serial
// console. Grounded on the teacher's printStats() helper in
// bitmap_allocator.go (same fields, same call sites — PFA/KH/SCH stats()
// calls — just rendered through a registry instead of kfmt).
package diag

import (
	"github.com/prometheus/client_golang/prometheus"

	"nucleus/kernel/mem/kheap"
	"nucleus/kernel/mem/pmm/allocator"
	"nucleus/kernel/sched"
)

// pfaCollector adapts allocator.BitmapAllocator.Stats to Prometheus by
// recomputing the gauge set on every Collect, the way a Prometheus
// "direct" collector works for always-current sources. Most fields are
// already-maintained counters; the fragmentation figure comes from a scan
// of the whole bitmap on each Stats call.
type pfaCollector struct {
	pfa *allocator.BitmapAllocator

	requests      *prometheus.Desc
	failures      *prometheus.Desc
	cacheHitRate  *prometheus.Desc
	fragmentation *prometheus.Desc
	freeFrames    *prometheus.Desc
	totalFrames   *prometheus.Desc
}

func newPFACollector(pfa *allocator.BitmapAllocator) *pfaCollector {
	return &pfaCollector{
		pfa:           pfa,
		requests:      prometheus.NewDesc("kernel_pfa_requests_total", "Total Alloc calls with n > 0.", nil, nil),
		failures:      prometheus.NewDesc("kernel_pfa_failures_total", "Total Alloc calls with n > 0 that returned ErrOutOfMemory.", nil, nil),
		cacheHitRate:  prometheus.NewDesc("kernel_pfa_cache_hit_rate", "Fraction of single-frame allocs served from the hot cache.", nil, nil),
		fragmentation: prometheus.NewDesc("kernel_pfa_fragmentation", "Bitmap fragmentation estimate.", nil, nil),
		freeFrames:    prometheus.NewDesc("kernel_pfa_free_frames", "Frames not currently allocated.", nil, nil),
		totalFrames:   prometheus.NewDesc("kernel_pfa_total_frames", "Frames covered by the bitmap.", nil, nil),
	}
}

func (c *pfaCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.failures
	ch <- c.cacheHitRate
	ch <- c.fragmentation
	ch <- c.freeFrames
	ch <- c.totalFrames
}

func (c *pfaCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pfa.Stats()
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.Requests))
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(s.Failures))
	ch <- prometheus.MustNewConstMetric(c.cacheHitRate, prometheus.GaugeValue, s.CacheHitRate)
	ch <- prometheus.MustNewConstMetric(c.fragmentation, prometheus.GaugeValue, s.Fragmentation)
	ch <- prometheus.MustNewConstMetric(c.freeFrames, prometheus.GaugeValue, float64(s.FreeFrames))
	ch <- prometheus.MustNewConstMetric(c.totalFrames, prometheus.GaugeValue, float64(s.TotalFrames))
}

type kheapCollector struct {
	h *kheap.Heap

	totalAllocated *prometheus.Desc
	peak           *prometheus.Desc
	allocCount     *prometheus.Desc
	freeCount      *prometheus.Desc
	leakCount      *prometheus.Desc
}

func newKHeapCollector(h *kheap.Heap) *kheapCollector {
	return &kheapCollector{
		h:              h,
		totalAllocated: prometheus.NewDesc("kernel_kheap_bytes_outstanding", "Bytes currently allocated and not freed.", nil, nil),
		peak:           prometheus.NewDesc("kernel_kheap_bytes_peak", "High-water mark of bytes outstanding.", nil, nil),
		allocCount:     prometheus.NewDesc("kernel_kheap_allocs_total", "Total successful Alloc calls, AllocTracked included.", nil, nil),
		freeCount:      prometheus.NewDesc("kernel_kheap_frees_total", "Total Free calls that released a known allocation, FreeTracked included.", nil, nil),
		leakCount:      prometheus.NewDesc("kernel_kheap_tracked_leaks", "Tracked allocations not yet freed (dump_leaks length).", nil, nil),
	}
}

func (c *kheapCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalAllocated
	ch <- c.peak
	ch <- c.allocCount
	ch <- c.freeCount
	ch <- c.leakCount
}

func (c *kheapCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.h.Stats()
	ch <- prometheus.MustNewConstMetric(c.totalAllocated, prometheus.GaugeValue, float64(s.TotalAllocated))
	ch <- prometheus.MustNewConstMetric(c.peak, prometheus.GaugeValue, float64(s.Peak))
	ch <- prometheus.MustNewConstMetric(c.allocCount, prometheus.CounterValue, float64(s.AllocCount))
	ch <- prometheus.MustNewConstMetric(c.freeCount, prometheus.CounterValue, float64(s.FreeCount))
	ch <- prometheus.MustNewConstMetric(c.leakCount, prometheus.GaugeValue, float64(len(c.h.DumpLeaks())))
}

type schedCollector struct {
	s *sched.Scheduler

	globalTick      *prometheus.Desc
	contextSwitches *prometheus.Desc
	loadBalances    *prometheus.Desc
	cpuLoad         *prometheus.Desc
}

func newSchedCollector(s *sched.Scheduler) *schedCollector {
	return &schedCollector{
		s:               s,
		globalTick:      prometheus.NewDesc("kernel_sched_global_tick", "CPU 0's monotonic tick counter.", nil, nil),
		contextSwitches: prometheus.NewDesc("kernel_sched_context_switches_total", "Total schedule() calls that installed a different task.", nil, nil),
		loadBalances:    prometheus.NewDesc("kernel_sched_load_balances_total", "Total successful Balance() steals.", nil, nil),
		cpuLoad:         prometheus.NewDesc("kernel_sched_cpu_load", "Tasks queued plus running, per CPU.", []string{"cpu"}, nil),
	}
}

func (c *schedCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.globalTick
	ch <- c.contextSwitches
	ch <- c.loadBalances
	ch <- c.cpuLoad
}

func (c *schedCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.s.Stats()
	ch <- prometheus.MustNewConstMetric(c.globalTick, prometheus.CounterValue, float64(stats.GlobalTick))
	ch <- prometheus.MustNewConstMetric(c.contextSwitches, prometheus.CounterValue, float64(stats.ContextSwitches))
	ch <- prometheus.MustNewConstMetric(c.loadBalances, prometheus.CounterValue, float64(stats.LoadBalances))
	for i := 0; i < c.s.NumCPU(); i++ {
		ch <- prometheus.MustNewConstMetric(c.cpuLoad, prometheus.GaugeValue, float64(c.s.CPULoad(i)), itoa(i))
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

// Registry bundles the PFA/KH/SCH collectors behind one
// prometheus.Registry, the hosted replacement for the teacher's
// printStats() console dump (spec.md §6 "Diagnostics: stats(), dump_leaks()").
type Registry struct {
	*prometheus.Registry
}

// NewRegistry registers a collector for each wired subsystem and returns
// the assembled registry.
func NewRegistry(pfa *allocator.BitmapAllocator, h *kheap.Heap, s *sched.Scheduler) *Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(newPFACollector(pfa))
	r.MustRegister(newKHeapCollector(h))
	r.MustRegister(newSchedCollector(s))
	return &Registry{Registry: r}
}
