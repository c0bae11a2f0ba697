package exporter

import (
	"sync"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"stack_exporter/internal/logger"
)

// threadAgg accumulates per-thread totals between scrapes.
type threadAgg struct {
	samples    int64
	exceptions int64
	wallNS     int64
	cpuNS      int64
}

// ThreadMetrics implements both Exporter and prometheus.Collector: it
// aggregates sample batches by thread name and exposes the totals as
// counters, created fresh on each scrape following the custom collector
// pattern. Cardinality is bounded by the number of distinct thread names.
type ThreadMetrics struct {
	mu      sync.RWMutex
	threads map[string]*threadAgg
	log     log.Logger
}

// NewThreadMetrics creates the per-thread aggregation collector.
func NewThreadMetrics() *ThreadMetrics {
	return &ThreadMetrics{
		threads: make(map[string]*threadAgg),
		log:     logger.NewLoggerWithContext("thread-metrics"),
	}
}

// Export implements Exporter.
func (c *ThreadMetrics) Export(batch Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range batch.Stacks {
		s := &batch.Stacks[i]
		agg := c.agg(s.ThreadName)
		agg.samples++
		agg.wallNS += s.WallTimeNS
		agg.cpuNS += s.CPUTimeNS
	}
	for i := range batch.Exceptions {
		agg := c.agg(batch.Exceptions[i].ThreadName)
		agg.exceptions++
	}
}

// agg returns the accumulator for a thread name. Caller holds the lock.
func (c *ThreadMetrics) agg(name string) *threadAgg {
	a, ok := c.threads[name]
	if !ok {
		a = &threadAgg{}
		c.threads[name] = a
	}
	return a
}

// Describe implements prometheus.Collector.
func (c *ThreadMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- samplesDesc
	ch <- exceptionsDesc
	ch <- wallDesc
	ch <- cpuDesc
}

var (
	samplesDesc = prometheus.NewDesc(
		"stack_thread_samples_total",
		"Total number of stack samples captured per thread.",
		[]string{"thread_name"}, nil,
	)
	exceptionsDesc = prometheus.NewDesc(
		"stack_thread_exception_samples_total",
		"Total number of exception samples captured per thread.",
		[]string{"thread_name"}, nil,
	)
	wallDesc = prometheus.NewDesc(
		"stack_thread_wall_seconds_total",
		"Total wall time attributed to a thread by the sampler.",
		[]string{"thread_name"}, nil,
	)
	cpuDesc = prometheus.NewDesc(
		"stack_thread_cpu_seconds_total",
		"Total CPU time attributed to a thread by the sampler.",
		[]string{"thread_name"}, nil,
	)
)

// Collect implements prometheus.Collector.
// It is called by Prometheus on each scrape and must create new metrics each
// time to avoid race conditions and ensure stale metrics are not exposed.
func (c *ThreadMetrics) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for name, agg := range c.threads {
		ch <- prometheus.MustNewConstMetric(
			samplesDesc, prometheus.CounterValue, float64(agg.samples), name)
		ch <- prometheus.MustNewConstMetric(
			exceptionsDesc, prometheus.CounterValue, float64(agg.exceptions), name)
		ch <- prometheus.MustNewConstMetric(
			wallDesc, prometheus.CounterValue, float64(agg.wallNS)/1e9, name)
		ch <- prometheus.MustNewConstMetric(
			cpuDesc, prometheus.CounterValue, float64(agg.cpuNS)/1e9, name)
	}
}
