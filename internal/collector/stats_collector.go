package collector

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsCollector implements prometheus.Collector for sampler self-telemetry.
// It reports on the health and cost of the sampling loop itself, not on the
// profiled threads; per-thread data is the exporter package's job.
type StatsCollector struct {
	collector *StackCollector

	passesDesc     *prometheus.Desc
	samplesDesc    *prometheus.Desc
	passErrorsDesc *prometheus.Desc
	lastPassDesc   *prometheus.Desc
	intervalDesc   *prometheus.Desc
	dutyCycleDesc  *prometheus.Desc
	cpuChargedDesc *prometheus.Desc
	featureDesc    *prometheus.Desc
}

// NewStatsCollector creates a stats collector for a stack collector.
func NewStatsCollector(c *StackCollector) *StatsCollector {
	return &StatsCollector{
		collector: c,

		passesDesc: prometheus.NewDesc(
			"stack_sampler_passes_total",
			"Total number of sampling passes executed.",
			nil, nil,
		),
		samplesDesc: prometheus.NewDesc(
			"stack_sampler_samples_total",
			"Total number of samples emitted, by event type.",
			[]string{"type"}, nil,
		),
		passErrorsDesc: prometheus.NewDesc(
			"stack_sampler_pass_errors_total",
			"Total number of sampling passes aborted by a symbolization error.",
			nil, nil,
		),
		lastPassDesc: prometheus.NewDesc(
			"stack_sampler_last_pass_duration_seconds",
			"Duration of the most recent sampling pass.",
			nil, nil,
		),
		intervalDesc: prometheus.NewDesc(
			"stack_sampler_interval_seconds",
			"Current adaptive sleep interval between sampling passes.",
			nil, nil,
		),
		dutyCycleDesc: prometheus.NewDesc(
			"stack_sampler_duty_cycle",
			"Fraction of wall time spent sampling: work / (work + sleep).",
			nil, nil,
		),
		cpuChargedDesc: prometheus.NewDesc(
			"stack_sampler_cpu_charged_seconds_total",
			"Total CPU time attributed to profiled threads.",
			nil, nil,
		),
		featureDesc: prometheus.NewDesc(
			"stack_sampler_feature",
			"Platform feature availability (1 = available).",
			[]string{"feature"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (sc *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.passesDesc
	ch <- sc.samplesDesc
	ch <- sc.passErrorsDesc
	ch <- sc.lastPassDesc
	ch <- sc.intervalDesc
	ch <- sc.dutyCycleDesc
	ch <- sc.cpuChargedDesc
	ch <- sc.featureDesc
}

// Collect implements prometheus.Collector.
// It is called by Prometheus on each scrape.
func (sc *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := sc.collector.Stats()

	ch <- prometheus.MustNewConstMetric(
		sc.passesDesc, prometheus.CounterValue, float64(stats.Passes))
	ch <- prometheus.MustNewConstMetric(
		sc.samplesDesc, prometheus.CounterValue, float64(stats.StackSamples), "stack")
	ch <- prometheus.MustNewConstMetric(
		sc.samplesDesc, prometheus.CounterValue, float64(stats.ExceptionSamples), "exception")
	ch <- prometheus.MustNewConstMetric(
		sc.passErrorsDesc, prometheus.CounterValue, float64(stats.WalkErrors))
	ch <- prometheus.MustNewConstMetric(
		sc.lastPassDesc, prometheus.GaugeValue, float64(stats.LastPassNS)/1e9)
	ch <- prometheus.MustNewConstMetric(
		sc.intervalDesc, prometheus.GaugeValue, float64(stats.CurrentIntervalNS)/1e9)
	ch <- prometheus.MustNewConstMetric(
		sc.dutyCycleDesc, prometheus.GaugeValue, stats.DutyCycle())
	ch <- prometheus.MustNewConstMetric(
		sc.cpuChargedDesc, prometheus.CounterValue, float64(stats.CPUChargedNS)/1e9)

	for feature, available := range sc.collector.Features() {
		v := 0.0
		if available {
			v = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			sc.featureDesc, prometheus.GaugeValue, v, feature)
	}
}
