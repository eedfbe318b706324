// Package prommetrics exposes a corvid.Metrics snapshot as a
// prometheus.Collector, so cmd/corvidsim can serve /metrics to a Prometheus
// scraper the same way any other long-running Go service would.
package prommetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/corvid-os/corvid"
)

// Collector adapts *corvid.Metrics to prometheus.Collector. It reads the
// metrics' atomic counters on every Collect call rather than caching, since
// they are already safe for concurrent access and cheap to read.
type Collector struct {
	m *corvid.Metrics

	readyEvents  *prometheus.Desc
	blockEvents  *prometheus.Desc
	maxReady     *prometheus.Desc
	maxWait      *prometheus.Desc
	opLatencyNs  *prometheus.Desc
	opLatencyCnt *prometheus.Desc
}

// New wraps m for registration with a prometheus.Registry.
func New(m *corvid.Metrics) *Collector {
	return &Collector{
		m:            m,
		readyEvents:  prometheus.NewDesc("corvid_scheduler_ready_events_total", "Count of thread ready-list insertions.", nil, nil),
		blockEvents:  prometheus.NewDesc("corvid_scheduler_block_events_total", "Count of thread blocking transitions.", nil, nil),
		maxReady:     prometheus.NewDesc("corvid_scheduler_max_ready_depth", "Highest observed ready-list depth on any core.", nil, nil),
		maxWait:      prometheus.NewDesc("corvid_scheduler_max_wait_depth", "Highest observed waiter-list depth on any semaphore.", nil, nil),
		opLatencyNs:  prometheus.NewDesc("corvid_op_latency_nanoseconds_total", "Sum of recorded operation latencies, in nanoseconds.", nil, nil),
		opLatencyCnt: prometheus.NewDesc("corvid_op_latency_count", "Count of recorded operation latency samples.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.readyEvents
	ch <- c.blockEvents
	ch <- c.maxReady
	ch <- c.maxWait
	ch <- c.opLatencyNs
	ch <- c.opLatencyCnt
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.readyEvents, prometheus.CounterValue, float64(c.m.ReadyEvents.Load()))
	ch <- prometheus.MustNewConstMetric(c.blockEvents, prometheus.CounterValue, float64(c.m.BlockEvents.Load()))
	ch <- prometheus.MustNewConstMetric(c.maxReady, prometheus.GaugeValue, float64(c.m.MaxReadyDepth.Load()))
	ch <- prometheus.MustNewConstMetric(c.maxWait, prometheus.GaugeValue, float64(c.m.MaxWaitDepth.Load()))
	ch <- prometheus.MustNewConstMetric(c.opLatencyNs, prometheus.CounterValue, float64(c.m.OpLatencyTotalNs.Load()))
	ch <- prometheus.MustNewConstMetric(c.opLatencyCnt, prometheus.CounterValue, float64(c.m.OpLatencyCount.Load()))
}

var _ prometheus.Collector = (*Collector)(nil)
