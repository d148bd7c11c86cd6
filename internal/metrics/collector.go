// Package metrics exports ABR decisions and segment statistics as Prometheus metrics.
package metrics

import (
	"github.com/agleyzer/abrsim/internal/abr"
	"github.com/agleyzer/abrsim/internal/monitor"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector is a monitor.Reporter and abr.DecisionObserver backed by Prometheus.
type Collector struct {
	// Per-session gauges, refreshed every monitor tick
	averageLatency *prometheus.GaugeVec
	minLatency     *prometheus.GaugeVec
	maxLatency     *prometheus.GaugeVec
	p95Latency     *prometheus.GaugeVec
	jitter         *prometheus.GaugeVec
	recentSegments *prometheus.GaugeVec
	throughput     *prometheus.GaugeVec
	failures       *prometheus.GaugeVec
	qualityIndex   *prometheus.GaugeVec
	maxBandwidth   *prometheus.GaugeVec

	// Counters
	decisions *prometheus.CounterVec
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	session := []string{"session"}

	c := &Collector{
		averageLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "abrsim_segment_latency_average_seconds",
			Help: "Average segment latency (download time plus time to first byte)",
		}, session),
		minLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "abrsim_segment_latency_min_seconds",
			Help: "Minimum segment latency",
		}, session),
		maxLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "abrsim_segment_latency_max_seconds",
			Help: "Maximum segment latency",
		}, session),
		p95Latency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "abrsim_segment_latency_p95_seconds",
			Help: "Estimated 95th percentile segment latency",
		}, session),
		jitter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "abrsim_segment_jitter_seconds",
			Help: "Standard deviation of segment delay",
		}, session),
		recentSegments: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "abrsim_segments_recent",
			Help: "Segments downloaded within the recent window",
		}, session),
		throughput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "abrsim_throughput_bits_per_second",
			Help: "Segment throughput over the recent window",
		}, session),
		failures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "abrsim_segment_failures",
			Help: "Retained failed segment responses (HTTP status >= 400)",
		}, session),
		qualityIndex: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "abrsim_quality_index",
			Help: "Current quality rank (0 = lowest bandwidth)",
		}, session),
		maxBandwidth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "abrsim_max_bandwidth_bits_per_second",
			Help: "Bandwidth restriction written by the engine",
		}, session),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abrsim_decisions_total",
			Help: "Quality decisions by direction",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		c.averageLatency,
		c.minLatency,
		c.maxLatency,
		c.p95Latency,
		c.jitter,
		c.recentSegments,
		c.throughput,
		c.failures,
		c.qualityIndex,
		c.maxBandwidth,
		c.decisions,
	)

	return c
}

// Report updates the per-session gauges from a monitor report.
func (c *Collector) Report(r monitor.Report) {
	s := r.SessionID

	if r.Latency != nil {
		c.averageLatency.WithLabelValues(s).Set(r.Latency.Average.Seconds())
		c.minLatency.WithLabelValues(s).Set(r.Latency.Min.Seconds())
		c.maxLatency.WithLabelValues(s).Set(r.Latency.Max.Seconds())
		c.p95Latency.WithLabelValues(s).Set(r.Latency.P95.Seconds())
	}
	c.jitter.WithLabelValues(s).Set(r.Jitter)
	c.recentSegments.WithLabelValues(s).Set(float64(r.RecentCount))
	c.throughput.WithLabelValues(s).Set(r.Throughput)
	c.failures.WithLabelValues(s).Set(float64(r.Failures))
	c.qualityIndex.WithLabelValues(s).Set(float64(r.QualityIndex))
}

// ObserveDecision counts the decision and tracks the bandwidth restriction.
func (c *Collector) ObserveDecision(d abr.Decision) {
	c.decisions.WithLabelValues(d.Direction.String()).Inc()
	c.qualityIndex.WithLabelValues(d.SessionID).Set(float64(d.Index))
	c.maxBandwidth.WithLabelValues(d.SessionID).Set(float64(d.MaxBandwidth))
}

// Forget drops the per-session series once a session ends.
func (c *Collector) Forget(sessionID string) {
	for _, g := range []*prometheus.GaugeVec{
		c.averageLatency, c.minLatency, c.maxLatency, c.p95Latency,
		c.jitter, c.recentSegments, c.throughput, c.failures,
		c.qualityIndex, c.maxBandwidth,
	} {
		g.DeleteLabelValues(sessionID)
	}
}
