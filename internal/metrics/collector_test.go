package metrics

import (
	"testing"
	"time"

	"github.com/agleyzer/abrsim/internal/abr"
	"github.com/agleyzer/abrsim/internal/monitor"
	"github.com/agleyzer/abrsim/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Report(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.Report(monitor.Report{
		SessionID: "s1",
		Latency: &telemetry.LatencyStats{
			Average: 20 * time.Millisecond,
			Min:     10 * time.Millisecond,
			Max:     30 * time.Millisecond,
		},
		RecentCount:  3,
		Jitter:       0.1,
		Failures:     2,
		QualityIndex: 1,
	})

	tests := []struct {
		name  string
		gauge *prometheus.GaugeVec
		want  float64
	}{
		{"average", c.averageLatency, 0.02},
		{"min", c.minLatency, 0.01},
		{"max", c.maxLatency, 0.03},
		{"jitter", c.jitter, 0.1},
		{"recent", c.recentSegments, 3},
		{"failures", c.failures, 2},
		{"quality", c.qualityIndex, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.gauge.WithLabelValues("s1")); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestCollector_ReportWithoutLatency(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.Report(monitor.Report{SessionID: "s1"})

	if n := testutil.CollectAndCount(c.averageLatency); n != 0 {
		t.Errorf("expected no latency series without data, got %d", n)
	}
}

func TestCollector_ObserveDecision(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.ObserveDecision(abr.Decision{SessionID: "s1", Direction: abr.Up, Index: 1, MaxBandwidth: 500})
	c.ObserveDecision(abr.Decision{SessionID: "s1", Direction: abr.Up, Index: 2, MaxBandwidth: 1000})
	c.ObserveDecision(abr.Decision{SessionID: "s1", Direction: abr.Hold, Index: 2, MaxBandwidth: 1000})

	if got := testutil.ToFloat64(c.decisions.WithLabelValues("up")); got != 2 {
		t.Errorf("up decisions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.decisions.WithLabelValues("hold")); got != 1 {
		t.Errorf("hold decisions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.maxBandwidth.WithLabelValues("s1")); got != 1000 {
		t.Errorf("max bandwidth = %v, want 1000", got)
	}
}

func TestCollector_Forget(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.ObserveDecision(abr.Decision{SessionID: "s1", Index: 1})
	c.ObserveDecision(abr.Decision{SessionID: "s2", Index: 0})

	c.Forget("s1")

	if n := testutil.CollectAndCount(c.qualityIndex); n != 1 {
		t.Errorf("expected 1 remaining quality series, got %d", n)
	}
}
