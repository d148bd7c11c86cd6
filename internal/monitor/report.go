package monitor

import (
	"log/slog"
	"time"

	"github.com/agleyzer/abrsim/internal/telemetry"
)

// Report is the per-tick statistics summary.
type Report struct {
	SessionID string
	Timestamp time.Time

	// Latency is nil when no segments have been recorded
	Latency *telemetry.LatencyStats

	// RecentCount is the number of segments within the recent window
	RecentCount int

	// Jitter is the delay standard deviation in seconds
	Jitter float64

	CrossTrackDelay time.Duration
	HasCrossTrack   bool

	Failures     int
	Throughput   float64 // bits per second over the recent window
	QualityIndex int
}

// Reporter receives a Report on every monitor tick.
type Reporter interface {
	Report(r Report)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(r Report)

// Report calls f(r).
func (f ReporterFunc) Report(r Report) { f(r) }

// MultiReporter fans a report out to several sinks in order.
type MultiReporter []Reporter

// Report forwards r to every non-nil reporter.
func (m MultiReporter) Report(r Report) {
	for _, rep := range m {
		if rep != nil {
			rep.Report(r)
		}
	}
}

// LogReporter writes reports to a structured logger.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a reporter that logs at debug level.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report logs the summary.
func (l *LogReporter) Report(r Report) {
	if r.Latency == nil {
		l.logger.Debug("segment statistics",
			"session", r.SessionID,
			"latency", "no data",
			"recent", r.RecentCount,
			"quality", r.QualityIndex,
		)
		return
	}

	l.logger.Debug("segment statistics",
		"session", r.SessionID,
		"averageLatency", r.Latency.Average,
		"minLatency", r.Latency.Min,
		"maxLatency", r.Latency.Max,
		"p95Latency", r.Latency.P95,
		"jitter", r.Jitter,
		"recent", r.RecentCount,
		"failures", r.Failures,
		"quality", r.QualityIndex,
	)
}
