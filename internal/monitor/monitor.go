// Package monitor periodically re-evaluates playback quality and reports segment statistics.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/agleyzer/abrsim/internal/telemetry"
)

const (
	// DefaultInterval is the cadence of the buffer/statistics loop.
	DefaultInterval = 1000 * time.Millisecond
	// DefaultRecentWindow is the look-back used for the recent segment count.
	DefaultRecentWindow = 5000 * time.Millisecond
)

// ErrSkipped is returned, possibly wrapped, by an Evaluator that had
// nothing to decide on this tick.
var ErrSkipped = errors.New("evaluation skipped")

// Source provides the telemetry summarized on each tick.
type Source interface {
	LatencyStatistics() (telemetry.LatencyStats, bool)
	Jitter() float64
	CrossTrackDelay() (time.Duration, bool)
	RecentCount(window time.Duration) int
	Throughput(window time.Duration) float64
	FailureCount() int
}

// Evaluator re-runs the quality decision with the latest buffer sample.
type Evaluator interface {
	Reevaluate() error
	QualityIndex() int
}

// Config holds the monitor cadence.
type Config struct {
	SessionID    string
	Interval     time.Duration
	RecentWindow time.Duration
}

// Monitor drives the periodic evaluation and reporting loop.
type Monitor struct {
	config    Config
	source    Source
	evaluator Evaluator
	reporter  Reporter
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a monitor. Zero durations in config select the defaults.
func New(config Config, source Source, evaluator Evaluator, reporter Reporter, logger *slog.Logger) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.RecentWindow <= 0 {
		config.RecentWindow = DefaultRecentWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = NewLogReporter(logger)
	}
	return &Monitor{
		config:    config,
		source:    source,
		evaluator: evaluator,
		reporter:  reporter,
		logger:    logger,
		now:       time.Now,
	}
}

// Run ticks until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("starting monitor",
		"session", m.config.SessionID,
		"interval", m.config.Interval,
		"recentWindow", m.config.RecentWindow,
	)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("stopping monitor", "session", m.config.SessionID)
			return
		case <-ticker.C:
			// Stop may race with a tick that was already delivered.
			if ctx.Err() != nil {
				return
			}
			m.Tick()
		}
	}
}

// Tick performs one evaluation and reports the resulting summary.
func (m *Monitor) Tick() Report {
	recent := m.source.RecentCount(m.config.RecentWindow)

	if m.evaluator != nil {
		switch err := m.evaluator.Reevaluate(); {
		case err == nil:
		case errors.Is(err, ErrSkipped):
			m.logger.Debug("periodic evaluation skipped", "session", m.config.SessionID, "reason", err)
		default:
			m.logger.Warn("periodic evaluation failed", "session", m.config.SessionID, "error", err)
		}
	}

	report := Report{
		SessionID:   m.config.SessionID,
		Timestamp:   m.now(),
		RecentCount: recent,
		Jitter:      m.source.Jitter(),
		Failures:    m.source.FailureCount(),
		Throughput:  m.source.Throughput(m.config.RecentWindow),
	}
	if stats, ok := m.source.LatencyStatistics(); ok {
		report.Latency = &stats
	}
	report.CrossTrackDelay, report.HasCrossTrack = m.source.CrossTrackDelay()
	if m.evaluator != nil {
		report.QualityIndex = m.evaluator.QualityIndex()
	}

	m.reporter.Report(report)
	return report
}
