// Package telemetry records segment download events and derives latency statistics.
package telemetry

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/agleyzer/abrsim/internal/segment"
	"github.com/influxdata/tdigest"
)

// DefaultMaxRecords bounds how many segment and failure records are retained.
const DefaultMaxRecords = 8192

// Record is a single downloaded segment.
type Record struct {
	ContentType segment.ContentType
	Timestamp   time.Time
	// Latency is the download time plus time-to-first-byte
	Latency time.Duration
	// Delay is the wall-clock time since request start plus time-to-first-byte
	Delay time.Duration
	Bytes int64
}

// FailedRecord is a segment response with an HTTP error status.
type FailedRecord struct {
	URI        string
	Timestamp  time.Time
	StatusCode int
}

// LatencyStats summarizes recorded segment latencies.
type LatencyStats struct {
	Average time.Duration
	Min     time.Duration
	Max     time.Duration
	// P95 is a t-digest estimate of the 95th percentile
	P95   time.Duration
	Count int
}

// Store is an append-only, bounded record of segment telemetry.
// It is safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	records    []Record
	failures   []FailedRecord
	maxRecords int
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a store retaining at most maxRecords entries of each kind.
// A non-positive maxRecords selects DefaultMaxRecords.
func New(maxRecords int, logger *slog.Logger) *Store {
	return NewWithClock(maxRecords, logger, time.Now)
}

// NewWithClock creates a store with an injected clock (for testing).
func NewWithClock(maxRecords int, logger *slog.Logger, now func() time.Time) *Store {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		maxRecords: maxRecords,
		now:        now,
		logger:     logger,
	}
}

// RecordDownload appends a record for a completed segment download.
func (s *Store) RecordDownload(deltaTime time.Duration, bytes int64, req segment.Request) {
	now := s.now()
	rec := Record{
		ContentType: req.ContentType,
		Timestamp:   now,
		Latency:     deltaTime + req.TimeToFirstByte,
		Delay:       now.Sub(req.RequestStart) + req.TimeToFirstByte,
		Bytes:       bytes,
	}

	s.mu.Lock()
	s.records = appendBounded(s.records, rec, s.maxRecords)
	s.mu.Unlock()

	s.logger.Debug("segment downloaded",
		"contentType", rec.ContentType,
		"latency", rec.Latency,
		"delay", rec.Delay,
		"bytes", bytes,
	)
}

// RecordFailure appends a failure when statusCode is an HTTP error (>= 400).
// It reports whether the failure was recorded.
func (s *Store) RecordFailure(uri string, statusCode int) bool {
	if statusCode < 400 {
		return false
	}

	rec := FailedRecord{URI: uri, Timestamp: s.now(), StatusCode: statusCode}

	s.mu.Lock()
	s.failures = appendBounded(s.failures, rec, s.maxRecords)
	s.mu.Unlock()

	s.logger.Warn("segment request failed", "uri", uri, "status", statusCode)
	return true
}

// LatencyStatistics returns latency statistics over all retained records.
// The boolean is false when nothing has been recorded.
func (s *Store) LatencyStatistics() (LatencyStats, bool) {
	records := s.Records()
	if len(records) == 0 {
		return LatencyStats{}, false
	}

	td := tdigest.NewWithCompression(100)
	var sum time.Duration
	stats := LatencyStats{
		Min:   records[0].Latency,
		Max:   records[0].Latency,
		Count: len(records),
	}
	for _, r := range records {
		sum += r.Latency
		if r.Latency < stats.Min {
			stats.Min = r.Latency
		}
		if r.Latency > stats.Max {
			stats.Max = r.Latency
		}
		td.Add(float64(r.Latency), 1)
	}
	stats.Average = sum / time.Duration(len(records))
	stats.P95 = time.Duration(td.Quantile(0.95))

	return stats, true
}

// Jitter returns the sample standard deviation of segment delays in seconds.
// The deviation is rounded to whole milliseconds before conversion.
func (s *Store) Jitter() float64 {
	records := s.Records()
	if len(records) < 2 {
		return 0
	}

	delays := make([]float64, len(records))
	var mean float64
	for i, r := range records {
		delays[i] = float64(r.Delay) / float64(time.Millisecond)
		mean += delays[i]
	}
	mean /= float64(len(delays))

	var sq float64
	for _, d := range delays {
		sq += (d - mean) * (d - mean)
	}
	stddev := math.Sqrt(sq / float64(len(delays)-1))

	return math.Round(stddev) / 1000
}

// CrossTrackDelay returns the distance between the last-seen video and
// last-seen audio record timestamps. The boolean is false if either track
// type has not been observed.
func (s *Store) CrossTrackDelay() (time.Duration, bool) {
	records := s.Records()

	var video, audio time.Time
	var haveVideo, haveAudio bool
	for _, r := range records {
		switch r.ContentType {
		case segment.Video:
			video, haveVideo = r.Timestamp, true
		case segment.Audio:
			audio, haveAudio = r.Timestamp, true
		}
	}

	if !haveVideo || !haveAudio {
		return 0, false
	}

	d := video.Sub(audio)
	if d < 0 {
		d = -d
	}
	return d, true
}

// RecentCount returns the number of records within window of now.
func (s *Store) RecentCount(window time.Duration) int {
	now := s.now()
	count := 0
	for _, r := range s.Records() {
		if now.Sub(r.Timestamp) <= window {
			count++
		}
	}
	return count
}

// Throughput returns the bits per second delivered by records within window of now.
func (s *Store) Throughput(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}

	now := s.now()
	var bytes int64
	for _, r := range s.Records() {
		if now.Sub(r.Timestamp) <= window {
			bytes += r.Bytes
		}
	}
	return float64(bytes*8) / window.Seconds()
}

// Records returns a snapshot of the retained segment records in arrival order.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Failures returns a snapshot of the retained failure records.
func (s *Store) Failures() []FailedRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]FailedRecord, len(s.failures))
	copy(out, s.failures)
	return out
}

// FailureCount returns the number of retained failure records.
func (s *Store) FailureCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.failures)
}

// Reset discards all records.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = nil
	s.failures = nil
}

// appendBounded appends v, evicting the oldest entry once max is reached.
func appendBounded[T any](items []T, v T, max int) []T {
	if len(items) >= max {
		items = items[len(items)-max+1:]
	}
	return append(items, v)
}
