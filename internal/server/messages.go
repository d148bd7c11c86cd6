package server

import (
	"encoding/json"
	"time"

	"github.com/agleyzer/abrsim/internal/monitor"
	"github.com/agleyzer/abrsim/internal/segment"
	"github.com/agleyzer/abrsim/internal/variant"
)

// Message types exchanged over a session websocket.
const (
	// host -> server
	TypeVariants  = "variants"
	TypeConfigure = "configure"
	TypeBuffer    = "buffer"
	TypeSegment   = "segment"
	TypeFailure   = "failure"
	TypeEnd       = "end"

	// server -> host
	TypeSwitch = "switch"
	TypeStats  = "stats"
	TypeError  = "error"
)

// Envelope wraps every message on the wire.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// VariantMessage describes one rendition.
type VariantMessage struct {
	Bandwidth  int    `json:"bandwidth"`
	Resolution string `json:"resolution,omitempty"`
	Codecs     string `json:"codecs,omitempty"`
	URI        string `json:"uri,omitempty"`
}

func toVariants(msgs []VariantMessage) []variant.Variant {
	variants := make([]variant.Variant, 0, len(msgs))
	for _, m := range msgs {
		variants = append(variants, variant.Variant{
			Bandwidth:   m.Bandwidth,
			Resolution:  m.Resolution,
			Codecs:      m.Codecs,
			PlaylistURL: m.URI,
		})
	}
	return variants
}

// ConfigureMessage updates the host-owned switch flags. Thresholds are
// changed only when both are set.
type ConfigureMessage struct {
	SafeMarginSwitch    bool    `json:"safeMarginSwitch"`
	ClearBufferSwitch   bool    `json:"clearBufferSwitch"`
	LowBufferThreshold  float64 `json:"lowBufferThreshold,omitempty"`
	HighBufferThreshold float64 `json:"highBufferThreshold,omitempty"`
}

// BufferMessage carries a buffer fullness sample in [0, 1].
type BufferMessage struct {
	Fullness float64 `json:"fullness"`
}

// SegmentMessage reports a completed segment download.
type SegmentMessage struct {
	ContentType       string  `json:"contentType"`
	DeltaTimeMs       float64 `json:"deltaTimeMs"`
	Bytes             int64   `json:"bytes"`
	AllowSwitch       bool    `json:"allowSwitch"`
	TimeToFirstByteMs float64 `json:"timeToFirstByteMs"`
	// RequestStartMs is the request start in Unix milliseconds; now if zero
	RequestStartMs int64 `json:"requestStartMs,omitempty"`
	// BufferFullness, when present, is evaluated instead of the last sample
	BufferFullness *float64 `json:"bufferFullness,omitempty"`
}

func (m SegmentMessage) request(now time.Time) segment.Request {
	start := now
	if m.RequestStartMs > 0 {
		start = time.UnixMilli(m.RequestStartMs)
	}
	return segment.Request{
		ContentType:     segment.ParseContentType(m.ContentType),
		TimeToFirstByte: msToDuration(m.TimeToFirstByteMs),
		RequestStart:    start,
	}
}

// FailureMessage reports a failed segment response.
type FailureMessage struct {
	URI    string `json:"uri"`
	Status int    `json:"status"`
}

// SwitchMessage tells the host which variant to play.
type SwitchMessage struct {
	VariantMessage
	SafeMarginSwitch  bool `json:"safeMarginSwitch"`
	ClearBufferSwitch bool `json:"clearBufferSwitch"`
}

// StatsMessage is the per-tick statistics summary.
type StatsMessage struct {
	RecentSegments    int      `json:"recentSegments"`
	AverageLatencyMs  *float64 `json:"averageLatencyMs,omitempty"`
	MinLatencyMs      *float64 `json:"minLatencyMs,omitempty"`
	MaxLatencyMs      *float64 `json:"maxLatencyMs,omitempty"`
	P95LatencyMs      *float64 `json:"p95LatencyMs,omitempty"`
	Jitter            float64  `json:"jitter"`
	CrossTrackDelayMs *float64 `json:"crossTrackDelayMs,omitempty"`
	Failures          int      `json:"failures"`
	Throughput        float64  `json:"throughput"`
	QualityIndex      int      `json:"qualityIndex"`
}

func newStatsMessage(r monitor.Report) StatsMessage {
	msg := StatsMessage{
		RecentSegments: r.RecentCount,
		Jitter:         r.Jitter,
		Failures:       r.Failures,
		Throughput:     r.Throughput,
		QualityIndex:   r.QualityIndex,
	}
	if r.Latency != nil {
		msg.AverageLatencyMs = durationToMs(r.Latency.Average)
		msg.MinLatencyMs = durationToMs(r.Latency.Min)
		msg.MaxLatencyMs = durationToMs(r.Latency.Max)
		msg.P95LatencyMs = durationToMs(r.Latency.P95)
	}
	if r.HasCrossTrack {
		msg.CrossTrackDelayMs = durationToMs(r.CrossTrackDelay)
	}
	return msg
}

// ErrorMessage reports a rejected inbound message.
type ErrorMessage struct {
	Message string `json:"message"`
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func durationToMs(d time.Duration) *float64 {
	ms := float64(d) / float64(time.Millisecond)
	return &ms
}

// encode builds an outbound envelope.
func encode(msgType string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Data: raw}, nil
}
