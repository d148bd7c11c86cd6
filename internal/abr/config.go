package abr

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agleyzer/abrsim/internal/monitor"
	"github.com/agleyzer/abrsim/internal/telemetry"
	"github.com/google/uuid"
)

const (
	DefaultLowBufferThreshold  = 0.3
	DefaultHighBufferThreshold = 0.8
)

// ErrInvalidThresholds is returned when the low threshold is not below the high one.
var ErrInvalidThresholds = errors.New("low buffer threshold must be below high buffer threshold")

// Restrictions caps what the host player may select.
type Restrictions struct {
	// MaxBandwidth is written by the engine on every quality step
	MaxBandwidth int
}

// Config is shared between the host and the engine.
//
// The host owns SafeMarginSwitch and ClearBufferSwitch. The engine is the
// only writer of Restrictions.MaxBandwidth and RestrictToScreenSize once the
// config has been passed to Configure; hosts should read those fields through
// Engine.Configuration.
type Config struct {
	SafeMarginSwitch     bool
	ClearBufferSwitch    bool
	Restrictions         Restrictions
	RestrictToScreenSize bool
}

// Options configures an Engine at construction.
type Options struct {
	// SessionID identifies the playback session; generated when empty
	SessionID string

	// Buffer thresholds as a fraction of buffer capacity.
	// Zero selects the defaults (0.3 and 0.8).
	LowBufferThreshold  float64
	HighBufferThreshold float64

	MonitorInterval time.Duration
	RecentWindow    time.Duration
	MaxRecords      int

	// BufferSource returns the host's current buffer fullness for
	// re-evaluations not driven by a sample (segment completion, monitor tick).
	// When nil the last sample passed to EvaluateBuffer is reused.
	BufferSource func() float64

	// Reporter receives the monitor's statistics reports.
	Reporter monitor.Reporter

	// Observers are notified of every decision, after the switch callback.
	Observers []DecisionObserver

	Logger *slog.Logger
	Clock  func() time.Time
}

// Validate checks the options and fills in defaults.
func (o *Options) Validate() error {
	if o.SessionID == "" {
		o.SessionID = uuid.NewString()
	}
	if o.LowBufferThreshold == 0 && o.HighBufferThreshold == 0 {
		o.LowBufferThreshold = DefaultLowBufferThreshold
		o.HighBufferThreshold = DefaultHighBufferThreshold
	}
	if o.LowBufferThreshold >= o.HighBufferThreshold {
		return fmt.Errorf("%w: low=%v high=%v", ErrInvalidThresholds, o.LowBufferThreshold, o.HighBufferThreshold)
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = monitor.DefaultInterval
	}
	if o.RecentWindow <= 0 {
		o.RecentWindow = monitor.DefaultRecentWindow
	}
	if o.MaxRecords <= 0 {
		o.MaxRecords = telemetry.DefaultMaxRecords
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return nil
}
