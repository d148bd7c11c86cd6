// Package abr implements the buffer-driven adaptive bitrate decision engine.
package abr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/agleyzer/abrsim/internal/monitor"
	"github.com/agleyzer/abrsim/internal/segment"
	"github.com/agleyzer/abrsim/internal/telemetry"
	"github.com/agleyzer/abrsim/internal/variant"
)

var (
	// ErrNotConfigured is returned when a decision is requested before Configure.
	ErrNotConfigured = errors.New("engine not configured")
	// ErrNoSwitchCallback is returned when a decision is made with no switch callback registered.
	ErrNoSwitchCallback = errors.New("switch callback not registered")
	// ErrStopped is returned by operations on a stopped engine.
	ErrStopped = errors.New("engine stopped")
	// ErrNoBufferSample is returned by Reevaluate before the host has
	// reported any buffer fullness.
	ErrNoBufferSample = fmt.Errorf("no buffer sample received: %w", monitor.ErrSkipped)
	// ErrInvariant signals an internal quality index breach.
	ErrInvariant = errors.New("quality index invariant violated")
)

// SwitchFunc is invoked with the chosen variant on every decision.
type SwitchFunc func(v variant.Variant, safeMarginSwitch, clearBufferSwitch bool)

// DecisionObserver is notified of every decision the engine makes.
type DecisionObserver interface {
	ObserveDecision(d Decision)
}

// Direction is the quality step taken by a decision.
type Direction int

const (
	Hold Direction = iota
	Up
	Down
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "hold"
	}
}

// Decision is the outcome of a single buffer evaluation.
type Decision struct {
	SessionID     string
	Variant       variant.Variant
	Index         int
	PreviousIndex int
	Direction     Direction
	BufferLevel   float64

	SafeMarginSwitch     bool
	ClearBufferSwitch    bool
	MaxBandwidth         int
	RestrictToScreenSize bool

	Timestamp time.Time
}

// QualityState is a snapshot of the engine's decision state.
type QualityState struct {
	Index               int
	BufferLevel         float64
	LowBufferThreshold  float64
	HighBufferThreshold float64
	CatalogSize         int
}

// Engine selects a quality variant from buffer-fullness samples.
//
// All quality-state mutation and callback emission is serialized by a single
// mutex, so the reactive path (segment completion) and the periodic monitor
// can never double-step. Callbacks run with that mutex held and must not call
// back into the Engine.
type Engine struct {
	mu          sync.Mutex
	opts        Options
	catalog     *variant.Catalog
	store       *telemetry.Store
	config      *Config
	switchFn    SwitchFunc
	observers   []DecisionObserver
	index       int
	bufferLevel float64
	haveSample  bool
	stopped     bool

	// runMu guards the monitor lifecycle
	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	logger *slog.Logger
}

// New creates an engine for one playback session.
func New(opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	logger := opts.Logger.With("session", opts.SessionID)

	return &Engine{
		opts:      opts,
		catalog:   variant.NewCatalog(nil),
		store:     telemetry.NewWithClock(opts.MaxRecords, logger, opts.Clock),
		observers: append([]DecisionObserver(nil), opts.Observers...),
		logger:    logger,
	}, nil
}

// SessionID returns the playback session identifier.
func (e *Engine) SessionID() string {
	return e.opts.SessionID
}

// Telemetry returns the engine's telemetry store.
func (e *Engine) Telemetry() *telemetry.Store {
	return e.store
}

// Configure registers the shared configuration.
func (e *Engine) Configure(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configure: nil config")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrStopped
	}
	e.config = cfg
	return nil
}

// Configuration returns a copy of the shared configuration.
// The boolean is false if Configure has not been called.
func (e *Engine) Configuration() (Config, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config == nil {
		return Config{}, false
	}
	return *e.config, true
}

// SetSwitchCallback registers the function that receives decisions.
func (e *Engine) SetSwitchCallback(fn SwitchFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.switchFn = fn
}

// AddObserver registers an additional decision observer.
func (e *Engine) AddObserver(o DecisionObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// SetVariants replaces the variant catalog. The current quality index is
// clamped into the new catalog's range.
func (e *Engine) SetVariants(variants []variant.Variant) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.catalog.Set(variants)
	if last := e.catalog.MaxIndex(); e.index > last {
		e.index = last
	}
	if e.index < 0 {
		e.index = 0
	}

	e.logger.Info("variants updated", "count", len(variants), "index", e.index)
}

// Variants returns the ranked catalog.
func (e *Engine) Variants() []variant.Variant {
	return e.catalog.Variants()
}

// SetThresholds changes the low and high buffer thresholds.
func (e *Engine) SetThresholds(low, high float64) error {
	if low >= high {
		return fmt.Errorf("%w: low=%v high=%v", ErrInvalidThresholds, low, high)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.opts.LowBufferThreshold = low
	e.opts.HighBufferThreshold = high
	return nil
}

// RestoreIndex sets the quality index, e.g. when resuming a replicated session.
func (e *Engine) RestoreIndex(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if index < 0 || index > e.catalog.MaxIndex() {
		return fmt.Errorf("restore index %d: %w", index, variant.ErrRankOutOfRange)
	}
	e.index = index
	return nil
}

// State returns a snapshot of the quality state.
func (e *Engine) State() QualityState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return QualityState{
		Index:               e.index,
		BufferLevel:         e.bufferLevel,
		LowBufferThreshold:  e.opts.LowBufferThreshold,
		HighBufferThreshold: e.opts.HighBufferThreshold,
		CatalogSize:         e.catalog.Len(),
	}
}

// QualityIndex returns the current quality index.
func (e *Engine) QualityIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index
}

// EvaluateBuffer applies one buffer-fullness sample and emits a decision.
// The boolean is false when the catalog is empty and no variant was selected.
func (e *Engine) EvaluateBuffer(bufferFullness float64) (Decision, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evaluateLocked(bufferFullness)
}

// Reevaluate runs a decision with the host's latest buffer fullness. Without
// a BufferSource it reuses the last sample passed to EvaluateBuffer, and
// returns ErrNoBufferSample if there has been none.
func (e *Engine) Reevaluate() error {
	if src := e.opts.BufferSource; src != nil {
		_, _, err := e.EvaluateBuffer(src())
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.haveSample && !e.stopped {
		return ErrNoBufferSample
	}
	_, _, err := e.evaluateLocked(e.bufferLevel)
	return err
}

// OnSegmentDownloaded records a completed segment and, when allowSwitch is
// set, re-evaluates the buffer exactly once.
func (e *Engine) OnSegmentDownloaded(deltaTime time.Duration, numBytes int64, allowSwitch bool, req segment.Request) error {
	e.store.RecordDownload(deltaTime, numBytes, req)

	if !allowSwitch {
		return nil
	}
	if err := e.Reevaluate(); err != nil {
		if errors.Is(err, ErrNoBufferSample) {
			e.logger.Debug("segment switch point before first buffer sample")
			return nil
		}
		return err
	}
	return nil
}

// OnResponseFailure records a failed segment response. It reports whether the
// status was an HTTP error and was recorded.
func (e *Engine) OnResponseFailure(uri string, statusCode int) bool {
	return e.store.RecordFailure(uri, statusCode)
}

// evaluateLocked is the quality state machine. Caller must hold e.mu.
func (e *Engine) evaluateLocked(bufferFullness float64) (Decision, bool, error) {
	if e.stopped {
		return Decision{}, false, ErrStopped
	}
	if e.config == nil {
		return Decision{}, false, ErrNotConfigured
	}

	e.bufferLevel = math.Round(bufferFullness*10) / 10
	e.haveSample = true

	maxIndex := e.catalog.MaxIndex()
	if maxIndex < 0 {
		e.logger.Debug("no variants, skipping decision", "bufferLevel", e.bufferLevel)
		return Decision{}, false, nil
	}
	if e.switchFn == nil {
		return Decision{}, false, ErrNoSwitchCallback
	}

	prev := e.index
	dir := Hold

	switch {
	case e.bufferLevel < e.opts.LowBufferThreshold && e.index > 0:
		e.index--
		dir = Down
	case e.bufferLevel > e.opts.HighBufferThreshold && e.index < maxIndex:
		e.index++
		dir = Up
	}

	chosen, err := e.catalog.At(e.index)
	if err != nil {
		return Decision{}, false, fmt.Errorf("%w: %v", ErrInvariant, err)
	}

	if dir != Hold {
		e.config.Restrictions.MaxBandwidth = chosen.Bandwidth
	}
	if dir == Up {
		e.config.RestrictToScreenSize = true
	}

	d := Decision{
		SessionID:            e.opts.SessionID,
		Variant:              chosen,
		Index:                e.index,
		PreviousIndex:        prev,
		Direction:            dir,
		BufferLevel:          e.bufferLevel,
		SafeMarginSwitch:     e.config.SafeMarginSwitch,
		ClearBufferSwitch:    e.config.ClearBufferSwitch,
		MaxBandwidth:         e.config.Restrictions.MaxBandwidth,
		RestrictToScreenSize: e.config.RestrictToScreenSize,
		Timestamp:            e.opts.Clock(),
	}

	if dir != Hold {
		e.logger.Info("quality switch",
			"direction", dir,
			"from", prev,
			"to", e.index,
			"bandwidth", chosen.Bandwidth,
			"bufferLevel", e.bufferLevel,
		)
	}

	e.switchFn(chosen, d.SafeMarginSwitch, d.ClearBufferSwitch)
	for _, o := range e.observers {
		o.ObserveDecision(d)
	}

	return d, true, nil
}

// Start launches the periodic monitor. It runs until ctx is canceled or Stop
// is called.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if e.cancel != nil {
		return fmt.Errorf("engine already started")
	}

	m := monitor.New(monitor.Config{
		SessionID:    e.opts.SessionID,
		Interval:     e.opts.MonitorInterval,
		RecentWindow: e.opts.RecentWindow,
	}, e.store, e, e.opts.Reporter, e.opts.Logger)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done

	go func() {
		defer close(done)
		m.Run(runCtx)
	}()

	return nil
}

// Stop tears the engine down: the monitor is stopped and awaited, and the
// callback, observers and variants are cleared. Telemetry is kept.
// Stop is idempotent. No tick or callback runs after it returns.
// It must not be called from within a callback or reporter.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.cancel != nil {
		e.cancel()
		<-e.done
		e.cancel = nil
		e.done = nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}
	e.stopped = true
	e.switchFn = nil
	e.observers = nil
	e.catalog.Set(nil)
	e.index = 0

	e.logger.Info("engine stopped")
}
