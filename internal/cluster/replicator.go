package cluster

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/agleyzer/abrsim/internal/abr"
)

// DecisionRecorder persists a session's quality state. Manager implements it.
type DecisionRecorder interface {
	RecordDecision(sessionID string, state SessionState) error
}

// Replicator forwards engine decisions to the cluster without blocking the
// engine: decisions are queued and applied by a background goroutine.
type Replicator struct {
	recorder DecisionRecorder
	queue    chan RecordDecisionCommand
	logger   *slog.Logger

	wg         sync.WaitGroup
	mu         sync.Mutex
	cancel     context.CancelFunc
	dropped    int
	replicated int
}

// NewReplicator creates a replicator with a queue of the given size.
func NewReplicator(recorder DecisionRecorder, queueSize int, logger *slog.Logger) *Replicator {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Replicator{
		recorder: recorder,
		queue:    make(chan RecordDecisionCommand, queueSize),
		logger:   logger,
	}
}

// ObserveDecision queues a changed decision for replication. Hold decisions
// are not replicated. Never blocks; a full queue drops the decision.
func (r *Replicator) ObserveDecision(d abr.Decision) {
	if d.Direction == abr.Hold {
		return
	}

	cmd := RecordDecisionCommand{
		SessionID: d.SessionID,
		State: SessionState{
			Index:                d.Index,
			MaxBandwidth:         d.MaxBandwidth,
			RestrictToScreenSize: d.RestrictToScreenSize,
			UpdatedAt:            d.Timestamp,
		},
	}

	select {
	case r.queue <- cmd:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.logger.Warn("replication queue full, dropping decision", "session", d.SessionID)
	}
}

// Start launches the background apply loop.
func (r *Replicator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case cmd := <-r.queue:
				r.apply(cmd)
			}
		}
	}()
}

func (r *Replicator) apply(cmd RecordDecisionCommand) {
	err := r.recorder.RecordDecision(cmd.SessionID, cmd.State)
	switch {
	case err == nil:
		r.mu.Lock()
		r.replicated++
		r.mu.Unlock()
	case errors.Is(err, ErrNotLeader):
		r.logger.Debug("not leader, decision not replicated", "session", cmd.SessionID)
	default:
		r.logger.Error("failed to replicate decision", "session", cmd.SessionID, "error", err)
	}
}

// Stop halts the apply loop and waits for it to exit.
func (r *Replicator) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Stats returns how many decisions were replicated and dropped.
func (r *Replicator) Stats() (replicated, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replicated, r.dropped
}
