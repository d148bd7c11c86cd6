package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

func init() {
	// Register types for gob encoding/decoding
	gob.Register(RecordDecisionCommand{})
	gob.Register(ForgetSessionCommand{})
}

// SessionState is the replicated quality state of one playback session.
type SessionState struct {
	// Index is the current quality rank.
	Index int
	// MaxBandwidth is the bandwidth restriction written by the engine.
	MaxBandwidth int
	// RestrictToScreenSize mirrors the engine-owned config flag.
	RestrictToScreenSize bool
	// UpdatedAt is when the decision was made.
	UpdatedAt time.Time
}

// ClusterState is the shared state across all cluster nodes.
type ClusterState struct {
	Sessions map[string]SessionState
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandRecordDecision stores a session's latest quality state.
	CommandRecordDecision CommandType = 1
	// CommandForgetSession removes a finished session.
	CommandForgetSession CommandType = 2
)

func (t CommandType) String() string {
	switch t {
	case CommandRecordDecision:
		return "record-decision"
	case CommandForgetSession:
		return "forget-session"
	default:
		return fmt.Sprintf("command(%d)", uint8(t))
	}
}

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// RecordDecisionCommand records a quality decision for a session.
type RecordDecisionCommand struct {
	SessionID string
	State     SessionState
}

// ForgetSessionCommand drops a session's state.
type ForgetSessionCommand struct {
	SessionID string
}

// QualityFSM implements the raft.FSM interface for session quality state.
type QualityFSM struct {
	mu     sync.RWMutex
	state  ClusterState
	logger *slog.Logger
}

// NewQualityFSM creates a new QualityFSM.
func NewQualityFSM(logger *slog.Logger) *QualityFSM {
	return &QualityFSM{
		state:  ClusterState{Sessions: make(map[string]SessionState)},
		logger: logger,
	}
}

// Apply applies a Raft log entry to the FSM.
func (f *QualityFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Type {
	case CommandRecordDecision:
		return f.applyRecordDecision(cmd.Data)
	case CommandForgetSession:
		return f.applyForgetSession(cmd.Data)
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

func (f *QualityFSM) applyRecordDecision(data any) any {
	rec, ok := data.(RecordDecisionCommand)
	if !ok {
		return fmt.Errorf("invalid record decision command data")
	}

	// Raft applies in log order, but a stale decision may be submitted late.
	if prev, ok := f.state.Sessions[rec.SessionID]; ok && rec.State.UpdatedAt.Before(prev.UpdatedAt) {
		f.logger.Debug("ignoring stale decision", "session", rec.SessionID)
		return nil
	}

	f.state.Sessions[rec.SessionID] = rec.State
	f.logger.Debug("recorded decision", "session", rec.SessionID, "index", rec.State.Index)
	return nil
}

func (f *QualityFSM) applyForgetSession(data any) any {
	cmd, ok := data.(ForgetSessionCommand)
	if !ok {
		return fmt.Errorf("invalid forget session command data")
	}

	delete(f.state.Sessions, cmd.SessionID)
	f.logger.Debug("forgot session", "session", cmd.SessionID)
	return nil
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *QualityFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{state: f.GetState()}, nil
}

// Restore restores the FSM state from a snapshot.
func (f *QualityFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state ClusterState
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if state.Sessions == nil {
		state.Sessions = make(map[string]SessionState)
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()

	f.logger.Info("restored FSM state from snapshot", "sessions", len(state.Sessions))
	return nil
}

// GetState returns a deep copy of the current FSM state.
func (f *QualityFSM) GetState() ClusterState {
	f.mu.RLock()
	defer f.mu.RUnlock()

	sessions := make(map[string]SessionState, len(f.state.Sessions))
	for id, s := range f.state.Sessions {
		sessions[id] = s
	}
	return ClusterState{Sessions: sessions}
}

// Session returns the replicated state of a single session.
func (f *QualityFSM) Session(id string) (SessionState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s, ok := f.state.Sessions[id]
	return s, ok
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state ClusterState
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
