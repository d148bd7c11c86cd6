// Package cluster replicates per-session ABR quality state across abrsim
// nodes with Raft, so a player that reconnects to another node resumes at
// the quality it last had.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

var (
	// ErrNotLeader is returned when a write is submitted to a follower.
	ErrNotLeader = errors.New("not the raft leader")

	// ErrNotStarted is returned by writes before Start.
	ErrNotStarted = errors.New("cluster not started")

	// ErrShutdown is returned by writes after Shutdown.
	ErrShutdown = errors.New("cluster is shut down")
)

// Manager owns this node's Raft instance and the replicated session table.
type Manager struct {
	config Config
	fsm    *QualityFSM
	logger *slog.Logger

	mu        sync.RWMutex
	raft      *raft.Raft
	transport *raft.NetworkTransport
	shutdown  bool
}

// NewManager validates config and returns an unstarted Manager.
func NewManager(config Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Manager{
		config: config,
		fsm:    NewQualityFSM(logger),
		logger: logger.With("raft_id", config.RaftID),
	}, nil
}

// Start opens the Raft transport and bootstraps the peer set. Bootstrapping
// an already-initialized node is not an error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrShutdown
	}
	if m.raft != nil {
		return fmt.Errorf("cluster already started")
	}

	addr, err := net.ResolveTCPAddr("tcp", m.config.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.config.BindAddr, addr,
		m.config.TransportPool, m.config.TransportTimeout, nil)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	// Session state is rebuilt from peers on restart, so in-memory stores suffice
	r, err := raft.NewRaft(m.raftConfig(), m.fsm,
		raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore(), transport)
	if err != nil {
		transport.Close()
		return fmt.Errorf("create raft: %w", err)
	}
	m.raft = r
	m.transport = transport

	if err := r.BootstrapCluster(m.bootstrapConfiguration()).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		m.logger.Warn("failed to bootstrap cluster", "error", err)
	}

	m.logger.Info("cluster started",
		"bind", m.config.BindAddr,
		"peers", len(m.config.Peers),
	)

	return nil
}

func (m *Manager) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	// Peers are addressed by bind address, so it is also the server ID
	cfg.LocalID = raft.ServerID(m.config.BindAddr)
	cfg.HeartbeatTimeout = m.config.HeartbeatTimeout
	cfg.ElectionTimeout = m.config.ElectionTimeout
	cfg.LeaderLeaseTimeout = m.config.HeartbeatTimeout
	cfg.SnapshotInterval = m.config.SnapshotInterval
	cfg.SnapshotThreshold = m.config.SnapshotThreshold
	cfg.Logger = newRaftLogger(m.config.RaftLogLevel)
	return cfg
}

func (m *Manager) bootstrapConfiguration() raft.Configuration {
	servers := make([]raft.Server, 0, len(m.config.Peers))
	for _, peer := range m.config.Peers {
		servers = append(servers, raft.Server{
			ID:       raft.ServerID(peer),
			Address:  raft.ServerAddress(peer),
			Suffrage: raft.Voter,
		})
	}
	return raft.Configuration{Servers: servers}
}

// current returns the Raft instance, or nil before Start.
func (m *Manager) current() *raft.Raft {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.raft
}

// RecordDecision replicates a session's latest quality state.
func (m *Manager) RecordDecision(sessionID string, state SessionState) error {
	return m.apply(Command{
		Type: CommandRecordDecision,
		Data: RecordDecisionCommand{SessionID: sessionID, State: state},
	})
}

// ForgetSession removes a finished session from the replicated state.
func (m *Manager) ForgetSession(sessionID string) error {
	return m.apply(Command{
		Type: CommandForgetSession,
		Data: ForgetSessionCommand{SessionID: sessionID},
	})
}

// apply submits a command and waits for it to commit on a quorum.
func (m *Manager) apply(cmd Command) error {
	m.mu.RLock()
	r, down := m.raft, m.shutdown
	m.mu.RUnlock()

	switch {
	case down:
		return ErrShutdown
	case r == nil:
		return ErrNotStarted
	}

	data, err := EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	future := r.Apply(data, m.config.ApplyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return ErrNotLeader
		}
		return fmt.Errorf("apply %s: %w", cmd.Type, err)
	}

	// The FSM reports rejected commands through the response
	if resp, ok := future.Response().(error); ok && resp != nil {
		return fmt.Errorf("apply %s: %w", cmd.Type, resp)
	}

	return nil
}

// GetState returns a copy of the replicated session table.
func (m *Manager) GetState() ClusterState {
	return m.fsm.GetState()
}

// Session returns the replicated state of one session.
func (m *Manager) Session(id string) (SessionState, bool) {
	return m.fsm.Session(id)
}

// IsLeader reports whether this node accepts writes.
func (m *Manager) IsLeader() bool {
	r := m.current()
	return r != nil && r.State() == raft.Leader
}

// LeaderAddr returns the current leader's Raft address, or "" when unknown.
func (m *Manager) LeaderAddr() string {
	r := m.current()
	if r == nil {
		return ""
	}
	addr, _ := r.LeaderWithID()
	return string(addr)
}

// State returns the Raft role of this node ("Leader", "Follower", ...), or
// "NotStarted" before Start.
func (m *Manager) State() string {
	r := m.current()
	if r == nil {
		return "NotStarted"
	}
	return r.State().String()
}

// Peers returns the configured peer addresses.
func (m *Manager) Peers() []string {
	return append([]string(nil), m.config.Peers...)
}

// NodeID returns this node's configured ID.
func (m *Manager) NodeID() string {
	return m.config.RaftID
}

// Shutdown stops Raft and closes the transport. It is safe to call more
// than once.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil
	}
	m.shutdown = true

	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}
	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			return fmt.Errorf("close transport: %w", err)
		}
	}

	m.logger.Info("cluster shut down", "sessions", len(m.fsm.GetState().Sessions))
	return nil
}

// WaitForLeader blocks until some node is known to lead or ctx is done.
func (m *Manager) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.LeaderAddr() != "" {
				return nil
			}
		}
	}
}
