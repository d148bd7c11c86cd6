package cluster

import (
	"fmt"
	"net"
	"slices"
	"time"
)

// Defaults applied by Config.Validate.
const (
	DefaultHeartbeatTimeout  = time.Second
	DefaultElectionTimeout   = time.Second
	DefaultSnapshotInterval  = 2 * time.Minute
	DefaultSnapshotThreshold = 8192
	DefaultApplyTimeout      = 5 * time.Second
	DefaultTransportPool     = 3
	DefaultTransportTimeout  = 10 * time.Second
)

// Config describes one node of the session-state replication group.
type Config struct {
	// RaftID names this node in logs and /health.
	RaftID string

	// BindAddr is the host:port Raft listens on. It doubles as the Raft
	// server ID and must appear in Peers.
	BindAddr string

	// Peers lists every voter's Raft address, this node included. All nodes
	// must be started with the same list.
	Peers []string

	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration

	// SnapshotInterval and SnapshotThreshold control how often the session
	// table is compacted into a snapshot.
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64

	// ApplyTimeout bounds how long a replicated write waits to commit.
	ApplyTimeout time.Duration

	// TransportPool and TransportTimeout configure the Raft TCP transport.
	TransportPool    int
	TransportTimeout time.Duration

	// RaftLogLevel enables Raft's internal logging ("off" when empty).
	RaftLogLevel string
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.RaftID == "" {
		return fmt.Errorf("raft-id is required")
	}
	if c.BindAddr == "" {
		return fmt.Errorf("raft-bind is required")
	}
	if _, _, err := net.SplitHostPort(c.BindAddr); err != nil {
		return fmt.Errorf("invalid raft-bind address %q: %w", c.BindAddr, err)
	}

	if len(c.Peers) == 0 {
		return fmt.Errorf("at least one peer is required")
	}
	for i, peer := range c.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			return fmt.Errorf("invalid peer address %d %q: %w", i, peer, err)
		}
	}
	if !slices.Contains(c.Peers, c.BindAddr) {
		return fmt.Errorf("raft-bind %q must be listed in raft-peers", c.BindAddr)
	}

	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = DefaultElectionTimeout
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = DefaultSnapshotThreshold
	}
	if c.ApplyTimeout == 0 {
		c.ApplyTimeout = DefaultApplyTimeout
	}
	if c.TransportPool <= 0 {
		c.TransportPool = DefaultTransportPool
	}
	if c.TransportTimeout == 0 {
		c.TransportTimeout = DefaultTransportTimeout
	}

	return nil
}
