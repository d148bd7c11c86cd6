package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestManager_NewManager(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: Config{
				RaftID:   "node1",
				BindAddr: "127.0.0.1:9000",
				Peers:    []string{"127.0.0.1:9000"},
			},
			wantErr: false,
		},
		{
			name: "missing raft-id",
			config: Config{
				BindAddr: "127.0.0.1:9000",
				Peers:    []string{"127.0.0.1:9000"},
			},
			wantErr: true,
		},
		{
			name: "missing bind-addr",
			config: Config{
				RaftID: "node1",
				Peers:  []string{"127.0.0.1:9000"},
			},
			wantErr: true,
		},
		{
			name: "missing peers",
			config: Config{
				RaftID:   "node1",
				BindAddr: "127.0.0.1:9000",
			},
			wantErr: true,
		},
		{
			name: "invalid bind-addr",
			config: Config{
				RaftID:   "node1",
				BindAddr: "invalid",
				Peers:    []string{"127.0.0.1:9000"},
			},
			wantErr: true,
		},
		{
			name: "invalid peer",
			config: Config{
				RaftID:   "node1",
				BindAddr: "127.0.0.1:9000",
				Peers:    []string{"127.0.0.1:9000", "nope"},
			},
			wantErr: true,
		},
		{
			name: "bind not among peers",
			config: Config{
				RaftID:   "node1",
				BindAddr: "127.0.0.1:9000",
				Peers:    []string{"127.0.0.1:9001"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.config, logger)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewManager() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	config := Config{
		RaftID:   "node1",
		BindAddr: "127.0.0.1:9000",
		Peers:    []string{"127.0.0.1:9000"},
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if config.ApplyTimeout != 5*time.Second {
		t.Errorf("ApplyTimeout = %v, want 5s", config.ApplyTimeout)
	}
	if config.SnapshotThreshold != 8192 {
		t.Errorf("SnapshotThreshold = %d, want 8192", config.SnapshotThreshold)
	}
	if config.TransportPool != DefaultTransportPool || config.TransportTimeout != DefaultTransportTimeout {
		t.Errorf("transport = (%d, %v), want defaults", config.TransportPool, config.TransportTimeout)
	}
}

func TestManager_ApplyBeforeStart(t *testing.T) {
	manager, err := NewManager(Config{
		RaftID:   "node1",
		BindAddr: "127.0.0.1:9000",
		Peers:    []string{"127.0.0.1:9000"},
	}, createTestLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := manager.RecordDecision("s1", SessionState{Index: 1}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("RecordDecision() before Start error = %v, want ErrNotStarted", err)
	}
	if manager.State() != "NotStarted" {
		t.Errorf("State() = %s, want NotStarted", manager.State())
	}
	if manager.IsLeader() {
		t.Error("unstarted manager should not be leader")
	}
}

func TestManager_StartAndShutdown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	config := Config{
		RaftID:            "node1",
		BindAddr:          "127.0.0.1:0", // Use port 0 for auto-assignment
		Peers:             []string{"127.0.0.1:0"},
		HeartbeatTimeout:  100 * time.Millisecond,
		ElectionTimeout:   100 * time.Millisecond,
		SnapshotInterval:  1 * time.Hour,
		SnapshotThreshold: 10000,
	}

	manager, err := NewManager(config, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx := context.Background()
	if err := manager.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if manager.State() == "NotStarted" {
		t.Error("Manager should be started")
	}

	if err := manager.Shutdown(); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	// Shutdown is idempotent
	if err := manager.Shutdown(); err != nil {
		t.Errorf("Second Shutdown() error = %v", err)
	}

	if err := manager.RecordDecision("s1", SessionState{}); !errors.Is(err, ErrShutdown) {
		t.Errorf("RecordDecision() after Shutdown error = %v, want ErrShutdown", err)
	}
}

func TestManager_RecordDecision(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	manager := createTestCluster(t, createTestLogger(), 1, 20000)[0]
	defer manager.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.WaitForLeader(ctx); err != nil {
		t.Fatalf("WaitForLeader() error = %v", err)
	}

	want := SessionState{
		Index:                2,
		MaxBandwidth:         1000,
		RestrictToScreenSize: true,
		UpdatedAt:            time.Now(),
	}
	if err := manager.RecordDecision("s1", want); err != nil {
		t.Fatalf("RecordDecision() error = %v", err)
	}

	// Apply waits for commit, so the FSM is already updated.
	got, ok := manager.Session("s1")
	if !ok {
		t.Fatal("expected session state after RecordDecision")
	}
	if got.Index != 2 || got.MaxBandwidth != 1000 || !got.RestrictToScreenSize {
		t.Errorf("Session() = %+v, want %+v", got, want)
	}

	if err := manager.ForgetSession("s1"); err != nil {
		t.Fatalf("ForgetSession() error = %v", err)
	}
	if _, ok := manager.Session("s1"); ok {
		t.Error("expected session to be forgotten")
	}
	if n := len(manager.GetState().Sessions); n != 0 {
		t.Errorf("expected no sessions, got %d", n)
	}
}

func TestManager_ReplicatesToFollowers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	managers := createTestCluster(t, createTestLogger(), 3, 20100)
	defer func() {
		for _, m := range managers {
			m.Shutdown()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var leader *Manager
	for leader == nil {
		select {
		case <-ctx.Done():
			t.Fatal("no leader elected")
		case <-time.After(50 * time.Millisecond):
		}
		for _, m := range managers {
			if m.IsLeader() {
				leader = m
				break
			}
		}
	}

	for _, m := range managers {
		if m == leader {
			continue
		}
		if err := m.RecordDecision("s1", SessionState{Index: 9}); !errors.Is(err, ErrNotLeader) {
			t.Errorf("follower %s RecordDecision() error = %v, want ErrNotLeader", m.NodeID(), err)
		}
	}

	if err := leader.RecordDecision("s1", SessionState{Index: 1, MaxBandwidth: 800}); err != nil {
		t.Fatalf("leader RecordDecision() error = %v", err)
	}

	for _, m := range managers {
		for {
			if got, ok := m.Session("s1"); ok {
				if got.Index != 1 || got.MaxBandwidth != 800 {
					t.Errorf("%s Session() = %+v, want index 1 at 800", m.NodeID(), got)
				}
				break
			}
			select {
			case <-ctx.Done():
				t.Fatalf("decision never reached %s", m.NodeID())
			case <-time.After(20 * time.Millisecond):
			}
		}
	}
}

// createTestCluster creates a test cluster with the specified number of nodes.
func createTestCluster(t *testing.T, logger *slog.Logger, nodeCount, basePort int) []*Manager {
	t.Helper()

	peers := make([]string, nodeCount)
	for i := 0; i < nodeCount; i++ {
		peers[i] = fmt.Sprintf("127.0.0.1:%d", basePort+i)
	}

	managers := make([]*Manager, nodeCount)
	for i := 0; i < nodeCount; i++ {
		config := Config{
			RaftID:            peers[i],
			BindAddr:          peers[i],
			Peers:             peers,
			HeartbeatTimeout:  100 * time.Millisecond,
			ElectionTimeout:   100 * time.Millisecond,
			SnapshotInterval:  1 * time.Hour,
			SnapshotThreshold: 10000,
		}

		manager, err := NewManager(config, logger)
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}

		ctx := context.Background()
		if err := manager.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		managers[i] = manager
	}

	return managers
}
