package cluster

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hashicorp/raft"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func mustEncode(t *testing.T, cmd Command) []byte {
	t.Helper()
	data, err := EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("failed to encode command: %v", err)
	}
	return data
}

func recordCmd(t *testing.T, session string, index, bw int, at time.Time) []byte {
	return mustEncode(t, Command{
		Type: CommandRecordDecision,
		Data: RecordDecisionCommand{
			SessionID: session,
			State:     SessionState{Index: index, MaxBandwidth: bw, UpdatedAt: at},
		},
	})
}

func TestQualityFSM_Apply_RecordDecision(t *testing.T) {
	fsm := NewQualityFSM(createTestLogger())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		index     int
		bandwidth int
		at        time.Time
		wantIndex int
	}{
		{"first step up", 1, 500, base, 1},
		{"second step up", 2, 1000, base.Add(time.Second), 2},
		{"step down", 1, 500, base.Add(2 * time.Second), 1},
		{"stale decision ignored", 2, 1000, base.Add(time.Millisecond), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := fsm.Apply(&raft.Log{Data: recordCmd(t, "s1", tt.index, tt.bandwidth, tt.at)}); resp != nil {
				t.Fatalf("Apply() = %v, want nil", resp)
			}

			s, ok := fsm.Session("s1")
			if !ok {
				t.Fatal("expected session state")
			}
			if s.Index != tt.wantIndex {
				t.Errorf("Index = %d, want %d", s.Index, tt.wantIndex)
			}
		})
	}
}

func TestQualityFSM_Apply_ForgetSession(t *testing.T) {
	fsm := NewQualityFSM(createTestLogger())
	fsm.Apply(&raft.Log{Data: recordCmd(t, "s1", 1, 500, time.Now())})
	fsm.Apply(&raft.Log{Data: recordCmd(t, "s2", 0, 100, time.Now())})

	forget := mustEncode(t, Command{Type: CommandForgetSession, Data: ForgetSessionCommand{SessionID: "s1"}})
	fsm.Apply(&raft.Log{Data: forget})

	if _, ok := fsm.Session("s1"); ok {
		t.Error("expected s1 to be forgotten")
	}
	if len(fsm.GetState().Sessions) != 1 {
		t.Errorf("expected 1 session, got %d", len(fsm.GetState().Sessions))
	}
}

func TestQualityFSM_Apply_InvalidData(t *testing.T) {
	fsm := NewQualityFSM(createTestLogger())

	if resp := fsm.Apply(&raft.Log{Data: []byte("garbage")}); resp == nil {
		t.Error("expected error for undecodable command")
	}

	unknown := mustEncode(t, Command{Type: 99, Data: ForgetSessionCommand{}})
	if resp := fsm.Apply(&raft.Log{Data: unknown}); resp == nil {
		t.Error("expected error for unknown command type")
	}
}

func TestQualityFSM_Snapshot_Restore(t *testing.T) {
	fsm := NewQualityFSM(createTestLogger())
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	fsm.Apply(&raft.Log{Data: recordCmd(t, "s1", 2, 1000, at)})
	fsm.Apply(&raft.Log{Data: recordCmd(t, "s2", 1, 500, at)})

	snapshot, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	var buf bytes.Buffer
	sink := &mockSnapshotSink{buf: &buf}
	if err := snapshot.Persist(sink); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	fsm2 := NewQualityFSM(createTestLogger())
	if err := fsm2.Restore(io.NopCloser(&buf)); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	state := fsm2.GetState()
	if len(state.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(state.Sessions))
	}
	s1 := state.Sessions["s1"]
	if s1.Index != 2 || s1.MaxBandwidth != 1000 {
		t.Errorf("s1 = %+v, want index 2 bandwidth 1000", s1)
	}
	if !s1.UpdatedAt.Equal(at) {
		t.Errorf("s1.UpdatedAt = %v, want %v", s1.UpdatedAt, at)
	}
}

func TestQualityFSM_GetState_Concurrent(t *testing.T) {
	fsm := NewQualityFSM(createTestLogger())

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				_ = fsm.GetState()
			}
			done <- true
		}()
	}

	go func() {
		for j := 0; j < 50; j++ {
			fsm.Apply(&raft.Log{Data: recordCmd(t, fmt.Sprintf("s%d", j), j%3, 100, time.Now())})
		}
		done <- true
	}()

	for i := 0; i < 11; i++ {
		<-done
	}

	if n := len(fsm.GetState().Sessions); n != 50 {
		t.Errorf("expected 50 sessions, got %d", n)
	}
}

// mockSnapshotSink implements raft.SnapshotSink for testing.
type mockSnapshotSink struct {
	buf *bytes.Buffer
}

func (m *mockSnapshotSink) Write(p []byte) (n int, err error) {
	return m.buf.Write(p)
}

func (m *mockSnapshotSink) Close() error {
	return nil
}

func (m *mockSnapshotSink) ID() string {
	return "mock"
}

func (m *mockSnapshotSink) Cancel() error {
	return nil
}
