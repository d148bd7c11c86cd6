package cluster

import (
	"testing"

	"github.com/hashicorp/go-hclog"
)

func TestNewRaftLogger(t *testing.T) {
	tests := []struct {
		level   string
		wantOff bool
	}{
		{"", true},
		{"off", true},
		{"bogus", true},
		{"debug", false},
		{"WARN", false},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := newRaftLogger(tt.level)
			if off := logger.GetLevel() == hclog.Off; off != tt.wantOff {
				t.Errorf("newRaftLogger(%q) off = %v, want %v", tt.level, off, tt.wantOff)
			}
		})
	}
}
