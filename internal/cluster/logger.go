package cluster

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// newRaftLogger returns the hclog.Logger handed to Raft. Raft is chatty, so
// it is silenced unless a level other than "off" is configured.
func newRaftLogger(level string) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if level == "" || strings.EqualFold(level, "off") || lvl == hclog.NoLevel {
		return newNoOpHCLogger()
	}
	return newHCLogger(os.Stderr, lvl)
}

// newNoOpHCLogger creates a no-op hclog.Logger for Raft to avoid excessive logging.
func newNoOpHCLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.Off,
		Output: io.Discard,
	})
}

// newHCLogger creates an hclog.Logger writing to w.
func newHCLogger(w io.Writer, level hclog.Level) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  level,
		Output: w,
	})
}
