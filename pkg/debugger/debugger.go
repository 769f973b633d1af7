// Package debugger provides the cross-session analysis views of the engine:
// a global breakpoint set, variable watches, the execution timeline, memory
// snapshots and call stack helpers.
package debugger

import (
	"runtime"

	"github.com/benbjohnson/clock"
)

// Config is the configuration for a Debugger.
type Config struct {
	// MaxTimelineEvents caps the timeline (defaults to 10000).
	MaxTimelineEvents int

	// MaxSnapshots caps retained memory snapshots (defaults to 100).
	MaxSnapshots int

	// WatchHistory is how many values each watch keeps (defaults to 10).
	WatchHistory int

	Clock clock.Clock
}

// Debugger bundles the analysis facilities shared by all sessions.
type Debugger struct {
	Breakpoints *BreakpointManager
	Watches     *WatchList
	Timeline    *Timeline
	Snapshots   *SnapshotStore
}

// New creates a Debugger.
func New(c *Config) *Debugger {
	if c == nil {
		c = &Config{}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}

	return &Debugger{
		Breakpoints: NewBreakpointManager(c.Clock),
		Watches:     NewWatchList(c.Clock, c.WatchHistory),
		Timeline:    NewTimeline(c.Clock, c.MaxTimelineEvents),
		Snapshots:   NewSnapshotStore(c.Clock, c.MaxSnapshots),
	}
}

// ProcessMemory reads the current heap figures of the engine process.
func ProcessMemory() *MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return &MemoryStats{
		HeapBytes:     int64(ms.HeapAlloc),
		ExternalBytes: int64(ms.Sys - ms.HeapSys),
	}
}
