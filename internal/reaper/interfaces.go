package reaper

import (
	"context"
	"time"

	"github.com/p-arndt/tunnelbench/internal/store"
)

// ReaperStore abstracts store operations needed by the reaper.
type ReaperStore interface {
	ListUnfinishedRuns() ([]*store.Run, error)
	ListTunnelProcesses(runID string) ([]*store.TunnelProcess, error)
	MarkRunAbandoned(id string) error
}

// ProcessInfo is what the reaper needs to tell a recorded tunnel from an
// unrelated process that reused its PID.
type ProcessInfo struct {
	Cmdline    string
	CreateTime time.Time
}

// ProcessTable abstracts the host process table.
type ProcessTable interface {
	// Lookup reports found=false when pid is not running.
	Lookup(ctx context.Context, pid int) (info ProcessInfo, found bool, err error)
	// Terminate sends SIGTERM, waits up to grace, then sends SIGKILL.
	Terminate(ctx context.Context, pid int, grace time.Duration) error
}
