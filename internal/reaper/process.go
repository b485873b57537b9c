package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const pollInterval = 100 * time.Millisecond

// SystemProcesses reads the host process table.
type SystemProcesses struct{}

func (SystemProcesses) Lookup(ctx context.Context, pid int) (ProcessInfo, bool, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return ProcessInfo{}, false, nil
		}
		return ProcessInfo{}, false, err
	}
	cmdline, err := p.CmdlineWithContext(ctx)
	if err != nil {
		return ProcessInfo{}, false, fmt.Errorf("read cmdline of %d: %w", pid, err)
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return ProcessInfo{}, false, fmt.Errorf("read create time of %d: %w", pid, err)
	}
	return ProcessInfo{Cmdline: cmdline, CreateTime: time.UnixMilli(created)}, true, nil
}

func (SystemProcesses) Terminate(ctx context.Context, pid int, grace time.Duration) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		return fmt.Errorf("sigterm %d: %w", pid, err)
	}
	if waitGone(ctx, p, grace) {
		return nil
	}
	if err := p.KillWithContext(ctx); err != nil {
		return fmt.Errorf("sigkill %d: %w", pid, err)
	}
	if waitGone(ctx, p, grace) {
		return nil
	}
	return fmt.Errorf("pid %d still running after SIGKILL", pid)
}

// waitGone polls; an unrelated process cannot be waited on.
func waitGone(ctx context.Context, p *process.Process, grace time.Duration) bool {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		running, err := p.IsRunningWithContext(ctx)
		if err == nil && !running {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}
