// Package reaper cleans up after sessions that never reached finalization,
// for example because the orchestrator was killed with SIGKILL.
package reaper

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/p-arndt/tunnelbench/internal/store"
)

// createTimeSlack is the tolerated difference between the recorded and the
// observed process start time.
const createTimeSlack = 2 * time.Second

type Reaper struct {
	store  ReaperStore
	procs  ProcessTable
	grace  time.Duration
	logger *slog.Logger
}

func New(st ReaperStore, procs ProcessTable, grace time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:  st,
		procs:  procs,
		grace:  grace,
		logger: logger,
	}
}

// Reconcile terminates the recorded tunnel processes of every unfinished
// run whose orchestrator is gone and marks those runs abandoned. Runs owned
// by a live orchestrator are left alone. It returns how many processes were
// terminated.
func (r *Reaper) Reconcile(ctx context.Context) (int, error) {
	r.logger.Info("reconciliation starting")

	runs, err := r.store.ListUnfinishedRuns()
	if err != nil {
		r.logger.Error("reconcile: list unfinished runs", "error", err)
		return 0, err
	}

	killed, orphaned := 0, 0
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return killed, err
		}
		if r.ownerAlive(ctx, run) {
			r.logger.Info("reconcile: session still running, skipping",
				"session_id", run.ID, "owner_pid", run.OwnerPID)
			continue
		}
		orphaned++
		killed += r.reapRun(ctx, run)
		if err := r.store.MarkRunAbandoned(run.ID); err != nil {
			r.logger.Error("reconcile: mark abandoned", "session_id", run.ID, "error", err)
		}
	}

	r.logger.Info("reconciliation complete", "runs", orphaned, "terminated", killed)
	return killed, nil
}

// ownerAlive reports whether the orchestrator recorded on run is still
// running. Lookup errors count as alive: leaking a tunnel is preferable to
// killing one that is in use.
func (r *Reaper) ownerAlive(ctx context.Context, run *store.Run) bool {
	if run.OwnerPID <= 0 {
		return false
	}
	info, found, err := r.procs.Lookup(ctx, run.OwnerPID)
	if err != nil {
		r.logger.Warn("reconcile: inspect session owner", "session_id", run.ID, "pid", run.OwnerPID, "error", err)
		return true
	}
	if !found {
		return false
	}
	if run.OwnerStartedAt.IsZero() {
		return true
	}
	return withinSlack(info.CreateTime, run.OwnerStartedAt)
}

func (r *Reaper) reapRun(ctx context.Context, run *store.Run) int {
	procs, err := r.store.ListTunnelProcesses(run.ID)
	if err != nil {
		r.logger.Error("reconcile: list tunnel processes", "session_id", run.ID, "error", err)
		return 0
	}

	killed := 0
	for _, p := range procs {
		info, found, err := r.procs.Lookup(ctx, p.PID)
		if err != nil {
			r.logger.Warn("reconcile: inspect process", "session_id", run.ID, "pid", p.PID, "error", err)
			continue
		}
		if !found {
			continue
		}
		if !matches(p, info) {
			r.logger.Info("reconcile: pid reused by another process, skipping",
				"session_id", run.ID, "namespace", p.Namespace, "pid", p.PID)
			continue
		}

		r.logger.Warn("reconcile: terminating orphaned tunnel",
			"session_id", run.ID, "namespace", p.Namespace, "pid", p.PID)
		if err := r.procs.Terminate(ctx, p.PID, r.grace); err != nil {
			r.logger.Error("reconcile: terminate", "session_id", run.ID, "pid", p.PID, "error", err)
			continue
		}
		killed++
	}
	return killed
}

func matches(rec *store.TunnelProcess, info ProcessInfo) bool {
	if rec.Command != "" && !strings.Contains(info.Cmdline, rec.Command) {
		return false
	}
	return withinSlack(info.CreateTime, rec.StartedAt)
}

func withinSlack(observed, recorded time.Time) bool {
	d := observed.Sub(recorded)
	if d < 0 {
		d = -d
	}
	return d <= createTimeSlack
}
