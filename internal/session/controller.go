// Package session drives one benchmark session: tunnels up, benchmarks run,
// and every process torn down on every exit path.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/tunnelbench/internal/bench"
	"github.com/p-arndt/tunnelbench/internal/docker"
	"github.com/p-arndt/tunnelbench/internal/failure"
	"github.com/p-arndt/tunnelbench/internal/hostinfo"
	"github.com/p-arndt/tunnelbench/internal/linkstats"
	"github.com/p-arndt/tunnelbench/internal/metrics"
	"github.com/p-arndt/tunnelbench/internal/reaper"
	"github.com/p-arndt/tunnelbench/internal/registry"
	"github.com/p-arndt/tunnelbench/internal/report"
	"github.com/p-arndt/tunnelbench/internal/store"
	"github.com/p-arndt/tunnelbench/internal/tunnel"
)

type Phase int

const (
	Initializing Phase = iota
	Provisioning
	Benchmarking
	Finalizing
	Done
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "initializing"
	case Provisioning:
		return "provisioning"
	case Benchmarking:
		return "benchmarking"
	case Finalizing:
		return "finalizing"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// End reasons recorded in the report.
const (
	EndCompleted     = "completed"
	EndDeadline      = "deadline"
	EndCancelCommand = "cancel_command"
	EndInterrupted   = "interrupted"
)

var (
	errDeadline      = errors.New("session deadline reached")
	errCancelCommand = errors.New("cancel command received")
	errFinalizing    = errors.New("session finalizing")
)

// ExitCode maps an end reason to the process exit status.
func ExitCode(reason string) int {
	switch reason {
	case EndCompleted, EndDeadline:
		return 0
	default:
		return 130
	}
}

type Options struct {
	LoadRegistry func() ([]registry.Descriptor, error)
	Tunnels      Tunnels
	Benchmarks   Benchmarks

	Duration             time.Duration
	WaitForReady         bool
	GraceBeforeBenchmark time.Duration
	BasePort             int

	// Control is read line by line; a line equal to CancelToken ends the
	// session. Nil disables the control input.
	Control     io.Reader
	CancelToken string

	// Optional collaborators.
	History       HistoryStore
	TunnelConfig  string
	TunnelCommand string
	Processes     reaper.ProcessTable
	Targets       TargetServers
	Links         linkstats.Reader
	CollectHost   bool
	Metrics       *metrics.Recorder
	Logger        *slog.Logger
}

type Controller struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	phase Phase
}

func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{opts: opts, logger: logger}
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) setPhase(logger *slog.Logger, p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	logger.Info("session phase", "phase", p.String())
}

// Run executes one session. The only error returned is a fatal startup
// error (registry corrupt, target servers unavailable); every other outcome
// is described by the report. Tunnels that were started are stopped before
// Run returns, including when it panics.
func (c *Controller) Run(ctx context.Context) (*report.Report, error) {
	startedAt := time.Now()
	id := uuid.New().String()[:12]
	logger := c.logger.With("session_id", id)
	c.setPhase(logger, Initializing)

	descs, err := c.opts.LoadRegistry()
	if err != nil {
		logger.Error("load registry", "error", err)
		return nil, err
	}
	logger.Info("registry loaded", "namespaces", len(descs))

	sessCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	deadline := time.AfterFunc(c.opts.Duration, func() { cancel(errDeadline) })
	defer deadline.Stop()
	if c.opts.Control != nil && c.opts.CancelToken != "" {
		go c.watchControl(sessCtx, cancel, logger)
	}

	history := c.opts.History
	run := &store.Run{ID: id, StartedAt: startedAt, TunnelConfig: c.opts.TunnelConfig, Namespaces: len(descs)}
	if history != nil {
		run.OwnerPID, run.OwnerStartedAt = c.owner(ctx)
		if err := history.CreateRun(run); err != nil {
			logger.Warn("history disabled for this session", "error", err)
			history = nil
		}
	}

	if c.opts.Targets != nil && len(descs) > 0 {
		ports := make([]int, len(descs))
		for i := range descs {
			ports[i] = c.opts.BasePort + i
		}
		servers, err := c.opts.Targets.StartServers(sessCtx, id, ports)
		if err != nil {
			logger.Error("start target servers", "error", err)
			return nil, fmt.Errorf("start target servers: %w", err)
		}
		defer func() {
			if err := c.opts.Targets.RemoveServers(context.Background(), servers); err != nil {
				logger.Warn("remove target servers", "error", err)
			}
		}()
	}

	c.setPhase(logger, Provisioning)
	var handles []*tunnel.Handle
	// StopAll is idempotent, so this is a no-op after a normal finalization
	// and the only cleanup after a panic.
	defer func() {
		if err := c.opts.Tunnels.StopAll(handles); err != nil {
			logger.Warn("stop tunnels", "error", err)
		}
	}()
	handles = c.opts.Tunnels.StartAll(sessCtx, descs)
	c.recordTunnels(sessCtx, logger, history, id, handles)

	linksBefore := c.snapshotLinks(descs)

	resultsCh := make(chan []bench.Result, 1)
	var results []bench.Result
	reason := ""
	if c.admit(sessCtx, logger, handles) {
		c.setPhase(logger, Benchmarking)
		go func() { resultsCh <- c.opts.Benchmarks.RunAll(sessCtx, descs) }()
		select {
		case results = <-resultsCh:
			reason = EndCompleted
		case <-sessCtx.Done():
		}
	} else {
		results = c.opts.Benchmarks.Skipped(descs, failure.Cancelled)
	}
	if reason == "" {
		reason = endReason(context.Cause(sessCtx))
	}

	c.setPhase(logger, Finalizing)
	logger.Info("finalizing", "reason", reason)
	cancel(errFinalizing)

	terminationFailures := 0
	if err := c.opts.Tunnels.StopAll(handles); err != nil {
		terminationFailures += countKind(err, failure.TerminationFailure)
	}
	if results == nil {
		results = <-resultsCh
	}
	for _, r := range results {
		if r.ErrorKind == failure.TerminationFailure {
			terminationFailures++
		}
	}
	c.reportLinks(logger, descs, linksBefore)

	tunnels := make([]report.Tunnel, len(handles))
	for i, h := range handles {
		tunnels[i] = h
	}
	rep := report.Aggregate(results, tunnels, time.Since(startedAt))
	rep.SessionID = id
	rep.StartedAt = startedAt
	rep.EndReason = reason
	rep.TerminationFailures = terminationFailures
	if c.opts.CollectHost {
		info := hostinfo.Collect(context.WithoutCancel(ctx))
		rep.Host = &info
	}

	if history != nil {
		c.finishHistory(logger, history, run, rep)
	}
	c.opts.Metrics.SessionFinished(reason, rep.SuccessCount, rep.FailureCount, rep.AverageThroughputMbps)

	logger.Info("session finished",
		"reason", reason,
		"succeeded", rep.SuccessCount,
		"failed", rep.FailureCount,
		"average_mbps", fmt.Sprintf("%.2f", rep.AverageThroughputMbps),
		"termination_failures", terminationFailures,
	)
	c.setPhase(logger, Done)
	return &rep, nil
}

// admit waits for tunnels to settle (when configured) and then for the grace
// period. It reports false when the session ended first.
func (c *Controller) admit(ctx context.Context, logger *slog.Logger, handles []*tunnel.Handle) bool {
	if len(handles) == 0 {
		return ctx.Err() == nil
	}
	if c.opts.WaitForReady {
		if err := tunnel.WaitSettled(ctx, handles); err != nil {
			return false
		}
		ready := 0
		for _, h := range handles {
			if h.WasReady() {
				ready++
			}
		}
		logger.Info("tunnels settled", "ready", ready, "total", len(handles))
	}
	if g := c.opts.GraceBeforeBenchmark; g > 0 {
		t := time.NewTimer(g)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return false
		}
	}
	return ctx.Err() == nil
}

func (c *Controller) watchControl(ctx context.Context, cancel context.CancelCauseFunc, logger *slog.Logger) {
	scanner := bufio.NewScanner(c.opts.Control)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if strings.TrimSpace(scanner.Text()) == c.opts.CancelToken {
			logger.Info("cancel command received")
			cancel(errCancelCommand)
			return
		}
	}
}

// owner identifies this orchestrator process for the reaper of a later run.
func (c *Controller) owner(ctx context.Context) (int, time.Time) {
	pid := os.Getpid()
	if c.opts.Processes == nil {
		return pid, time.Time{}
	}
	info, found, err := c.opts.Processes.Lookup(ctx, pid)
	if err != nil || !found {
		return pid, time.Time{}
	}
	return pid, info.CreateTime
}

func (c *Controller) recordTunnels(ctx context.Context, logger *slog.Logger, history HistoryStore, runID string, handles []*tunnel.Handle) {
	if history == nil {
		return
	}
	for _, h := range handles {
		pid := h.Pid()
		if pid == 0 {
			continue
		}
		started := h.StartedAt()
		if c.opts.Processes != nil {
			if info, found, err := c.opts.Processes.Lookup(ctx, pid); err == nil && found {
				started = info.CreateTime
			}
		}
		err := history.RecordTunnelProcess(&store.TunnelProcess{
			RunID:     runID,
			Namespace: h.Descriptor.Name,
			PID:       pid,
			Command:   c.opts.TunnelCommand,
			StartedAt: started,
		})
		if err != nil {
			logger.Warn("record tunnel process", "namespace", h.Descriptor.Name, "pid", pid, "error", err)
		}
	}
}

func (c *Controller) finishHistory(logger *slog.Logger, history HistoryStore, run *store.Run, rep report.Report) {
	run.EndReason = rep.EndReason
	run.SuccessCount = rep.SuccessCount
	run.FailureCount = rep.FailureCount
	run.AverageThroughputMbps = rep.AverageThroughputMbps
	run.TotalSentBytes = rep.TotalSentBytes
	run.TotalReceivedBytes = rep.TotalReceivedBytes
	run.ElapsedSeconds = rep.ElapsedSeconds

	rows := make([]store.NamespaceResult, len(rep.Namespaces))
	for i, ns := range rep.Namespaces {
		rows[i] = store.NamespaceResult{
			RunID:          run.ID,
			Index:          ns.Index,
			Namespace:      ns.Name,
			Port:           ns.Port,
			TunnelReady:    ns.TunnelReady,
			Success:        ns.Success,
			BytesSent:      ns.BytesSent,
			BytesReceived:  ns.BytesReceived,
			ThroughputMbps: ns.ThroughputMbps,
			ErrorKind:      string(ns.ErrorKind),
			Error:          ns.Error,
		}
	}
	if err := history.FinishRun(run, rows); err != nil {
		logger.Warn("record session history", "error", err)
	}
}

func (c *Controller) snapshotLinks(descs []registry.Descriptor) map[string]linkstats.Counters {
	if c.opts.Links == nil {
		return nil
	}
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.HostLinkName
	}
	return linkstats.Snapshot(c.opts.Links, names)
}

func (c *Controller) reportLinks(logger *slog.Logger, descs []registry.Descriptor, before map[string]linkstats.Counters) {
	if c.opts.Links == nil {
		return
	}
	after := c.snapshotLinks(descs)
	for _, d := range descs {
		b, okB := before[d.HostLinkName]
		a, okA := after[d.HostLinkName]
		if !okB || !okA {
			continue
		}
		delta := a.Sub(b)
		c.opts.Metrics.LinkBytes(d.Name, delta.RxBytes, delta.TxBytes)
		logger.Debug("host link traffic", "namespace", d.Name, "link", d.HostLinkName,
			"rx_bytes", delta.RxBytes, "tx_bytes", delta.TxBytes)
	}
}

func endReason(cause error) string {
	switch {
	case errors.Is(cause, errDeadline):
		return EndDeadline
	case errors.Is(cause, errCancelCommand):
		return EndCancelCommand
	default:
		return EndInterrupted
	}
}

// countKind counts the errors of kind in a tree built with errors.Join.
func countKind(err error, kind failure.Kind) int {
	if err == nil {
		return 0
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		n := 0
		for _, e := range joined.Unwrap() {
			n += countKind(e, kind)
		}
		return n
	}
	if failure.KindOf(err) == kind {
		return 1
	}
	return 0
}

var _ TargetServers = (*docker.Client)(nil)
