// Package tunnel starts one tunnel client per namespace, watches its output
// for readiness and guarantees every process is stopped.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/shlex"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/p-arndt/tunnelbench/internal/config"
	"github.com/p-arndt/tunnelbench/internal/failure"
	"github.com/p-arndt/tunnelbench/internal/metrics"
	"github.com/p-arndt/tunnelbench/internal/registry"
	"github.com/p-arndt/tunnelbench/internal/runtime"
)

type Config struct {
	// Argv is the full tunnel command, already templated.
	Argv             []string
	ReadyMarker      string
	FailMarkers      []string
	ReadinessTimeout time.Duration
	StopGrace        time.Duration
	PTY              bool
	// MaxParallelStarts bounds concurrent spawns; 0 means unbounded.
	MaxParallelStarts int
	// StartRate paces spawns per second; 0 disables pacing.
	StartRate float64
}

// ConfigFrom builds the supervisor config, expanding {config} in the
// argument template.
func ConfigFrom(c config.TunnelConfig) (Config, error) {
	args, err := shlex.Split(c.Args)
	if err != nil {
		return Config{}, fmt.Errorf("parse tunnel args: %w", err)
	}
	argv := []string{c.Binary}
	for _, a := range args {
		argv = append(argv, strings.ReplaceAll(a, "{config}", c.ConfigPath))
	}
	return Config{
		Argv:              argv,
		ReadyMarker:       c.ReadyMarker,
		FailMarkers:       c.FailMarkers,
		ReadinessTimeout:  c.ReadinessTimeout(),
		StopGrace:         c.StopGrace(),
		PTY:               c.PTY,
		MaxParallelStarts: c.MaxParallelStarts,
		StartRate:         c.StartRatePerSecond,
	}, nil
}

type Supervisor struct {
	launcher runtime.Launcher
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Recorder
	limiter  *rate.Limiter
}

func NewSupervisor(launcher runtime.Launcher, cfg Config, logger *slog.Logger, rec *metrics.Recorder) *Supervisor {
	s := &Supervisor{
		launcher: launcher,
		cfg:      cfg,
		logger:   logger,
		metrics:  rec,
	}
	if cfg.StartRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.StartRate), 1)
	}
	return s
}

// StartAll issues one spawn per descriptor and returns once every spawn was
// attempted. Handles are in descriptor order. Spawns not yet issued when ctx
// ends fail with a cancelled cause.
func (s *Supervisor) StartAll(ctx context.Context, descs []registry.Descriptor) []*Handle {
	handles := make([]*Handle, len(descs))
	for i, d := range descs {
		handles[i] = newHandle(i, d)
	}

	var g errgroup.Group
	if s.cfg.MaxParallelStarts > 0 {
		g.SetLimit(s.cfg.MaxParallelStarts)
	}
	for _, h := range handles {
		g.Go(func() error {
			s.start(ctx, h)
			return nil
		})
	}
	_ = g.Wait()
	return handles
}

func (s *Supervisor) start(ctx context.Context, h *Handle) {
	ns := h.Descriptor.Name
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.fail(h, failure.New(failure.Cancelled, ns, err))
			return
		}
	}
	if err := ctx.Err(); err != nil {
		s.fail(h, failure.New(failure.Cancelled, ns, err))
		return
	}

	lw := newLineWriter(func(line string) { s.onLine(h, line) })

	// Hold the lock across Start so output arriving before proc is stored
	// cannot race a fail marker that needs to signal the process.
	h.mu.Lock()
	proc, err := s.launcher.Start(ctx, runtime.Spec{
		Namespace: ns,
		Argv:      s.cfg.Argv,
		PTY:       s.cfg.PTY,
		Stdout:    lw,
	})
	if err != nil {
		h.mu.Unlock()
		kind := failure.SpawnFailure
		if ctx.Err() != nil {
			kind = failure.Cancelled
		}
		s.fail(h, failure.New(kind, ns, err))
		return
	}
	h.proc = proc
	h.startedAt = time.Now()
	h.mu.Unlock()

	s.logger.Info("tunnel started", "namespace", ns, "pid", proc.Pid())
	s.metrics.TunnelTransition(Starting.String())
	go s.watch(h, proc, lw)
}

func (s *Supervisor) fail(h *Handle, err error) {
	if !h.transition(Failed, err) {
		return
	}
	s.metrics.TunnelTransition(Failed.String())
	if failure.KindOf(err) == failure.Cancelled {
		s.logger.Info("tunnel not started", "namespace", h.Descriptor.Name, "error", err)
		return
	}
	s.logger.Error("tunnel failed", "namespace", h.Descriptor.Name, "error", err)
}

func (s *Supervisor) onLine(h *Handle, line string) {
	ns := h.Descriptor.Name
	s.logger.Debug("tunnel output", "namespace", ns, "line", line)

	if s.cfg.ReadyMarker != "" && strings.Contains(line, s.cfg.ReadyMarker) {
		if h.transition(Ready, nil) {
			after := h.ReadyAt().Sub(h.StartedAt())
			s.logger.Info("tunnel ready", "namespace", ns, "after", after.Round(time.Millisecond))
			s.metrics.TunnelTransition(Ready.String())
			s.metrics.TunnelReady(after)
		}
		return
	}
	for _, m := range s.cfg.FailMarkers {
		if m == "" || !strings.Contains(line, m) {
			continue
		}
		err := failure.New(failure.ProcessFailure, ns, fmt.Errorf("fail marker %q in output", m))
		if h.transition(Failed, err) {
			s.logger.Error("tunnel failed", "namespace", ns, "error", err)
			s.metrics.TunnelTransition(Failed.String())
			if proc := h.process(); proc != nil {
				go proc.Signal(syscall.SIGTERM)
			}
		}
		return
	}
}

// watch enforces the readiness timeout and records the exit status.
func (s *Supervisor) watch(h *Handle, proc runtime.Process, lw *lineWriter) {
	defer close(h.watched)
	ns := h.Descriptor.Name
	timer := time.NewTimer(s.cfg.ReadinessTimeout)
	defer timer.Stop()

	settled := h.Settled()
	for exited := false; !exited; {
		select {
		case <-proc.Done():
			exited = true
		case <-settled:
			settled = nil
			timer.Stop()
		case <-timer.C:
			err := failure.New(failure.ReadinessTimeout, ns,
				fmt.Errorf("no readiness marker within %s", s.cfg.ReadinessTimeout))
			if h.transition(TimedOut, err) {
				s.logger.Warn("tunnel readiness timeout", "namespace", ns, "pid", proc.Pid(), "error", err)
				s.metrics.TunnelTransition(TimedOut.String())
				if serr := proc.Signal(syscall.SIGKILL); serr != nil {
					s.logger.Warn("kill after readiness timeout", "namespace", ns, "error", serr)
				}
			}
		}
	}

	lw.Flush()
	st := proc.Status()
	h.setExit(st)

	err := failure.New(failure.ProcessFailure, ns, fmt.Errorf("exited before readiness: %s", st))
	if h.transition(Failed, err) {
		s.logger.Error("tunnel failed", "namespace", ns, "pid", proc.Pid(), "error", err)
		s.metrics.TunnelTransition(Failed.String())
		return
	}
	switch state := h.State(); state {
	case Ready:
		s.logger.Warn("tunnel exited after readiness", "namespace", ns, "pid", proc.Pid(), "status", st.String())
	default:
		s.logger.Debug("tunnel exited", "namespace", ns, "pid", proc.Pid(), "state", state.String(), "status", st.String())
	}
}

// StopAll stops every handle concurrently, whatever its state. Handles that
// are already stopping or stopped are only waited for. Processes that survive
// SIGKILL are reported as termination failures in the joined error; their
// handles still end Stopped.
func (s *Supervisor) StopAll(handles []*Handle) error {
	errs := make([]error, len(handles))
	var wg sync.WaitGroup
	for i, h := range handles {
		if h == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.stop(h)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Supervisor) stop(h *Handle) error {
	if !h.beginStop() {
		<-h.Done()
		return nil
	}
	defer func() {
		h.finishStop()
		s.metrics.TunnelTransition(Stopped.String())
	}()
	s.metrics.TunnelTransition(Stopping.String())

	proc := h.process()
	if proc == nil {
		return nil
	}
	ns := h.Descriptor.Name
	if exited(proc) {
		<-h.watched
		return nil
	}

	s.logger.Debug("stopping tunnel", "namespace", ns, "pid", proc.Pid())
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("sigterm tunnel", "namespace", ns, "pid", proc.Pid(), "error", err)
	}
	if waitExit(proc, s.cfg.StopGrace) {
		<-h.watched
		return nil
	}

	s.logger.Warn("tunnel ignored SIGTERM, escalating", "namespace", ns, "pid", proc.Pid())
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		s.logger.Warn("sigkill tunnel", "namespace", ns, "pid", proc.Pid(), "error", err)
	}
	if waitExit(proc, s.cfg.StopGrace) {
		<-h.watched
		return nil
	}

	err := failure.New(failure.TerminationFailure, ns,
		fmt.Errorf("pid %d still running %s after SIGKILL", proc.Pid(), s.cfg.StopGrace))
	s.logger.Warn("tunnel termination failed", "namespace", ns, "pid", proc.Pid(), "error", err)
	s.metrics.TerminationFailure()
	return err
}

// WaitSettled blocks until every handle has left Starting or ctx ends.
func WaitSettled(ctx context.Context, handles []*Handle) error {
	for _, h := range handles {
		select {
		case <-h.Settled():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func exited(proc runtime.Process) bool {
	select {
	case <-proc.Done():
		return true
	default:
		return false
	}
}

func waitExit(proc runtime.Process, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return true
	case <-timer.C:
		return false
	}
}
