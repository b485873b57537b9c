// Package bench runs one throughput client per namespace and turns its
// output into a Result.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/google/shlex"

	"github.com/p-arndt/tunnelbench/internal/config"
	"github.com/p-arndt/tunnelbench/internal/failure"
	"github.com/p-arndt/tunnelbench/internal/metrics"
	"github.com/p-arndt/tunnelbench/internal/registry"
	"github.com/p-arndt/tunnelbench/internal/runtime"
)

const (
	maxStdout = 8 * units.MiB
	maxStderr = 64 * units.KiB
)

// Result is the outcome of one namespace's benchmark.
type Result struct {
	Index          int                 `json:"index"`
	Namespace      string              `json:"namespace"`
	Descriptor     registry.Descriptor `json:"-"`
	Port           int                 `json:"port"`
	Success        bool                `json:"success"`
	BytesSent      uint64              `json:"bytes_sent"`
	BytesReceived  uint64              `json:"bytes_received"`
	ElapsedSeconds float64             `json:"elapsed_seconds"`
	ThroughputMbps float64             `json:"throughput_mbps"`
	RawOutput      string              `json:"-"`
	ErrorKind      failure.Kind        `json:"error_kind,omitempty"`
	Error          string              `json:"error,omitempty"`
	Exit           *runtime.ExitStatus `json:"exit,omitempty"`
}

func (r *Result) fail(kind failure.Kind, err error) {
	r.Success = false
	r.ErrorKind = kind
	r.Error = err.Error()
}

type Config struct {
	Binary string
	// Args is the argument template; {target}, {port} and {duration} are
	// substituted per namespace.
	Args      []string
	Target    string
	BasePort  int
	Duration  time.Duration
	StopGrace time.Duration
}

func ConfigFrom(c config.BenchmarkConfig) (Config, error) {
	args, err := shlex.Split(c.Args)
	if err != nil {
		return Config{}, fmt.Errorf("parse benchmark args: %w", err)
	}
	return Config{
		Binary:    c.Binary,
		Args:      args,
		Target:    c.Target,
		BasePort:  c.BasePort,
		Duration:  c.Duration(),
		StopGrace: c.StopGrace(),
	}, nil
}

// Port is the server port the benchmark for namespace index uses.
func (c Config) Port(index int) int {
	return c.BasePort + index
}

func (c Config) argv(port int) []string {
	r := strings.NewReplacer(
		"{target}", c.Target,
		"{port}", strconv.Itoa(port),
		"{duration}", strconv.Itoa(int(c.Duration/time.Second)),
	)
	argv := make([]string, 0, len(c.Args)+1)
	argv = append(argv, c.Binary)
	for _, a := range c.Args {
		argv = append(argv, r.Replace(a))
	}
	return argv
}

type Runner struct {
	launcher runtime.Launcher
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

func NewRunner(launcher runtime.Launcher, cfg Config, logger *slog.Logger, rec *metrics.Recorder) *Runner {
	return &Runner{launcher: launcher, cfg: cfg, logger: logger, metrics: rec}
}

// RunAll runs every benchmark concurrently and returns one Result per
// descriptor, in descriptor order. When ctx ends, benchmarks still running
// are terminated and reported as failures.
func (r *Runner) RunAll(ctx context.Context, descs []registry.Descriptor) []Result {
	results := make([]Result, len(descs))
	var wg sync.WaitGroup
	for i, d := range descs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.run(ctx, i, d)
		}()
	}
	wg.Wait()
	return results
}

// Skipped returns failed results for benchmarks that were never started.
func (r *Runner) Skipped(descs []registry.Descriptor, kind failure.Kind) []Result {
	results := make([]Result, len(descs))
	for i, d := range descs {
		results[i] = r.newResult(i, d)
		results[i].fail(kind, errors.New("benchmark not started"))
	}
	return results
}

func (r *Runner) newResult(i int, d registry.Descriptor) Result {
	return Result{Index: i, Namespace: d.Name, Descriptor: d, Port: r.cfg.Port(i)}
}

func (r *Runner) run(ctx context.Context, i int, d registry.Descriptor) Result {
	res := r.newResult(i, d)
	defer func() {
		r.metrics.BenchmarkFinished(string(res.ErrorKind), res.ThroughputMbps)
	}()

	if err := ctx.Err(); err != nil {
		res.fail(failure.Cancelled, err)
		return res
	}

	stdout := newCappedBuffer(maxStdout)
	stderr := newCappedBuffer(maxStderr)
	argv := r.cfg.argv(res.Port)
	proc, err := r.launcher.Start(ctx, runtime.Spec{
		Namespace: d.Name,
		Argv:      argv,
		Stdout:    stdout,
		Stderr:    stderr,
	})
	if err != nil {
		kind := failure.SpawnFailure
		if ctx.Err() != nil {
			kind = failure.Cancelled
		}
		res.fail(kind, err)
		r.logger.Error("benchmark spawn failed", "namespace", d.Name, "error", err)
		return res
	}
	r.logger.Info("benchmark started", "namespace", d.Name, "pid", proc.Pid(), "port", res.Port)

	terminated := false
	select {
	case <-proc.Done():
	case <-ctx.Done():
		terminated = true
		if !r.terminate(d.Name, proc) {
			res.RawOutput = string(stdout.Bytes())
			res.fail(failure.TerminationFailure,
				fmt.Errorf("pid %d still running after SIGKILL", proc.Pid()))
			r.metrics.TerminationFailure()
			return res
		}
	}

	st := proc.Status()
	res.Exit = &st
	res.RawOutput = string(stdout.Bytes())
	if errOut := strings.TrimSpace(string(stderr.Bytes())); errOut != "" {
		r.logger.Debug("benchmark stderr", "namespace", d.Name, "stderr", errOut)
	}
	if stdout.Truncated() {
		r.logger.Warn("benchmark output truncated", "namespace", d.Name, "limit", units.BytesSize(maxStdout))
	}

	// A benchmark cut short never counts, even if it exited cleanly with a
	// partial report.
	if terminated || !st.Success() {
		err := fmt.Errorf("benchmark %s", st)
		if terminated {
			err = fmt.Errorf("terminated at session end (%s)", st)
		}
		res.fail(failure.ProcessFailure, err)
		r.logger.Warn("benchmark failed", "namespace", d.Name, "error", err)
		return res
	}

	m, err := ParseIperf(stdout.Bytes())
	if err != nil {
		res.fail(failure.ParseFailure, err)
		r.logger.Warn("benchmark output unusable", "namespace", d.Name, "error", err)
		return res
	}

	res.Success = true
	res.BytesSent = m.BytesSent
	res.BytesReceived = m.BytesReceived
	res.ElapsedSeconds = m.ElapsedSeconds
	res.ThroughputMbps = ThroughputMbps(m.BytesReceived, m.ElapsedSeconds)
	r.logger.Info("benchmark finished", "namespace", d.Name,
		"received", units.HumanSize(float64(m.BytesReceived)),
		"mbps", fmt.Sprintf("%.2f", res.ThroughputMbps))
	return res
}

// terminate sends SIGTERM, then SIGKILL after the stop grace. It reports
// whether the process exited.
func (r *Runner) terminate(ns string, proc runtime.Process) bool {
	r.logger.Debug("terminating benchmark", "namespace", ns, "pid", proc.Pid())
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		r.logger.Warn("sigterm benchmark", "namespace", ns, "error", err)
	}
	if waitExit(proc, r.cfg.StopGrace) {
		return true
	}
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		r.logger.Warn("sigkill benchmark", "namespace", ns, "error", err)
	}
	if waitExit(proc, r.cfg.StopGrace) {
		return true
	}
	r.logger.Warn("benchmark termination failed", "namespace", ns, "pid", proc.Pid())
	return false
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
