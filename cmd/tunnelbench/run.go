package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-arndt/tunnelbench/internal/bench"
	"github.com/p-arndt/tunnelbench/internal/config"
	"github.com/p-arndt/tunnelbench/internal/docker"
	"github.com/p-arndt/tunnelbench/internal/linkstats"
	"github.com/p-arndt/tunnelbench/internal/metrics"
	"github.com/p-arndt/tunnelbench/internal/oplog"
	"github.com/p-arndt/tunnelbench/internal/reaper"
	"github.com/p-arndt/tunnelbench/internal/registry"
	"github.com/p-arndt/tunnelbench/internal/report"
	"github.com/p-arndt/tunnelbench/internal/runtime/linux"
	"github.com/p-arndt/tunnelbench/internal/session"
	"github.com/p-arndt/tunnelbench/internal/store"
	"github.com/p-arndt/tunnelbench/internal/tunnel"
)

var (
	runTarget     string
	runBasePort   int
	runGraceMs    int
	runNoWait     bool
	runPTY        bool
	runNoHistory  bool
	runTargets    bool
	runTextfile   string
	runListenAddr string
)

var runCmd = &cobra.Command{
	Use:   "run <tunnel-config> [duration-seconds]",
	Short: "Run one benchmark session",
	Long: `Starts a tunnel in every registered namespace, waits for them to come up,
runs the benchmark in all namespaces concurrently and prints the report.
Type the cancel token (default "q") and press enter to end the session early.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSession,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runTarget, "target", "", "benchmark server address")
	f.IntVar(&runBasePort, "base-port", 0, "port of the first benchmark server")
	f.IntVar(&runGraceMs, "grace-ms", -1, "pause between tunnel readiness and benchmark start")
	f.BoolVar(&runNoWait, "no-wait", false, "do not wait for tunnels to settle before the grace period")
	f.BoolVar(&runPTY, "pty", false, "attach tunnels to a pseudo-terminal")
	f.BoolVar(&runNoHistory, "no-history", false, "do not record the session in the history database")
	f.BoolVar(&runTargets, "docker-targets", false, "start benchmark servers in docker containers")
	f.StringVar(&runTextfile, "metrics-textfile", "", "write prometheus metrics to this file at session end")
	f.StringVar(&runListenAddr, "metrics-listen", "", "serve /metrics on this address during the session")
	rootCmd.AddCommand(runCmd)
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := applyRunArgs(cmd, cfg, args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, err := oplog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger, closer, err := oplog.Open(cfg.LogPath, level, os.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	tunnelCfg, err := tunnel.ConfigFrom(cfg.Tunnel)
	if err != nil {
		return err
	}
	benchCfg, err := bench.ConfigFrom(cfg.Benchmark)
	if err != nil {
		return err
	}
	if err := preflightBinaries(cfg); err != nil {
		logger.Error("preflight", "error", err)
		return err
	}

	ctx := cmd.Context()
	rec := metrics.New()
	if cfg.Metrics.Listen != "" {
		stopServer := serveMetrics(cfg.Metrics.Listen, rec, logger)
		defer stopServer()
	}

	opts := session.Options{
		LoadRegistry:         loadRegistryFn(cfg, logger),
		Duration:             cfg.Session.Duration(),
		WaitForReady:         cfg.Session.WaitForReady,
		GraceBeforeBenchmark: cfg.Session.GraceBeforeBenchmark(),
		BasePort:             cfg.Benchmark.BasePort,
		Control:              cmd.InOrStdin(),
		CancelToken:          cfg.Session.CancelToken,
		TunnelConfig:         cfg.Tunnel.ConfigPath,
		TunnelCommand:        strings.Join(tunnelCfg.Argv, " "),
		Processes:            reaper.SystemProcesses{},
		Links:                linkstats.NetlinkReader{},
		CollectHost:          true,
		Metrics:              rec,
		Logger:               logger,
	}

	if cfg.DBPath != "" {
		st, err := store.New(cfg.DBPath, 1)
		if err != nil {
			logger.Warn("history disabled", "error", err)
		} else {
			defer st.Close()
			if n, err := reaper.New(st, reaper.SystemProcesses{}, tunnelCfg.StopGrace, logger).Reconcile(ctx); err != nil {
				logger.Warn("reap orphaned tunnels", "error", err)
			} else if n > 0 {
				logger.Warn("terminated tunnels left by an earlier session", "count", n)
			}
			opts.History = st
		}
	}

	if cfg.TargetServers.Enabled {
		dc, err := openTargets(ctx, cfg, logger)
		if err != nil {
			logger.Error("target servers", "error", err)
			return err
		}
		defer dc.Close()
		opts.Targets = dc
	}

	launcher := linux.NewLauncher(cfg.IPBinary)
	opts.Tunnels = tunnel.NewSupervisor(launcher, tunnelCfg, logger, rec)
	opts.Benchmarks = bench.NewRunner(launcher, benchCfg, logger, rec)

	rep, err := session.New(opts).Run(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := report.WriteJSON(out, *rep); err != nil {
			return err
		}
	} else {
		report.Print(out, *rep)
	}

	if cfg.Metrics.Textfile != "" {
		if err := rec.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Warn("write metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
		}
	}

	if code := session.ExitCode(rep.EndReason); code != 0 {
		return exitError{code: code}
	}
	return nil
}

// applyRunArgs layers the positional arguments and run flags over cfg.
func applyRunArgs(cmd *cobra.Command, cfg *config.Config, args []string) error {
	cfg.Tunnel.ConfigPath = args[0]
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("duration must be a positive number of seconds, got %q", args[1])
		}
		cfg.Session.DurationSeconds = n
	}

	f := cmd.Flags()
	if f.Changed("target") {
		cfg.Benchmark.Target = runTarget
	}
	if f.Changed("base-port") {
		cfg.Benchmark.BasePort = runBasePort
	}
	if f.Changed("grace-ms") {
		cfg.Session.GraceBeforeBenchmarkMs = runGraceMs
	}
	if runNoWait {
		cfg.Session.WaitForReady = false
	}
	if runPTY {
		cfg.Tunnel.PTY = true
	}
	if runNoHistory {
		cfg.DBPath = ""
	}
	if runTargets {
		cfg.TargetServers.Enabled = true
	}
	if runTextfile != "" {
		cfg.Metrics.Textfile = runTextfile
	}
	if runListenAddr != "" {
		cfg.Metrics.Listen = runListenAddr
	}
	return nil
}

func preflightBinaries(cfg *config.Config) error {
	var errs []error
	for _, bin := range []string{cfg.IPBinary, cfg.Tunnel.Binary, cfg.Benchmark.Binary} {
		if err := linux.CheckBinary(bin); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// loadRegistryFn loads the registry and warns about namespaces that are not
// usable. Missing namespaces are left to fail their own spawn.
func loadRegistryFn(cfg *config.Config, logger *slog.Logger) func() ([]registry.Descriptor, error) {
	return func() ([]registry.Descriptor, error) {
		descs, err := registry.Load(cfg.RegistryPath)
		if err != nil {
			return nil, err
		}
		if limit := cfg.MaxNamespaces(); len(descs) > limit {
			return nil, fmt.Errorf("%d namespaces registered but only %d benchmark ports fit above %d",
				len(descs), limit, cfg.Benchmark.BasePort)
		}
		for _, d := range descs {
			if err := linux.CheckNamespace(d.Name); err != nil {
				logger.Warn("preflight", "namespace", d.Name, "error", err)
			}
			if d.HostLinkName == "" {
				continue
			}
			if err := linkstats.Check(d.HostLinkName); err != nil {
				logger.Warn("preflight", "namespace", d.Name, "link", d.HostLinkName, "error", err)
			}
		}
		return descs, nil
	}
}

func openTargets(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*docker.Client, error) {
	dc, err := docker.New(cfg.TargetServers.Image, logger)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if err := dc.Ping(ctx); err != nil {
		dc.Close()
		return nil, fmt.Errorf("docker ping failed, is Docker running? %w", err)
	}
	if cfg.TargetServers.Pull {
		if err := dc.Pull(ctx); err != nil {
			dc.Close()
			return nil, err
		}
	}
	return dc, nil
}

func serveMetrics(addr string, rec *metrics.Recorder, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
