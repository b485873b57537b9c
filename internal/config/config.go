package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type SessionConfig struct {
	DurationSeconds        int    `yaml:"duration_seconds"`
	GraceBeforeBenchmarkMs int    `yaml:"grace_before_benchmark_ms"`
	WaitForReady           bool   `yaml:"wait_for_ready"`
	CancelToken            string `yaml:"cancel_token"`
}

type TunnelConfig struct {
	Binary                  string   `yaml:"binary"`
	Args                    string   `yaml:"args"` // shell-style, {config} is substituted
	ConfigPath              string   `yaml:"config_path"`
	ReadyMarker             string   `yaml:"ready_marker"`
	FailMarkers             []string `yaml:"fail_markers"`
	ReadinessTimeoutSeconds int      `yaml:"readiness_timeout_seconds"`
	StopGraceSeconds        int      `yaml:"stop_grace_seconds"`
	PTY                     bool     `yaml:"pty"`
	MaxParallelStarts       int      `yaml:"max_parallel_starts"`
	StartRatePerSecond      float64  `yaml:"start_rate_per_second"`
}

type BenchmarkConfig struct {
	Binary           string `yaml:"binary"`
	Args             string `yaml:"args"` // {target}, {port} and {duration} are substituted
	Target           string `yaml:"target"`
	BasePort         int    `yaml:"base_port"`
	DurationSeconds  int    `yaml:"duration_seconds"`
	StopGraceSeconds int    `yaml:"stop_grace_seconds"`
}

type TargetServersConfig struct {
	Enabled bool   `yaml:"enabled"`
	Image   string `yaml:"image"`
	Pull    bool   `yaml:"pull"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
	Listen   string `yaml:"listen"`
}

type Config struct {
	RegistryPath  string              `yaml:"registry_path"`
	LogPath       string              `yaml:"log_path"`
	LogLevel      string              `yaml:"log_level"`
	DBPath        string              `yaml:"db_path"` // empty disables history
	IPBinary      string              `yaml:"ip_binary"`
	Session       SessionConfig       `yaml:"session"`
	Tunnel        TunnelConfig        `yaml:"tunnel"`
	Benchmark     BenchmarkConfig     `yaml:"benchmark"`
	TargetServers TargetServersConfig `yaml:"target_servers"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		RegistryPath: "./namespaces.json",
		LogPath:      "./tunnelbench.log",
		LogLevel:     "info",
		DBPath:       "./tunnelbench.db",
		IPBinary:     "ip",
		Session: SessionConfig{
			DurationSeconds:        60,
			GraceBeforeBenchmarkMs: 2000,
			WaitForReady:           true,
			CancelToken:            "q",
		},
		Tunnel: TunnelConfig{
			Binary:                  "openvpn",
			Args:                    "--config {config}",
			ReadyMarker:             "Initialization Sequence Completed",
			FailMarkers:             []string{"AUTH_FAILED", "Exiting due to fatal error"},
			ReadinessTimeoutSeconds: 30,
			StopGraceSeconds:        5,
		},
		Benchmark: BenchmarkConfig{
			Binary:           "iperf3",
			Args:             "-c {target} -p {port} -t {duration} -J",
			Target:           "192.168.0.1",
			BasePort:         5201,
			DurationSeconds:  10,
			StopGraceSeconds: 3,
		},
		TargetServers: TargetServersConfig{
			Enabled: false,
			Image:   "networkstatic/iperf3",
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// Validate checks values that would otherwise surface as confusing runtime
// behaviour (zero timers, port overflow).
func (c *Config) Validate() error {
	if c.Session.DurationSeconds <= 0 {
		return fmt.Errorf("session.duration_seconds must be positive, got %d", c.Session.DurationSeconds)
	}
	if c.Session.GraceBeforeBenchmarkMs < 0 {
		return fmt.Errorf("session.grace_before_benchmark_ms must not be negative")
	}
	if strings.TrimSpace(c.Tunnel.Binary) == "" {
		return fmt.Errorf("tunnel.binary is required")
	}
	if c.Tunnel.ReadinessTimeoutSeconds <= 0 {
		return fmt.Errorf("tunnel.readiness_timeout_seconds must be positive, got %d", c.Tunnel.ReadinessTimeoutSeconds)
	}
	if c.Tunnel.StopGraceSeconds <= 0 {
		return fmt.Errorf("tunnel.stop_grace_seconds must be positive, got %d", c.Tunnel.StopGraceSeconds)
	}
	if c.Tunnel.StartRatePerSecond < 0 {
		return fmt.Errorf("tunnel.start_rate_per_second must not be negative")
	}
	if strings.TrimSpace(c.Benchmark.Binary) == "" {
		return fmt.Errorf("benchmark.binary is required")
	}
	if c.Benchmark.BasePort <= 0 || c.Benchmark.BasePort > 65535 {
		return fmt.Errorf("benchmark.base_port out of range: %d", c.Benchmark.BasePort)
	}
	if c.Benchmark.DurationSeconds <= 0 {
		return fmt.Errorf("benchmark.duration_seconds must be positive, got %d", c.Benchmark.DurationSeconds)
	}
	if c.Benchmark.StopGraceSeconds <= 0 {
		return fmt.Errorf("benchmark.stop_grace_seconds must be positive, got %d", c.Benchmark.StopGraceSeconds)
	}
	return nil
}

// MaxNamespaces is the number of namespaces whose derived benchmark port
// still fits in the TCP port range.
func (c *Config) MaxNamespaces() int {
	return 65535 - c.Benchmark.BasePort + 1
}

func (s SessionConfig) Duration() time.Duration {
	return time.Duration(s.DurationSeconds) * time.Second
}

func (s SessionConfig) GraceBeforeBenchmark() time.Duration {
	return time.Duration(s.GraceBeforeBenchmarkMs) * time.Millisecond
}

func (t TunnelConfig) ReadinessTimeout() time.Duration {
	return time.Duration(t.ReadinessTimeoutSeconds) * time.Second
}

func (t TunnelConfig) StopGrace() time.Duration {
	return time.Duration(t.StopGraceSeconds) * time.Second
}

func (b BenchmarkConfig) Duration() time.Duration {
	return time.Duration(b.DurationSeconds) * time.Second
}

func (b BenchmarkConfig) StopGrace() time.Duration {
	return time.Duration(b.StopGraceSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TUNNELBENCH_REGISTRY_PATH"); v != "" {
		cfg.RegistryPath = v
	}
	if v := os.Getenv("TUNNELBENCH_LOG_PATH"); v != "" {
		cfg.LogPath = v
	}
	if v := os.Getenv("TUNNELBENCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("TUNNELBENCH_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v := os.Getenv("TUNNELBENCH_IP_BINARY"); v != "" {
		cfg.IPBinary = v
	}
	if v := os.Getenv("TUNNELBENCH_DURATION_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.DurationSeconds = n
		}
	}
	if v := os.Getenv("TUNNELBENCH_GRACE_BEFORE_BENCHMARK_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.GraceBeforeBenchmarkMs = n
		}
	}
	if v := os.Getenv("TUNNELBENCH_WAIT_FOR_READY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Session.WaitForReady = b
		}
	}
	if v := os.Getenv("TUNNELBENCH_TUNNEL_BINARY"); v != "" {
		cfg.Tunnel.Binary = v
	}
	if v := os.Getenv("TUNNELBENCH_TUNNEL_CONFIG"); v != "" {
		cfg.Tunnel.ConfigPath = v
	}
	if v := os.Getenv("TUNNELBENCH_READY_MARKER"); v != "" {
		cfg.Tunnel.ReadyMarker = v
	}
	if v := os.Getenv("TUNNELBENCH_READINESS_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tunnel.ReadinessTimeoutSeconds = n
		}
	}
	if v := os.Getenv("TUNNELBENCH_TUNNEL_PTY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tunnel.PTY = b
		}
	}
	if v := os.Getenv("TUNNELBENCH_BENCHMARK_BINARY"); v != "" {
		cfg.Benchmark.Binary = v
	}
	if v := os.Getenv("TUNNELBENCH_TARGET"); v != "" {
		cfg.Benchmark.Target = v
	}
	if v := os.Getenv("TUNNELBENCH_BASE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Benchmark.BasePort = n
		}
	}
	if v := os.Getenv("TUNNELBENCH_BENCHMARK_DURATION_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Benchmark.DurationSeconds = n
		}
	}
	if v := os.Getenv("TUNNELBENCH_METRICS_TEXTFILE"); v != "" {
		cfg.Metrics.Textfile = v
	}
	if v := os.Getenv("TUNNELBENCH_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
}
