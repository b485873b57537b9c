// Package metrics exposes session counters in the Prometheus format, either
// as a node_exporter textfile or over HTTP.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tunnelbench"

// Recorder owns a private registry. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	reg *prometheus.Registry

	tunnelTransitions *prometheus.CounterVec
	readiness         prometheus.Histogram
	benchmarks        *prometheus.CounterVec
	throughput        prometheus.Histogram
	sessions          *prometheus.CounterVec
	lastAverage       prometheus.Gauge
	lastSuccesses     prometheus.Gauge
	lastFailures      prometheus.Gauge
	terminations      prometheus.Counter
	linkBytes         *prometheus.GaugeVec
}

func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		tunnelTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_transitions_total",
			Help:      "Tunnel state transitions by target state.",
		}, []string{"state"}),
		readiness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tunnel_readiness_seconds",
			Help:      "Time from spawn to readiness marker.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 9),
		}),
		benchmarks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "benchmarks_total",
			Help:      "Finished benchmarks by outcome.",
		}, []string{"outcome"}),
		throughput: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "benchmark_throughput_mbps",
			Help:      "Receiver throughput of successful benchmarks.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions by end reason.",
		}, []string{"reason"}),
		lastAverage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_session_average_throughput_mbps",
			Help:      "Average throughput of the last finished session.",
		}),
		lastSuccesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_session_successes",
			Help:      "Successful namespaces in the last finished session.",
		}),
		lastFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_session_failures",
			Help:      "Failed namespaces in the last finished session.",
		}),
		terminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "termination_failures_total",
			Help:      "Processes still alive after SIGKILL and the stop grace.",
		}),
		linkBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_link_bytes",
			Help:      "Byte counters of the host side veth link.",
		}, []string{"namespace", "direction"}),
	}
	r.reg.MustRegister(
		r.tunnelTransitions, r.readiness, r.benchmarks, r.throughput,
		r.sessions, r.lastAverage, r.lastSuccesses, r.lastFailures,
		r.terminations, r.linkBytes,
	)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

func (r *Recorder) TunnelTransition(state string) {
	if r == nil {
		return
	}
	r.tunnelTransitions.WithLabelValues(state).Inc()
}

func (r *Recorder) TunnelReady(after time.Duration) {
	if r == nil {
		return
	}
	r.readiness.Observe(after.Seconds())
}

// BenchmarkFinished counts one benchmark. An empty outcome means success.
func (r *Recorder) BenchmarkFinished(outcome string, mbps float64) {
	if r == nil {
		return
	}
	if outcome == "" {
		outcome = "success"
		r.throughput.Observe(mbps)
	}
	r.benchmarks.WithLabelValues(outcome).Inc()
}

func (r *Recorder) TerminationFailure() {
	if r == nil {
		return
	}
	r.terminations.Inc()
}

func (r *Recorder) SessionFinished(reason string, successes, failures int, averageMbps float64) {
	if r == nil {
		return
	}
	r.sessions.WithLabelValues(reason).Inc()
	r.lastSuccesses.Set(float64(successes))
	r.lastFailures.Set(float64(failures))
	r.lastAverage.Set(averageMbps)
}

func (r *Recorder) LinkBytes(ns string, rx, tx uint64) {
	if r == nil {
		return
	}
	r.linkBytes.WithLabelValues(ns, "rx").Set(float64(rx))
	r.linkBytes.WithLabelValues(ns, "tx").Set(float64(tx))
}

// WriteTextfile atomically writes the current values for the node_exporter
// textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.reg)
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
