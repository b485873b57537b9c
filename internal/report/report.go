// Package report aggregates per-namespace results into the session summary.
package report

import (
	"time"

	"github.com/p-arndt/tunnelbench/internal/bench"
	"github.com/p-arndt/tunnelbench/internal/failure"
	"github.com/p-arndt/tunnelbench/internal/hostinfo"
)

// Tunnel is the part of a tunnel handle the aggregation needs.
type Tunnel interface {
	WasReady() bool
	Cause() error
}

// Namespace is one row of the report.
type Namespace struct {
	Index          int          `json:"index"`
	Name           string       `json:"namespace"`
	Port           int          `json:"port"`
	TunnelReady    bool         `json:"tunnel_ready"`
	Success        bool         `json:"success"`
	BytesSent      uint64       `json:"bytes_sent"`
	BytesReceived  uint64       `json:"bytes_received"`
	ThroughputMbps float64      `json:"throughput_mbps"`
	ErrorKind      failure.Kind `json:"error_kind,omitempty"`
	Error          string       `json:"error,omitempty"`
}

type Report struct {
	SessionID             string         `json:"session_id,omitempty"`
	StartedAt             time.Time      `json:"started_at"`
	EndReason             string         `json:"end_reason,omitempty"`
	SuccessCount          int            `json:"success_count"`
	FailureCount          int            `json:"failure_count"`
	AverageThroughputMbps float64        `json:"average_throughput_mbps"`
	TotalSentBytes        uint64         `json:"total_sent_bytes"`
	TotalReceivedBytes    uint64         `json:"total_received_bytes"`
	MaxSentBytes          uint64         `json:"max_sent_bytes"`
	MaxReceivedBytes      uint64         `json:"max_received_bytes"`
	ElapsedSeconds        float64        `json:"elapsed_seconds"`
	TerminationFailures   int            `json:"termination_failures"`
	Host                  *hostinfo.Info `json:"host,omitempty"`
	Namespaces            []Namespace    `json:"namespaces"`
}

// Aggregate is pure. results and tunnels are paired by index; a missing
// tunnel counts as never ready. A namespace succeeds only when its tunnel
// became ready and its benchmark succeeded, and only those namespaces feed
// the totals, maxima and mean.
func Aggregate(results []bench.Result, tunnels []Tunnel, elapsed time.Duration) Report {
	rep := Report{
		ElapsedSeconds: elapsed.Seconds(),
		Namespaces:     make([]Namespace, 0, len(results)),
	}

	var sumMbps float64
	for i, res := range results {
		var tun Tunnel
		if i < len(tunnels) {
			tun = tunnels[i]
		}
		ready := tun != nil && tun.WasReady()

		ns := Namespace{
			Index:          res.Index,
			Name:           res.Namespace,
			Port:           res.Port,
			TunnelReady:    ready,
			BytesSent:      res.BytesSent,
			BytesReceived:  res.BytesReceived,
			ThroughputMbps: res.ThroughputMbps,
			ErrorKind:      res.ErrorKind,
			Error:          res.Error,
		}
		if !ready {
			// The tunnel failure explains the benchmark failure.
			ns.ErrorKind, ns.Error = tunnelFailure(tun)
		}
		ns.Success = ready && res.Success
		rep.Namespaces = append(rep.Namespaces, ns)

		if !ns.Success {
			rep.FailureCount++
			continue
		}
		rep.SuccessCount++
		rep.TotalSentBytes += res.BytesSent
		rep.TotalReceivedBytes += res.BytesReceived
		rep.MaxSentBytes = max(rep.MaxSentBytes, res.BytesSent)
		rep.MaxReceivedBytes = max(rep.MaxReceivedBytes, res.BytesReceived)
		sumMbps += res.ThroughputMbps
	}
	if rep.SuccessCount > 0 {
		rep.AverageThroughputMbps = sumMbps / float64(rep.SuccessCount)
	}
	return rep
}

func tunnelFailure(tun Tunnel) (failure.Kind, string) {
	if tun == nil {
		return failure.Cancelled, "tunnel not started"
	}
	cause := tun.Cause()
	if cause == nil {
		return failure.Cancelled, "tunnel stopped before readiness"
	}
	kind := failure.KindOf(cause)
	if kind == failure.None {
		kind = failure.ProcessFailure
	}
	return kind, cause.Error()
}
