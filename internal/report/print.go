package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/go-units"
)

// Print writes the human-readable summary.
func Print(w io.Writer, rep Report) {
	fmt.Fprintf(w, "Tunnelbench session %s (%s)\n", valueOrDefault(rep.SessionID, "-"), rep.StartedAt.Format(time.RFC3339))
	if rep.Host != nil {
		fmt.Fprintf(w, "Host: %s | Kernel: %s | CPU: %s (%d cores) | RAM: %d MiB\n",
			rep.Host.Hostname,
			rep.Host.Kernel,
			rep.Host.CPUModel,
			rep.Host.LogicalCPUs,
			rep.Host.MemoryTotalMB,
		)
	}
	fmt.Fprintf(w, "Ended: %s after %.1fs\n\n", valueOrDefault(rep.EndReason, "-"), rep.ElapsedSeconds)

	for _, ns := range rep.Namespaces {
		if ns.Success {
			fmt.Fprintf(w, "  %-16s port=%d ok   sent=%s received=%s throughput=%.2f Mbps\n",
				ns.Name, ns.Port,
				units.HumanSize(float64(ns.BytesSent)),
				units.HumanSize(float64(ns.BytesReceived)),
				ns.ThroughputMbps,
			)
			continue
		}
		fmt.Fprintf(w, "  %-16s port=%d FAIL %s: %s\n", ns.Name, ns.Port, ns.ErrorKind, ns.Error)
	}
	if len(rep.Namespaces) > 0 {
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Successful: %d  Failed: %d\n", rep.SuccessCount, rep.FailureCount)
	fmt.Fprintf(w, "Average throughput: %.2f Mbps\n", rep.AverageThroughputMbps)
	fmt.Fprintf(w, "Total sent: %s (%d bytes)  max per namespace: %s\n",
		units.HumanSize(float64(rep.TotalSentBytes)), rep.TotalSentBytes, units.HumanSize(float64(rep.MaxSentBytes)))
	fmt.Fprintf(w, "Total received: %s (%d bytes)  max per namespace: %s\n",
		units.HumanSize(float64(rep.TotalReceivedBytes)), rep.TotalReceivedBytes, units.HumanSize(float64(rep.MaxReceivedBytes)))
	if rep.TerminationFailures > 0 {
		fmt.Fprintf(w, "WARNING: %d process(es) could not be terminated\n", rep.TerminationFailures)
	}
}

func WriteJSON(w io.Writer, rep Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
