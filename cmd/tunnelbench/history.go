package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/p-arndt/tunnelbench/internal/store"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openHistory()
		if err != nil {
			return err
		}
		defer st.Close()

		runs, err := st.ListRuns(historyLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, runs)
		}

		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tREASON\tOK\tFAILED\tAVG MBPS\tRECEIVED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%.2f\t%s\n",
				r.ID,
				r.StartedAt.Local().Format(time.DateTime),
				r.Status,
				dash(r.EndReason),
				r.SuccessCount,
				r.FailureCount,
				r.AverageThroughputMbps,
				units.HumanSize(float64(r.TotalReceivedBytes)),
			)
		}
		return w.Flush()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show the per-namespace results of one session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openHistory()
		if err != nil {
			return err
		}
		defer st.Close()

		run, err := st.GetRun(args[0])
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("session %s not found", args[0])
		}
		results, err := st.ListNamespaceResults(run.ID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, struct {
				*store.Run
				Namespaces []*store.NamespaceResult `json:"namespaces"`
			}{run, results})
		}

		fmt.Fprintf(out, "Session %s  %s  %s (%s)\n", run.ID, run.StartedAt.Local().Format(time.DateTime), run.Status, dash(run.EndReason))
		fmt.Fprintf(out, "Tunnel config: %s\n", run.TunnelConfig)
		fmt.Fprintf(out, "Successful: %d  Failed: %d  Average: %.2f Mbps  Elapsed: %.1fs\n\n",
			run.SuccessCount, run.FailureCount, run.AverageThroughputMbps, run.ElapsedSeconds)

		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "#\tNAMESPACE\tPORT\tREADY\tOK\tMBPS\tRECEIVED\tERROR")
		for _, r := range results {
			fmt.Fprintf(w, "%d\t%s\t%d\t%t\t%t\t%.2f\t%s\t%s\n",
				r.Index,
				r.Namespace,
				r.Port,
				r.TunnelReady,
				r.Success,
				r.ThroughputMbps,
				units.HumanSize(float64(r.BytesReceived)),
				dash(r.ErrorKind),
			)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of sessions to list")
	historyCmd.AddCommand(historyShowCmd)
	rootCmd.AddCommand(historyCmd)
}

func openHistory() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.DBPath == "" {
		return nil, errors.New("history is disabled (db_path is empty)")
	}
	return store.New(cfg.DBPath, 1)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
