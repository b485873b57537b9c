package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/p-arndt/tunnelbench/internal/linkstats"
	"github.com/p-arndt/tunnelbench/internal/registry"
	"github.com/p-arndt/tunnelbench/internal/runtime/linux"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "List registered namespaces and check that they exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		descs, err := registry.Load(cfg.RegistryPath)
		if err != nil {
			return err
		}

		type row struct {
			registry.Descriptor
			Port      int    `json:"port"`
			Namespace string `json:"namespace_status"`
			Link      string `json:"link_status"`
		}
		rows := make([]row, len(descs))
		problems := 0
		for i, d := range descs {
			rows[i] = row{Descriptor: d, Port: cfg.Benchmark.BasePort + i, Namespace: "ok", Link: "-"}
			if err := linux.CheckNamespace(d.Name); err != nil {
				rows[i].Namespace = "missing"
				problems++
			}
			if d.HostLinkName != "" {
				rows[i].Link = "ok"
				if err := linkstats.Check(d.HostLinkName); err != nil {
					rows[i].Link = "missing"
					problems++
				}
			}
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			if err := writeJSON(out, rows); err != nil {
				return err
			}
		} else {
			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "#\tNAMESPACE\tHOST LINK\tPORT\tNETNS\tLINK")
			for i, r := range rows {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n", i, r.Name, dash(r.HostLinkName), r.Port, r.Namespace, r.Link)
			}
			w.Flush()
			fmt.Fprintf(out, "%d namespaces registered in %s\n", len(descs), cfg.RegistryPath)
		}

		if problems > 0 {
			return fmt.Errorf("%d preflight problem(s)", problems)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registryCmd)
}
