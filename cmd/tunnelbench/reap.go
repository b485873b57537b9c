package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/p-arndt/tunnelbench/internal/docker"
	"github.com/p-arndt/tunnelbench/internal/oplog"
	"github.com/p-arndt/tunnelbench/internal/reaper"
	"github.com/p-arndt/tunnelbench/internal/store"
)

var reapDocker bool

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Terminate processes and benchmark servers left behind by crashed sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
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

		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if cfg.DBPath != "" {
			st, err := store.New(cfg.DBPath, 1)
			if err != nil {
				return err
			}
			defer st.Close()
			n, err := reaper.New(st, reaper.SystemProcesses{}, cfg.Tunnel.StopGrace(), logger).Reconcile(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "terminated %d orphaned tunnel process(es)\n", n)
		}

		if reapDocker || cfg.TargetServers.Enabled {
			dc, err := docker.New(cfg.TargetServers.Image, logger)
			if err != nil {
				return fmt.Errorf("docker client: %w", err)
			}
			defer dc.Close()
			servers, err := dc.ListServers(ctx)
			if err != nil {
				return err
			}
			if err := dc.RemoveServers(ctx, servers); err != nil {
				return err
			}
			fmt.Fprintf(out, "removed %d benchmark server container(s)\n", len(servers))
		}
		return nil
	},
}

func init() {
	reapCmd.Flags().BoolVar(&reapDocker, "docker", false, "also remove leftover benchmark server containers")
	rootCmd.AddCommand(reapCmd)
}
