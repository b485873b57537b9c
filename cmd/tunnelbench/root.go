package main

import (
	"github.com/spf13/cobra"

	"github.com/p-arndt/tunnelbench/internal/config"
)

var (
	cfgPath      string
	registryPath string
	jsonOutput   bool
)

var rootCmd = &cobra.Command{
	Use:           "tunnelbench",
	Short:         "Concurrent tunnel throughput benchmark",
	Long:          `Starts one tunnel per provisioned network namespace, benchmarks all of them at once and reports aggregate throughput.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to tunnelbench.yaml")
	rootCmd.PersistentFlags().StringVar(&registryPath, "registry", "", "namespace registry file (overrides registry_path)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of text")
}

// loadConfig applies file, environment and then global flag settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if registryPath != "" {
		cfg.RegistryPath = registryPath
	}
	return cfg, nil
}
