package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Crawl coordination service for the satellite fleet.",
		Long: `coordinator accepts crawl and analysis job submissions, holds them in a
priority queue, assigns them to healthy satellite workers, tracks worker
liveness, reassigns work when a worker goes dark, and protects metered
third-party providers with quotas and circuit breakers.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./coordinator.yaml)")
	cmd.AddCommand(newServeCmd())

	return cmd
}
