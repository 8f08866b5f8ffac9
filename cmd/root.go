// Package cmd implements statsrelay's command-line entry point using the
// cobra framework, in the style of the otus CLI it was adapted from.
package cmd

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/firestige/statsrelay/internal/daemon"
)

var (
	configFile string
	threaded   bool
)

// rootCmd is statsrelay's single command: it loads configuration, wires
// up the relay, and runs it in the foreground until a shutdown signal
// arrives. There is no separate daemon/start/stop control plane —
// unlike otus's capture agent, statsrelay is a single long-running
// process managed by whatever external supervisor starts it.
var rootCmd = &cobra.Command{
	Use:   "statsrelay",
	Short: "statsrelay - a statsd relay with duplication and cardinality limiting",
	Long: `statsrelay accepts statsd metrics over TCP and UDP, hashes each metric
name onto a shard ring, and forwards it (optionally duplicated across
several named targets and guarded by an approximate-membership
cardinality filter) to the resulting downstream endpoint.`,
	Version: "0.1.0",
	RunE: func(cmd *cobra.Command, args []string) error {
		if threaded {
			runtime.GOMAXPROCS(runtime.NumCPU())
		} else {
			runtime.GOMAXPROCS(1)
		}

		r, err := daemon.New(configFile)
		if err != nil {
			return fmt.Errorf("failed to initialize relay: %w", err)
		}

		logrus.WithFields(logrus.Fields{
			"config":   configFile,
			"threaded": threaded,
		}).Info("statsrelay loading")

		return r.Run(context.Background())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/statsrelay.json",
		"config file path")
	rootCmd.PersistentFlags().BoolVarP(&threaded, "threaded", "t", false,
		"use all available CPUs instead of a single one")
}

// Execute runs the root command. It is called once by main.main.
func Execute() error {
	return rootCmd.Execute()
}
