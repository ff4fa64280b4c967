package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "meterd",
	Short: "Usage metering and aggregation service",
	Long: `Meterd ingests API usage events, aggregates them into real-time
counters and durable hourly rollups, and serves usage reports.

Quick start:
  meterd serve      # Start the metering service
  meterd validate   # Validate configuration

Operations:
  meterd usage      # Query usage from the durable store
  meterd version    # Show version information`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "meterd.yaml", "config file path")
}
