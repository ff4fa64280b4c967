package main

import (
	"fmt"
	"os"

	"github.com/artpar/meterd/bootstrap"
	"github.com/artpar/meterd/config"
	"github.com/spf13/cobra"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the metering service",
	Long: `Start the meterd service.

The service will:
  - Load configuration from meterd.yaml (or --config)
  - Or load configuration from METERD_* environment variables
  - Open the rollup database and apply migrations
  - Start the stream consumers and the rollup janitor
  - Serve the HTTP API (event submission and usage queries)

Environment variables (for Docker deployments):
  METERD_DATABASE_DSN       - Database path (default: meterd.db)
  METERD_SERVER_PORT        - Server port (default: 8080)
  METERD_COUNTERS_MODE      - Counter store: memory or redis
  METERD_REDIS_ADDR         - Redis address (default: localhost:6379)
  METERD_STREAM_PARTITIONS  - Stream partitions (default: 4)
  METERD_LOG_LEVEL          - Log level: debug, info, warn, error

Examples:
  meterd serve
  meterd serve --config /etc/meterd/config.yaml
  meterd serve --hot-reload=false

  # Docker (env vars only):
  METERD_COUNTERS_MODE=redis METERD_REDIS_ADDR=redis:6379 meterd serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	var app *bootstrap.App
	var err error

	if hasConfigFile && hotReload {
		// Hot reload only works with a config file
		app, err = bootstrap.NewWithHotReload(cfgFile)
	} else {
		// Load config (file with env overrides, or env-only)
		cfg, loadErr := config.LoadWithFallback(cfgFile)
		if loadErr != nil {
			return fmt.Errorf("error loading config: %w", loadErr)
		}

		if !hasConfigFile {
			fmt.Println("Running with environment variables (no config file)")
		}

		app, err = bootstrap.New(cfg)
	}

	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
