// Package main provides the jervis binary: the knowledge ingestion and
// retrieval orchestrator serving the assistant's chat and admin APIs.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	// Register LLM providers via init().
	_ "github.com/jervisproject/jervis/llm/providers"

	"github.com/jervisproject/jervis/config"
)

// Version is the build version, overridden at link time.
var Version = "0.1.0"

const appName = "jervis"

func main() {
	var logLevel string

	root := &cobra.Command{
		Use:           appName,
		Short:         "Knowledge ingestion and retrieval orchestrator",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the service: pollers, queue worker, and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(logLevel)
			slog.SetDefault(logger)

			cfg, err := config.NewLoader(logger).Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			app, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Run(cmd.Context())
		},
	}

	checkConfig := &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(logLevel)
			cfg, err := config.NewLoader(logger).Load()
			if err != nil {
				return err
			}
			fmt.Printf("configuration ok: server %s, nats %s\n", cfg.Server.Addr, cfg.NATS.URL)
			return nil
		},
	}

	root.AddCommand(serve, checkConfig)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
