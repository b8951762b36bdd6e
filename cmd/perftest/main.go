// Package main implements the perftest CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/irisor/perf-tester/internal/config"
	"github.com/irisor/perf-tester/internal/logging"
	"github.com/irisor/perf-tester/internal/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	// Global flags
	verbose    bool
	configPath string
	traceOut   bool

	cfg      *config.Config
	logger   *zap.Logger
	provider *telemetry.Provider
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "perftest",
	Short: "perftest - page load performance tester",
	Long: `perftest loads a page in a real browser several times under a fixed
network/CPU throttling profile, optionally blocking, deferring or rewriting
resources, and reports the median First Contentful Paint and Largest
Contentful Paint together with a screenshot.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
			cfg.Logging.DebugMode = true
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", configPath, err)
		}

		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if traceOut {
			provider, err = telemetry.NewProvider("perftest", version, cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("failed to initialize tracing: %w", err)
			}
		}
		logging.For(logger, logging.CategoryBoot).Debug("config loaded",
			zap.String("path", configPath),
			zap.String("launch_mode", cfg.Browser.LaunchMode))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if provider != nil {
			if err := provider.Shutdown(context.Background()); err != nil && logger != nil {
				logger.Warn("failed to flush traces", zap.Error(err))
			}
			provider = nil
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file")
	rootCmd.PersistentFlags().BoolVar(&traceOut, "trace", false, "Write OpenTelemetry spans to stderr")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(profilesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
