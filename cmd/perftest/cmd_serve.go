package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/irisor/perf-tester/internal/logging"
	"github.com/irisor/perf-tester/internal/server"
)

// =============================================================================
// SERVE COMMAND - HTTP API
// =============================================================================

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the test API over HTTP",
	Long: `Starts the HTTP API:
  POST /api/test   run a test (same JSON request as 'perftest run --request')
  GET  /healthz    liveness
  GET  /metrics    Prometheus metrics

The server shuts down gracefully on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: serve,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
}

func serve(cmd *cobra.Command, args []string) error {
	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	srv := server.New(eng, server.Options{
		MaxConcurrentTests: int64(cfg.Server.MaxConcurrentTests),
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
	}, logging.For(logger, logging.CategoryServer))

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	logger.Info("starting server", zap.String("addr", addr), zap.Int("max_concurrent_tests", cfg.Server.MaxConcurrentTests))
	return srv.ListenAndServe(ctx, addr)
}
