package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/irisor/perf-tester/internal/engine"
	"github.com/irisor/perf-tester/internal/logging"
	"github.com/irisor/perf-tester/internal/types"
)

// =============================================================================
// RUN COMMAND - One test invocation from the command line
// =============================================================================

var (
	runRequestFile  string
	runMode         string
	runRuns         int
	runBlock        []string
	runDefer        []string
	runFind         string
	runReplace      string
	runDisableCache bool
	runDryRun       bool
	runOut          string
	runScreenshot   string
)

var runCmd = &cobra.Command{
	Use:   "run [url]",
	Short: "Measure FCP and LCP of a page",
	Long: `Loads the page once per run in a fresh browser page under the selected
throttling profile and prints the aggregated result as JSON.

Examples:
  perftest run https://example.com --mode pagespeed-mobile --runs 5
  perftest run https://example.com --block analytics.js --defer app.js
  perftest run --request request.json --screenshot page.png`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTest,
}

func init() {
	runCmd.Flags().StringVar(&runRequestFile, "request", "", "Read the test request from a JSON file (- for stdin)")
	runCmd.Flags().StringVar(&runMode, "mode", "", "Throttling profile: custom, pagespeed-mobile, pagespeed-desktop")
	runCmd.Flags().IntVar(&runRuns, "runs", 0, "Number of measured page loads (default from config)")
	runCmd.Flags().StringSliceVar(&runBlock, "block", nil, "Abort requests whose URL contains this fragment")
	runCmd.Flags().StringSliceVar(&runDefer, "defer", nil, "Add defer to script tags whose src contains this fragment")
	runCmd.Flags().StringVar(&runFind, "find", "", "Regular expression to replace in the HTML document")
	runCmd.Flags().StringVar(&runReplace, "replace", "", "Literal replacement for --find")
	runCmd.Flags().BoolVar(&runDisableCache, "disable-cache", false, "Disable the browser cache")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Validate and echo the request without launching a browser")
	runCmd.Flags().StringVarP(&runOut, "out", "o", "", "Write the JSON result to this file instead of stdout")
	runCmd.Flags().StringVar(&runScreenshot, "screenshot", "", "Write the decoded screenshot PNG to this file")
}

// runTest executes one test invocation.
func runTest(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(cmd, args)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	timer := logging.StartTimer(logging.For(logger, logging.CategoryEngine), "test")
	res, err := eng.Run(ctx, req)
	timer.Stop()
	if err != nil {
		return fmt.Errorf("test failed (%s): %w", engine.Kind(err), err)
	}

	if runScreenshot != "" && res.Screenshot != "" {
		png, err := base64.StdEncoding.DecodeString(res.Screenshot)
		if err != nil {
			return fmt.Errorf("failed to decode screenshot: %w", err)
		}
		if err := os.WriteFile(runScreenshot, png, 0644); err != nil {
			return fmt.Errorf("failed to write screenshot: %w", err)
		}
		logger.Info("screenshot written", zap.String("path", runScreenshot), zap.Int("bytes", len(png)))
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	data = append(data, '\n')
	if runOut != "" {
		return os.WriteFile(runOut, data, 0644)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// buildRequest starts from --request when given; the url argument and any
// flag set explicitly override the file.
func buildRequest(cmd *cobra.Command, args []string) (types.TestRequest, error) {
	var req types.TestRequest
	if runRequestFile != "" {
		var r io.Reader = cmd.InOrStdin()
		if runRequestFile != "-" {
			f, err := os.Open(runRequestFile)
			if err != nil {
				return req, fmt.Errorf("failed to open request: %w", err)
			}
			defer f.Close()
			r = f
		}
		if err := json.NewDecoder(r).Decode(&req); err != nil {
			return req, fmt.Errorf("failed to parse request %s: %w", runRequestFile, err)
		}
	}

	if len(args) > 0 {
		req.URL = args[0]
	}
	flags := cmd.Flags()
	if flags.Changed("mode") {
		req.Mode = types.Mode(runMode)
	}
	if flags.Changed("runs") {
		req.Runs = runRuns
	}
	if flags.Changed("block") {
		req.Rules.Block = runBlock
	}
	if flags.Changed("defer") {
		req.Rules.Defer = runDefer
	}
	if flags.Changed("find") || flags.Changed("replace") {
		req.Rules.HTMLReplace = &types.HTMLReplace{Find: runFind, Replace: runReplace}
	}
	if flags.Changed("disable-cache") {
		req.DisableCache = runDisableCache
	}
	if flags.Changed("dry-run") {
		req.DryRun = runDryRun
	}
	return req, nil
}

// signalContext cancels the returned context on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
