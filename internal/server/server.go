// Package server exposes the test engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/irisor/perf-tester/internal/engine"
	"github.com/irisor/perf-tester/internal/logging"
	"github.com/irisor/perf-tester/internal/types"
)

const (
	defaultMaxBodyBytes = 1 << 20
	shutdownTimeout     = 30 * time.Second
	slowTestThreshold   = 2 * time.Minute
)

var (
	metricHTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perftest",
		Name:      "http_requests_total",
		Help:      "HTTP API requests by route and status code.",
	}, []string{"route", "code"})
	metricInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "perftest",
		Name:      "tests_in_flight",
		Help:      "Test invocations currently holding a browser.",
	})
)

// Runner executes one test invocation.
type Runner interface {
	Run(ctx context.Context, req types.TestRequest) (*types.AggregateResult, error)
}

// Options configures a Server.
type Options struct {
	MaxConcurrentTests int64
	MaxBodyBytes       int64
}

// Server serves POST /api/test, GET /healthz and GET /metrics.
type Server struct {
	runner  Runner
	sem     *semaphore.Weighted
	maxBody int64
	logger  *zap.Logger
	router  chi.Router
}

// New builds a Server around runner.
func New(runner Runner, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxConcurrentTests < 1 {
		opts.MaxConcurrentTests = 1
	}
	if opts.MaxBodyBytes < 1 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		runner:  runner,
		sem:     semaphore.NewWeighted(opts.MaxConcurrentTests),
		maxBody: opts.MaxBodyBytes,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/api/test", s.handleTest)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve serves on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, "/healthz", http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	const route = "/api/test"
	log := s.logger.With(zap.String("request_id", middleware.GetReqID(r.Context())))

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	var req types.TestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		s.respond(w, route, status, types.ErrorResponse{Error: "Invalid request", Details: err.Error()})
		return
	}

	if err := s.sem.Acquire(r.Context(), 1); err != nil {
		log.Warn("gave up waiting for a test slot", zap.Error(err))
		s.respond(w, route, http.StatusServiceUnavailable, types.ErrorResponse{Error: "Server busy", Details: err.Error()})
		return
	}
	metricInFlight.Inc()
	defer func() {
		metricInFlight.Dec()
		s.sem.Release(1)
	}()

	timer := logging.StartTimer(log, "test")
	res, err := s.runner.Run(r.Context(), req)
	timer.StopWithThreshold(slowTestThreshold)
	if err != nil {
		status, body := errorResponse(err)
		log.Warn("test request failed", zap.Int("status", status), zap.Error(err))
		s.respond(w, route, status, body)
		return
	}
	s.respond(w, route, http.StatusOK, res)
}

// errorResponse maps an engine error to a status code and body.
func errorResponse(err error) (int, types.ErrorResponse) {
	details := err.Error()
	switch engine.Kind(err) {
	case engine.KindValidation:
		return http.StatusBadRequest, types.ErrorResponse{Error: "Invalid request", Details: details}
	case engine.KindNavigationTimeout:
		return http.StatusGatewayTimeout, types.ErrorResponse{Error: "Test failed", Details: details}
	case engine.KindGlobalTimeout:
		return http.StatusGatewayTimeout, types.ErrorResponse{Error: "Test timed out", Details: details}
	default:
		return http.StatusInternalServerError, types.ErrorResponse{Error: "Test failed", Details: details}
	}
}

func (s *Server) respond(w http.ResponseWriter, route string, status int, payload any) {
	metricHTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}
