package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/irisor/perf-tester/internal/browser/browsertest"
	"github.com/irisor/perf-tester/internal/engine"
	"github.com/irisor/perf-tester/internal/fetch"
	"github.com/irisor/perf-tester/internal/types"
	"github.com/irisor/perf-tester/internal/vitals"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("github.com/dlclark/regexp2.runClock"))
}

type runnerFunc func(ctx context.Context, req types.TestRequest) (*types.AggregateResult, error)

func (f runnerFunc) Run(ctx context.Context, req types.TestRequest) (*types.AggregateResult, error) {
	return f(ctx, req)
}

type noFetch struct{}

func (noFetch) Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
	return nil, errors.New("no network in tests")
}

func post(t *testing.T, h http.Handler, body string) (*http.Response, []byte) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/test", strings.NewReader(body)))
	res := rec.Result()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func TestHealthz(t *testing.T) {
	s := New(runnerFunc(nil), Options{}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s := New(runnerFunc(nil), Options{}, nil)
	s.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "perftest_http_requests_total")
}

func TestDryRunOverHTTP(t *testing.T) {
	l := &browsertest.Launcher{}
	s := New(engine.New(l, noFetch{}, engine.Options{}, nil), Options{}, nil)

	res, body := post(t, s.Handler(), `{"dryRun": true}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	assert.JSONEq(t, `{
		"parameters": {"url": "", "rules": {}, "mode": "custom", "runs": 3, "disableCache": false, "dryRun": true},
		"averageMetrics": {"FCP": -1, "LCP": -1},
		"individualRuns": [{"FCP": -1, "LCP": -1}],
		"screenshot": ""
	}`, string(body))
	assert.Equal(t, 0, l.Launches())
}

func TestEndToEndOverHTTP(t *testing.T) {
	l := &browsertest.Launcher{Behavior: browsertest.Behavior{
		OnLoad:     func(p *browsertest.Page) { p.Call(vitals.BindingName, 120) },
		Evaluate:   func(string) ([]byte, error) { return []byte("400"), nil },
		Screenshot: []byte("png"),
	}}
	opts := engine.Options{FCPTimeout: time.Second, SettleDelay: time.Millisecond}
	s := New(engine.New(l, noFetch{}, opts, nil), Options{MaxConcurrentTests: 1}, nil)

	res, body := post(t, s.Handler(), `{"url":"https://example.test","runs":3,"mode":"custom","rules":{"block":["x.js"]}}`)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	var out types.AggregateResult
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.IndividualRuns, 3)
	for _, run := range out.IndividualRuns {
		assert.Equal(t, 120.0, run.FCP.Float64)
		assert.Equal(t, 400.0, run.LCP.Float64)
	}
	assert.Equal(t, 120.0, out.AverageMetrics.FCP.Float64)
	assert.Equal(t, 400.0, out.AverageMetrics.LCP.Float64)
	assert.Equal(t, "cG5n", out.Screenshot)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		errorText string
	}{
		{"validation", fmt.Errorf("%w: url is required", engine.ErrValidation), http.StatusBadRequest, "Invalid request"},
		{"navigation timeout", fmt.Errorf("run 1: %w", engine.ErrNavigationTimeout), http.StatusGatewayTimeout, "Test failed"},
		{"global timeout", fmt.Errorf("%w after 90s", engine.ErrGlobalTimeout), http.StatusGatewayTimeout, "Test timed out"},
		{"launch", fmt.Errorf("%w: chrome not found", engine.ErrLaunch), http.StatusInternalServerError, "Test failed"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "Test failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(runnerFunc(func(context.Context, types.TestRequest) (*types.AggregateResult, error) {
				return nil, tt.err
			}), Options{}, nil)

			res, body := post(t, s.Handler(), `{"url":"https://example.test"}`)
			assert.Equal(t, tt.status, res.StatusCode)
			var er types.ErrorResponse
			require.NoError(t, json.Unmarshal(body, &er))
			assert.Equal(t, tt.errorText, er.Error)
			assert.Equal(t, tt.err.Error(), er.Details)
		})
	}
}

func TestValidationThroughEngine(t *testing.T) {
	l := &browsertest.Launcher{}
	s := New(engine.New(l, noFetch{}, engine.Options{}, nil), Options{}, nil)

	res, body := post(t, s.Handler(), `{"rules":{"html_replace":{"find":"(oops","replace":""}},"url":"https://example.test"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, string(body), "Invalid request")
	assert.Equal(t, 0, l.Launches())
}

func TestMalformedBody(t *testing.T) {
	s := New(runnerFunc(nil), Options{}, nil)
	res, body := post(t, s.Handler(), `{"url":`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, string(body), "Invalid request")
}

func TestBodyTooLarge(t *testing.T) {
	s := New(runnerFunc(nil), Options{MaxBodyBytes: 16}, nil)
	res, _ := post(t, s.Handler(), `{"url":"https://example.test/a/very/long/path"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.StatusCode)
}

func TestConcurrencyLimit(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var mu sync.Mutex
	running, peak := 0, 0
	s := New(runnerFunc(func(ctx context.Context, req types.TestRequest) (*types.AggregateResult, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		started <- struct{}{}
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return types.DryRunResult(req), nil
	}), Options{MaxConcurrentTests: 1}, nil)

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, _ := post(t, s.Handler(), `{"dryRun":true}`)
			codes[i] = res.StatusCode
		}(i)
	}
	<-started
	select {
	case <-started:
		t.Fatal("second test started while the first held the only slot")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	wg.Wait()

	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, codes)
	assert.Equal(t, 1, peak)
}

func TestBusyWhenCallerGivesUp(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s := New(runnerFunc(func(ctx context.Context, req types.TestRequest) (*types.AggregateResult, error) {
		close(started)
		<-release
		return types.DryRunResult(req), nil
	}), Options{MaxConcurrentTests: 1}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		post(t, s.Handler(), `{"dryRun":true}`)
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/test", strings.NewReader(`{"dryRun":true}`)).WithContext(ctx)
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Server busy")

	close(release)
	<-done
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := New(runnerFunc(nil), Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	res, err := client.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
