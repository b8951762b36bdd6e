// Package fetch retrieves documents out of band, on behalf of an intercepted
// browser request.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const defaultMaxBodyBytes = 32 << 20

// Request is the upstream request to replay.
type Request struct {
	URL     string
	Method  string
	Headers http.Header
}

// Response is a fully read upstream response.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Options configures a Client.
type Options struct {
	Timeout      time.Duration
	MaxRetries   uint64
	MaxBodyBytes int64
}

// Client fetches documents with a bounded exponential retry on transport errors.
// HTTP error statuses are returned as responses, never retried.
type Client struct {
	http       *http.Client
	maxRetries uint64
	maxBody    int64
	logger     *zap.Logger
}

// New builds a Client. A nil logger discards output.
func New(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Client{
		http:       &http.Client{Timeout: opts.Timeout},
		maxRetries: opts.MaxRetries,
		maxBody:    opts.MaxBodyBytes,
		logger:     logger,
	}
}

// hopHeaders are not forwarded upstream. Accept-Encoding is dropped so the
// transport negotiates and transparently decodes compression itself.
var hopHeaders = []string{
	"Accept-Encoding",
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Fetch performs req and reads the whole body.
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	attempt := 0
	op := func() (*Response, error) {
		attempt++
		httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		for k, vs := range req.Headers {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}
		for _, h := range hopHeaders {
			httpReq.Header.Del(h)
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			c.logger.Debug("fetch attempt failed", zap.String("url", req.URL), zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if int64(len(body)) > c.maxBody {
			return nil, backoff.Permanent(fmt.Errorf("body exceeds %d bytes", c.maxBody))
		}
		return &Response{Status: resp.StatusCode, Headers: resp.Header.Clone(), Body: body}, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond
	expo.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, c.maxRetries), ctx)
	resp, err := backoff.RetryWithData(op, policy)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	return resp, nil
}
