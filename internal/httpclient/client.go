// Package httpclient is a rate-limited, retrying HTTP client that normalizes
// every non-2xx response into an *HTTPError.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"docpump/internal/logging"
	"docpump/internal/util"
)

// Config configures a Client.
type Config struct {
	// BaseURL prefixes every request path. Userinfo in it becomes basic auth.
	BaseURL string
	// Timeout bounds each attempt (default 30s).
	Timeout time.Duration
	// MaxRetries for transport failures, 429 and 5xx (default 3; negative
	// disables retries).
	MaxRetries int
	// RateLimit in requests per second; zero means unlimited.
	RateLimit float64
	// RateBurst is the limiter burst (default 5).
	RateBurst int
	Headers   map[string]string
	UserAgent string
	// Transport allows injecting a custom round tripper.
	Transport http.RoundTripper
}

const (
	defaultTimeout   = 30 * time.Second
	defaultRetries   = 3
	defaultBurst     = 5
	defaultUserAgent = "docpump/1.0"
)

// Client is a rate-limited, retry-capable HTTP client.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	backoff func(attempt int) time.Duration
}

// New builds a client, filling defaults into zero fields.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultRetries
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultBurst
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		backoff: exponentialBackoff,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return c
}

func exponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
}

// Request is one HTTP call relative to the base URL. Body is a byte slice so
// it can be replayed on retry.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    []byte
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals the response body into target.
func (r *Response) JSON(target any) error {
	return json.Unmarshal(r.Body, target)
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// IsRateLimited reports a 429 response.
func (e *HTTPError) IsRateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// IsServerError reports a 5xx response.
func (e *HTTPError) IsServerError() bool { return e.StatusCode >= 500 }

// StatusCode returns the status of an *HTTPError in err's chain, or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// transportError marks failures that never produced a response.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.IsRateLimited() || he.IsServerError()
	}
	var te *transportError
	return errors.As(err, &te)
}

// Do executes req with rate limiting and retry with exponential backoff.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, errors.Wrap(err, "rate limiter")
			}
		}
		resp, err := c.doOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == c.cfg.MaxRetries {
			break
		}
		wait := c.backoff(attempt)
		logging.Logf(logging.Debug, "HTTP %s %s failed (attempt %d/%d), retrying in %s: %v",
			req.Method, req.Path, attempt+1, c.cfg.MaxRetries+1, wait, err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Wrap(ctx.Err(), "retry wait")
		case <-t.C:
		}
	}
	if isRetryable(lastErr) && c.cfg.MaxRetries > 0 {
		return nil, errors.Wrapf(lastErr, "max retries exceeded")
	}
	return nil, lastErr
}

func (c *Client) buildURL(req *Request) string {
	full := c.cfg.BaseURL
	if req.Path != "" {
		full = strings.TrimSuffix(full, "/") + "/" + strings.TrimPrefix(req.Path, "/")
	}
	if len(req.Query) > 0 {
		full += "?" + req.Query.Encode()
	}
	return full
}

func (c *Client) doOnce(ctx context.Context, req *Request) (*Response, error) {
	fullURL := c.buildURL(req)
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, body)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if u := httpReq.URL.User; u != nil {
		pw, _ := u.Password()
		httpReq.SetBasicAuth(u.Username(), pw)
		httpReq.URL.User = nil
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &transportError{err: errors.Wrapf(err, "%s %s", req.Method, util.MaskCredentials(fullURL))}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{err: errors.Wrap(err, "read body")}
	}
	out := &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: data}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &HTTPError{
			Method:     req.Method,
			URL:        util.MaskCredentials(fullURL),
			StatusCode: resp.StatusCode,
			Body:       util.Snippet(data),
		}
	}
	return out, nil
}

// DoJSON sends body (if non-nil) as JSON and decodes a 2xx response into out
// (if non-nil).
func (c *Client) DoJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req := &Request{Method: method, Path: path, Query: query}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal body")
		}
		req.Body = data
		req.Headers = map[string]string{"Content-Type": "application/json"}
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := resp.JSON(out); err != nil {
		return errors.Wrapf(err, "decode %s %s response", method, path)
	}
	return nil
}
