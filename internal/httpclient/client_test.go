package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string, retries int) *Client {
	c := New(Config{BaseURL: url, MaxRetries: retries, Timeout: 5 * time.Second})
	c.backoff = func(int) time.Duration { return time.Millisecond }
	return c
}

func TestDoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/idx/_search", r.URL.Path)
		assert.Equal(t, "1m", r.URL.Query().Get("scroll"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "docpump/1.0", r.Header.Get("User-Agent"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"size":10}`, string(body))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL+"/", 0)
	var out struct{ OK bool }
	err := c.DoJSON(context.Background(), http.MethodPost, "/idx/_search", map[string][]string{"scroll": {"1m"}}, map[string]int{"size": 10}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body), "body is replayed on every attempt")
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("done"))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL, 3).Do(context.Background(), &Request{Method: http.MethodPut, Path: "x", Body: []byte("payload")})
	require.NoError(t, err)
	assert.Equal(t, "done", string(resp.Body))
	assert.EqualValues(t, 3, calls.Load())
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"index_not_found_exception"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 3).Do(context.Background(), &Request{Method: http.MethodGet, Path: "missing"})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, http.StatusNotFound, StatusCode(err))

	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.Contains(t, he.Body, "index_not_found_exception")
	assert.False(t, he.IsServerError())
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 2).Do(context.Background(), &Request{Method: http.MethodGet})
	require.Error(t, err)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
	assert.Contains(t, err.Error(), "max retries exceeded")
}

func TestTransportErrorIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url, 1).Do(context.Background(), &Request{Method: http.MethodGet})
	require.Error(t, err)
	assert.Zero(t, StatusCode(err))
	assert.Contains(t, err.Error(), "max retries exceeded")
}

func TestBasicAuthFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "elastic", u)
		assert.Equal(t, "s3cret", p)
	}))
	defer srv.Close()

	base := strings.Replace(srv.URL, "http://", "http://elastic:s3cret@", 1)
	_, err := newTestClient(base, 0).Do(context.Background(), &Request{Method: http.MethodGet})
	require.NoError(t, err)
}

func TestErrorMasksCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	base := strings.Replace(srv.URL, "http://", "http://elastic:s3cret@", 1)
	_, err := newTestClient(base, 0).Do(context.Background(), &Request{Method: http.MethodGet})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "s3cret")
}

func TestRateLimiterHonoursContext(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:0", RateLimit: 0.001, RateBurst: 1})
	c.limiter.Allow()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Do(ctx, &Request{Method: http.MethodGet})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter")
}
