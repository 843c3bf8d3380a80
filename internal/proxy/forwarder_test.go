package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalbodeule/hop-edge/internal/headers"
	"github.com/dalbodeule/hop-edge/internal/logging"
)

func newTestForwarder(t *testing.T, upstreamURL string, cfg Config) *Forwarder {
	t.Helper()
	u, err := url.Parse(upstreamURL)
	require.NoError(t, err)
	target, err := ParseTarget(u.Host)
	require.NoError(t, err)

	f := NewForwarder(StaticRouter{Target: target}, cfg, logging.Discard())
	t.Cleanup(f.Close)
	return f
}

// closedAddr 는 아무도 listen 하지 않는 loopback 주소를 반환합니다.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestParseTarget(t *testing.T) {
	target, err := ParseTarget("127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, Target{Host: "127.0.0.1", Port: 8080}, target)
	assert.Equal(t, "http://127.0.0.1:8080", target.URL().String())

	_, err = ParseTarget("http://127.0.0.1:8080")
	assert.Error(t, err)
}

func TestForwardInjectsProxyHeaders(t *testing.T) {
	var got http.Header
	var gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotHost = r.Host
		w.Header().Set("X-Frame-Options", "DENY")
		_, _ = io.WriteString(w, "hello from upstream")
	}))
	defer upstream.Close()

	f := newTestForwarder(t, upstream.URL, DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "https://example.com/path?q=1", nil)
	req.RemoteAddr = "198.51.100.7:51234"
	req.Header.Set("X-Forwarded-For", "203.0.113.1")
	req.Header.Set("X-Forwarded-Proto", "http")
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello from upstream", rec.Body.String())
	assert.Equal(t, "SAMEORIGIN", rec.Header().Get("X-Frame-Options"))

	assert.Equal(t, "example.com", gotHost)
	assert.Equal(t, "198.51.100.7", got.Get("X-Real-IP"))
	assert.Equal(t, "203.0.113.1, 198.51.100.7", got.Get("X-Forwarded-For"))
	assert.Equal(t, "https", got.Get("X-Forwarded-Proto"))
	assert.NotEmpty(t, got.Get(RequestIDHeader))
}

func TestForwardKeepsExistingRequestID(t *testing.T) {
	var id string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id = r.Header.Get(RequestIDHeader)
	}))
	defer upstream.Close()

	f := newTestForwarder(t, upstream.URL, DefaultConfig())
	req := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	f.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "req-123", id)
}

func TestUnreachableUpstreamReturnsBadGateway(t *testing.T) {
	addr := closedAddr(t)
	f := newTestForwarder(t, "http://"+addr, DefaultConfig())

	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "https://example.com/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "SAMEORIGIN", rec.Header().Get("X-Frame-Options"), "gateway errors still carry the security headers")
}

func TestForwarderAppliesConfiguredPolicy(t *testing.T) {
	policy := headers.Policy{{Name: "X-Frame-Options", Value: "DENY"}}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
	}))
	defer upstream.Close()

	cfg := DefaultConfig()
	cfg.Policy = policy
	f := newTestForwarder(t, upstream.URL, cfg)

	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "https://example.com/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"DENY"}, rec.Header().Values("X-Frame-Options"))
	assert.Empty(t, rec.Header().Get("Referrer-Policy"))

	cfg.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	failing := newTestForwarder(t, upstream.URL, cfg)
	rec = httptest.NewRecorder()
	failing.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "https://example.com/", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, []string{"DENY"}, rec.Header().Values("X-Frame-Options"))
	assert.Empty(t, rec.Header().Get("X-XSS-Protection"))
}

func TestSlowUpstreamReturnsGatewayTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()

	cfg := DefaultConfig()
	cfg.RequestTimeout = 100 * time.Millisecond
	f := newTestForwarder(t, upstream.URL, cfg)

	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "https://example.com/", nil))

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestDialRetriedAtMostOnce(t *testing.T) {
	for _, tc := range []struct {
		retries  int
		attempts int32
	}{
		{retries: 0, attempts: 1},
		{retries: 1, attempts: 2},
	} {
		var calls atomic.Int32
		cfg := DefaultConfig()
		cfg.DialRetries = tc.retries
		cfg.RetryDelay = time.Millisecond
		cfg.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			calls.Add(1)
			return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("connection refused")}
		}
		f := newTestForwarder(t, "http://127.0.0.1:9", cfg)

		rec := httptest.NewRecorder()
		f.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "https://example.com/", nil))

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, tc.attempts, calls.Load(), "retries=%d", tc.retries)
	}
}

func TestDialRetrySucceedsOnSecondAttempt(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	var calls atomic.Int32
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	f := newTestForwarder(t, upstream.URL, cfg)

	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "https://example.com/", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClassify(t *testing.T) {
	status, kind := classify(&UpstreamError{Op: "dial", Err: errors.New("refused")})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "dial", kind)

	status, kind = classify(&UpstreamError{Op: "dial", Err: context.DeadlineExceeded})
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Equal(t, "timeout", kind)

	_, kind = classify(context.Canceled)
	assert.Equal(t, "canceled", kind)
}

func TestEnsureRequestID(t *testing.T) {
	h := http.Header{}
	id := EnsureRequestID(h)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, EnsureRequestID(h))
}
