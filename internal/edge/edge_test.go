package edge

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalbodeule/hop-edge/internal/certs"
	"github.com/dalbodeule/hop-edge/internal/connlimit"
	"github.com/dalbodeule/hop-edge/internal/headers"
	"github.com/dalbodeule/hop-edge/internal/logging"
	"github.com/dalbodeule/hop-edge/internal/proxy"
	"github.com/dalbodeule/hop-edge/internal/ratelimit"
)

const loopbackIdentity = "127.0.0.1"

type testEdge struct {
	addr      string
	plainAddr string
	conns     *connlimit.Limiter
}

func startEdge(t *testing.T, upstream http.Handler, connLimit int, rate *ratelimit.Limiter) *testEdge {
	t.Helper()
	return startEdgeConfig(t, Config{
		HandshakeTimeout: 2 * time.Second,
		Conns:            connlimit.New(connLimit),
		Rate:             rate,
		Upstream:         upstream,
	}, false)
}

// startEdgeConfig 는 cfg 로 Server 를 띄웁니다. withPlain 이면 평문 리다이렉트 리스너도 엽니다.
func startEdgeConfig(t *testing.T, cfg Config, withPlain bool) *testEdge {
	t.Helper()
	m, err := certs.NewSelfSigned([]string{"example.com", "127.0.0.1"}, time.Hour)
	require.NoError(t, err)

	cfg.TLS = certs.NewStore(m)
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Logger = logging.Discard()
	if cfg.Conns == nil {
		cfg.Conns = connlimit.New(connlimit.DefaultMaxPerIdentity)
	}
	srv := NewServer(cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	e := &testEdge{addr: ln.Addr().String(), conns: cfg.Conns}

	var plainLn net.Listener
	if withPlain {
		plainLn, err = net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		e.plainAddr = plainLn.Addr().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, plainLn, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return e
}

// forwarderTo 는 upstream URL 로 요청을 전달하는 Forwarder 를 만듭니다.
func forwarderTo(t *testing.T, rawURL string) *proxy.Forwarder {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	target, err := proxy.ParseTarget(u.Host)
	require.NoError(t, err)
	cfg := proxy.DefaultConfig()
	cfg.DialTimeout = time.Second
	cfg.RetryDelay = time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	f := proxy.NewForwarder(proxy.StaticRouter{Target: target}, cfg, logging.Discard())
	t.Cleanup(f.Close)
	return f
}

type clientConn struct {
	*tls.Conn
	br *bufio.Reader
}

func dial(t *testing.T, addr string) *clientConn {
	t.Helper()
	c, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true, ServerName: "example.com"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return &clientConn{Conn: c, br: bufio.NewReader(c)}
}

func (c *clientConn) get(path string) (*http.Response, error) {
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintf(c, "GET %s HTTP/1.1\r\nHost: example.com\r\n\r\n", path); err != nil {
		return nil, err
	}
	resp, err := http.ReadResponse(c.br, nil)
	if err != nil {
		return nil, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp, nil
}

func okUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(up.Close)
	return up
}

func assertSecurityHeadersOnce(t *testing.T, h http.Header) {
	t.Helper()
	for _, hd := range headers.Security {
		assert.Equal(t, []string{hd.Value}, h.Values(hd.Name), hd.Name)
	}
}

// 상한이 10 일 때 11 번째 동시 연결은 거부되고 나머지 10 개는 계속 동작해야 합니다.
func TestEleventhConcurrentConnectionRefused(t *testing.T) {
	e := startEdge(t, forwarderTo(t, okUpstream(t).URL), 10, nil)

	open := make([]*clientConn, 0, 10)
	for i := 0; i < 10; i++ {
		c := dial(t, e.addr)
		resp, err := c.get("/")
		require.NoError(t, err, "connection %d", i+1)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		open = append(open, c)
	}
	require.Equal(t, 10, e.conns.Count(loopbackIdentity))

	eleventh := dial(t, e.addr)
	_, err := eleventh.get("/")
	assert.Error(t, err, "the 11th connection must be closed without proxying")

	for i, c := range open {
		resp, err := c.get("/")
		require.NoError(t, err, "connection %d", i+1)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, 10, e.conns.Count(loopbackIdentity))
}

// 업스트림에 연결할 수 없으면 제한 시간 안에 게이트웨이 오류 응답 하나를 받아야 합니다.
func TestUnreachableUpstreamAnswersPromptly(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := "http://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	e := startEdge(t, forwarderTo(t, dead), 10, nil)
	c := dial(t, e.addr)

	start := time.Now()
	resp, err := c.get("/")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assertSecurityHeadersOnce(t, resp.Header)

	// 같은 연결로 다음 요청도 처리되어야 합니다.
	resp, err = c.get("/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

// 요청 도중 클라이언트가 끊으면 카운터가 반환되어 다음 연결이 10 번째로 승인되어야 합니다.
func TestDisconnectMidRequestReleasesSlot(t *testing.T) {
	entered := make(chan struct{}, 1)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			entered <- struct{}{}
			<-r.Context().Done()
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(up.Close)

	e := startEdge(t, forwarderTo(t, up.URL), 10, nil)

	for i := 0; i < 9; i++ {
		c := dial(t, e.addr)
		_, err := c.get("/")
		require.NoError(t, err)
	}

	tenth := dial(t, e.addr)
	_, err := fmt.Fprintf(tenth, "GET /slow HTTP/1.1\r\nHost: example.com\r\n\r\n")
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("slow request never reached the upstream")
	}
	require.Equal(t, 10, e.conns.Count(loopbackIdentity))

	require.NoError(t, tenth.Close())
	require.Eventually(t, func() bool {
		return e.conns.Count(loopbackIdentity) == 9
	}, 5*time.Second, 10*time.Millisecond)

	replacement := dial(t, e.addr)
	resp, err := replacement.get("/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 10, e.conns.Count(loopbackIdentity))
}

func TestHandshakeFailureKeepsListenerRunning(t *testing.T) {
	e := startEdge(t, forwarderTo(t, okUpstream(t).URL), 10, nil)

	raw, err := net.Dial("tcp", e.addr)
	require.NoError(t, err)
	_, _ = raw.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	_ = raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _ = io.Copy(io.Discard, raw)
	_ = raw.Close()

	c := dial(t, e.addr)
	resp, err := c.get("/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, e.conns.Count(loopbackIdentity), "failed handshakes never take a slot")
}

func TestRateLimitedRequestsGet429(t *testing.T) {
	clock := ratelimit.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rl := ratelimit.New(ratelimit.Config{Capacity: 20, RefillRate: 10, Clock: clock})

	h := NewHandler(HandlerConfig{
		Rate: rl,
		Upstream: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			_, _ = io.WriteString(w, "ok")
		}),
		Logger: logging.Discard(),
	})

	codes := map[int]int{}
	for i := 0; i < 25; i++ {
		req := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
		req.RemoteAddr = "198.51.100.9:40000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		codes[rec.Code]++
		assertSecurityHeadersOnce(t, rec.Header())
		assert.NotEmpty(t, rec.Header().Get(proxy.RequestIDHeader))
		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, "1", rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, 20, codes[http.StatusOK])
	assert.Equal(t, 5, codes[http.StatusTooManyRequests])

	clock.Advance(100 * time.Millisecond)
	req := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	req.RemoteAddr = "198.51.100.9:40001"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRedirectHandler(t *testing.T) {
	tests := []struct {
		name      string
		httpsPort string
		host      string
		target    string
		want      string
	}{
		{name: "default port", httpsPort: "443", host: "example.com", target: "/a/b?c=d", want: "https://example.com/a/b?c=d"},
		{name: "strips plaintext port", httpsPort: "443", host: "example.com:80", target: "/", want: "https://example.com/"},
		{name: "non default https port", httpsPort: "8443", host: "example.com:8080", target: "/x", want: "https://example.com:8443/x"},
		{name: "ipv6 literal", httpsPort: "443", host: "[2001:db8::1]:80", target: "/", want: "https://[2001:db8::1]/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := headers.Security.Middleware(RedirectHandler(tt.httpsPort, "fallback.example.com", logging.Discard()))
			req := httptest.NewRequest(http.MethodGet, "http://"+tt.host+tt.target, nil)
			req.Host = tt.host
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusMovedPermanently, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get("Location"))
			assert.Equal(t, "close", rec.Header().Get("Connection"))
			assertSecurityHeadersOnce(t, rec.Header())
		})
	}
}

func TestRedirectFallsBackWithoutHost(t *testing.T) {
	h := RedirectHandler("443", "example.com", logging.Discard())
	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	req.Host = ""
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "https://example.com/login", rec.Header().Get("Location"))
}

func TestRedirectRejectsInvalidHost(t *testing.T) {
	h := RedirectHandler("443", "", logging.Discard())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "bad host"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionTransitions(t *testing.T) {
	s := newSession(&net.TCPAddr{IP: net.ParseIP("192.0.2.10"), Port: 5555})
	assert.Equal(t, "192.0.2.10", s.Identity)
	assert.Equal(t, StateAccepted, s.State())

	require.NoError(t, s.transition(StateHandshaking))
	assert.Error(t, s.transition(StateServing), "serving requires an established handshake")
	require.NoError(t, s.transition(StateEstablished))
	require.NoError(t, s.transition(StateServing))
	require.NoError(t, s.transition(StateClosed))
	assert.Error(t, s.transition(StateServing), "closed is terminal")
	assert.Equal(t, "closed", s.State().String())
}

func TestHandshakeFailedAndRejectedOnlyClose(t *testing.T) {
	for _, terminal := range []State{StateHandshakeFailed, StateRejected} {
		s := newSession(&net.TCPAddr{IP: net.ParseIP("192.0.2.11"), Port: 1})
		require.NoError(t, s.transition(StateHandshaking))
		if terminal == StateRejected {
			require.NoError(t, s.transition(StateEstablished))
		}
		require.NoError(t, s.transition(terminal))
		assert.Error(t, s.transition(StateServing))
		assert.NoError(t, s.transition(StateClosed))
	}
}

func TestIdentityFromAddr(t *testing.T) {
	assert.Equal(t, "203.0.113.5", IdentityFromAddr(&net.TCPAddr{IP: net.ParseIP("203.0.113.5"), Port: 443}))
	assert.Equal(t, "2001:db8::2", IdentityFromAddr(&net.TCPAddr{IP: net.ParseIP("2001:db8::2"), Port: 443}))
	assert.Equal(t, "", IdentityFromAddr(nil))
}

func TestAdmissionErrors(t *testing.T) {
	assert.ErrorIs(t, ErrConnLimited, ErrAdmissionDenied)
	assert.ErrorIs(t, ErrRateLimited, ErrAdmissionDenied)

	herr := &HandshakeError{Peer: "192.0.2.1", Err: io.EOF}
	assert.ErrorIs(t, herr, io.EOF)
	assert.Contains(t, herr.Error(), "192.0.2.1")
}

// 헤더와 본문 일부를 보낸 뒤 업스트림이 끊기면 클라이언트 연결도 끊겨야 하고 슬롯은 반환되어야 합니다.
func TestUpstreamFailureMidBodyAbortsClient(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 1000\r\nContent-Type: text/plain\r\n\r\npartial")
		_ = buf.Flush()
		_ = conn.Close()
	}))
	t.Cleanup(up.Close)

	e := startEdge(t, forwarderTo(t, up.URL), 10, nil)
	c := dial(t, e.addr)
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	start := time.Now()
	_, err := fmt.Fprintf(c, "GET /download HTTP/1.1\r\nHost: example.com\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(c.br, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1000), resp.ContentLength)

	body, err := io.ReadAll(resp.Body)
	require.Error(t, err, "a truncated upstream body must not look complete")
	assert.Less(t, len(body), 1000)
	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "client must be disconnected, not left hanging")
	}
	assert.Less(t, time.Since(start), 3*time.Second)

	require.Eventually(t, func() bool {
		return e.conns.Count(loopbackIdentity) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

// 아무것도 보내지 않는 클라이언트는 HandshakeTimeout 이 지나면 끊기고 슬롯을 차지하지 않아야 합니다.
func TestSilentClientClosedAfterHandshakeTimeout(t *testing.T) {
	const timeout = 300 * time.Millisecond
	e := startEdgeConfig(t, Config{
		HandshakeTimeout: timeout,
		Conns:            connlimit.New(10),
		Upstream:         forwarderTo(t, okUpstream(t).URL),
	}, false)

	raw, err := net.Dial("tcp", e.addr)
	require.NoError(t, err)
	defer raw.Close()
	require.NoError(t, raw.SetReadDeadline(time.Now().Add(5*time.Second)))

	start := time.Now()
	_, err = raw.Read(make([]byte, 1))
	elapsed := time.Since(start)

	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "server must close the connection before the client deadline")
	}
	assert.GreaterOrEqual(t, elapsed, timeout-50*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, 0, e.conns.Count(loopbackIdentity))

	c := dial(t, e.addr)
	resp, err := c.get("/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPlaintextListenerRedirectsAndCloses(t *testing.T) {
	e := startEdgeConfig(t, Config{
		HTTPSAddr: ":443",
		Domain:    "example.com",
		Upstream:  forwarderTo(t, okUpstream(t).URL),
	}, true)

	raw, err := net.Dial("tcp", e.plainAddr)
	require.NoError(t, err)
	defer raw.Close()
	require.NoError(t, raw.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = fmt.Fprintf(raw, "GET /a/b?x=1 HTTP/1.1\r\nHost: example.com\r\n\r\n")
	require.NoError(t, err)
	br := bufio.NewReader(raw)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
	assert.Equal(t, "https://example.com/a/b?x=1", resp.Header.Get("Location"))
	assert.True(t, resp.Close)
	assertSecurityHeadersOnce(t, resp.Header)

	_, err = br.ReadByte()
	assert.ErrorIs(t, err, io.EOF, "the plaintext connection must be closed after the redirect")
}

func TestRequestsSeeHandshakeState(t *testing.T) {
	states := make(chan *tls.ConnectionState, 1)
	e := startEdge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		states <- r.TLS
	}), 10, nil)

	c := dial(t, e.addr)
	resp, err := c.get("/")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st := <-states
	require.NotNil(t, st)
	assert.True(t, st.HandshakeComplete)
	assert.Equal(t, "example.com", st.ServerName)
	assert.GreaterOrEqual(t, st.Version, uint16(tls.VersionTLS12))
}
