package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/dalbodeule/hop-edge/internal/errorpages"
	"github.com/dalbodeule/hop-edge/internal/headers"
	"github.com/dalbodeule/hop-edge/internal/logging"
	"github.com/dalbodeule/hop-edge/internal/observability"
)

// RequestIDHeader 는 요청 추적에 사용하는 헤더 이름입니다.
const RequestIDHeader = "X-Request-ID"

// DialFunc 는 업스트림 연결을 만드는 함수입니다.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config 는 Forwarder 설정입니다.
type Config struct {
	DialTimeout time.Duration
	// DialRetries 는 연결 수립 실패 시 추가 시도 횟수입니다. (0 또는 1)
	// 연결이 한 번 수립된 뒤의 실패는 재시도하지 않습니다.
	DialRetries    int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	// Dial 이 nil 이면 net.Dialer 를 사용합니다.
	Dial DialFunc
	// Policy 는 업스트림 응답과 게이트웨이 오류 응답에 덮어쓸 헤더입니다. nil 이면 headers.Security 입니다.
	Policy headers.Policy
}

// DefaultConfig 는 기본 Forwarder 설정을 반환합니다.
func DefaultConfig() Config {
	return Config{
		DialTimeout:    5 * time.Second,
		DialRetries:    1,
		RetryDelay:     50 * time.Millisecond,
		RequestTimeout: 60 * time.Second,
		Policy:         headers.Security,
	}
}

type targetKey struct{}

// Forwarder 는 요청을 업스트림으로 전달하고 응답 본문을 그대로 스트리밍하는 http.Handler 입니다.
// 업스트림 연결은 http.Transport 의 keep-alive 풀로 재사용됩니다.
type Forwarder struct {
	router    Router
	cfg       Config
	logger    logging.Logger
	transport *http.Transport
	proxy     *httputil.ReverseProxy
}

// NewForwarder 는 router 가 고른 업스트림으로 요청을 전달하는 Forwarder 를 생성합니다.
func NewForwarder(router Router, cfg Config, logger logging.Logger) *Forwarder {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.DialRetries < 0 {
		cfg.DialRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.Policy == nil {
		cfg.Policy = def.Policy
	}
	if logger == nil {
		logger = logging.NewStdJSONLogger("proxy")
	}

	f := &Forwarder{
		router: router,
		cfg:    cfg,
		logger: logger.With(logging.Fields{"component": "forwarder"}),
	}
	f.transport = &http.Transport{
		DialContext:           f.dialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	f.proxy = &httputil.ReverseProxy{
		Rewrite:        f.rewrite,
		Transport:      f.transport,
		ModifyResponse: cfg.Policy.ApplyResponse,
		ErrorHandler:   f.handleError,
		ErrorLog:       logging.NewStdLogger("forwarder"),
	}
	return f
}

// ServeHTTP 는 요청 전체에 RequestTimeout 을 적용한 뒤 업스트림으로 전달합니다.
// 응답 헤더를 보낸 뒤 본문 복사가 실패하면 ReverseProxy 가 http.ErrAbortHandler 로 클라이언트 연결을 끊습니다.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := f.router.Route(r)
	if err != nil {
		f.handleError(w, r, &UpstreamError{Op: "route", Err: errors.Join(ErrNoRoute, err)})
		return
	}

	ctx := r.Context()
	if f.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.RequestTimeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, targetKey{}, target)
	f.proxy.ServeHTTP(w, r.WithContext(ctx))
}

// Close 는 풀에 남은 유휴 업스트림 연결을 닫습니다.
func (f *Forwarder) Close() {
	f.transport.CloseIdleConnections()
}

func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	target, _ := pr.In.Context().Value(targetKey{}).(Target)
	pr.SetURL(target.URL())
	pr.Out.Host = pr.In.Host

	clientIP := remoteIP(pr.In.RemoteAddr)
	pr.Out.Header.Set("X-Real-IP", clientIP)
	if prior := pr.In.Header.Values("X-Forwarded-For"); len(prior) > 0 {
		pr.Out.Header.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+clientIP)
	} else {
		pr.Out.Header.Set("X-Forwarded-For", clientIP)
	}
	pr.Out.Header.Set("X-Forwarded-Proto", "https")
	pr.Out.Header.Set("X-Forwarded-Host", pr.In.Host)
	EnsureRequestID(pr.Out.Header)
}

// dialContext 는 연결 수립 실패에 한해 최대 DialRetries 번 재시도합니다.
func (f *Forwarder) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	dial := f.cfg.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: f.cfg.DialTimeout, KeepAlive: 30 * time.Second}
		dial = d.DialContext
	}

	attempt := 0
	op := func() (net.Conn, error) {
		attempt++
		dctx, cancel := context.WithTimeout(ctx, f.cfg.DialTimeout)
		defer cancel()
		conn, err := dial(dctx, network, addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return conn, nil
	}

	conn, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(f.cfg.RetryDelay)),
		backoff.WithMaxTries(uint(f.cfg.DialRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.logger.Debug("retrying upstream dial", logging.Fields{
				"addr":    addr,
				"attempt": attempt,
				"error":   err.Error(),
			})
		}),
	)
	if err != nil {
		return nil, &UpstreamError{Op: "dial", Err: err}
	}
	return conn, nil
}

func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	observability.ProxyErrorsTotal.WithLabelValues(kind).Inc()

	fields := logging.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"request_id": r.Header.Get(RequestIDHeader),
		"status":     status,
		"error":      err.Error(),
	}
	if kind == "canceled" {
		// 클라이언트가 먼저 끊은 경우입니다.
		f.logger.Debug("request canceled by client", fields)
		w.WriteHeader(status)
		return
	}
	f.logger.Warn("upstream request failed", fields)
	f.cfg.Policy.Apply(w.Header())
	errorpages.Render(w, r, status)
}

// classify 는 업스트림 오류를 (응답 상태 코드, 메트릭 라벨) 로 분류합니다.
func classify(err error) (int, string) {
	var ue *UpstreamError
	switch {
	case errors.Is(err, context.Canceled):
		return http.StatusBadGateway, "canceled"
	case isTimeout(err):
		return http.StatusGatewayTimeout, "timeout"
	case errors.As(err, &ue):
		return http.StatusBadGateway, ue.Op
	default:
		return http.StatusBadGateway, "round_trip"
	}
}

// EnsureRequestID 는 h 에 X-Request-ID 가 없으면 새로 발급하고, 최종 값을 반환합니다.
func EnsureRequestID(h http.Header) string {
	if id := strings.TrimSpace(h.Get(RequestIDHeader)); id != "" {
		return id
	}
	id := uuid.NewString()
	h.Set(RequestIDHeader, id)
	return id
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
