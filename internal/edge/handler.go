package edge

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/dalbodeule/hop-edge/internal/errorpages"
	"github.com/dalbodeule/hop-edge/internal/headers"
	"github.com/dalbodeule/hop-edge/internal/logging"
	"github.com/dalbodeule/hop-edge/internal/observability"
	"github.com/dalbodeule/hop-edge/internal/proxy"
	"github.com/dalbodeule/hop-edge/internal/ratelimit"
)

// HandlerConfig 는 443 요청 파이프라인 구성 요소입니다.
type HandlerConfig struct {
	Rate     *ratelimit.Limiter
	Policy   headers.Policy
	Upstream http.Handler
	Logger   logging.Logger
}

// NewHandler 는 요청 파이프라인을 조립합니다.
//
//	tls state -> instrument -> header policy -> rate limit -> upstream
//
// 헤더 정책이 rate limit 바깥에 있으므로 429 응답에도 보안 헤더가 붙습니다.
func NewHandler(cfg HandlerConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewStdJSONLogger("edge")
	}
	if cfg.Policy == nil {
		cfg.Policy = headers.Security
	}
	log := cfg.Logger.With(logging.Fields{"component": "edge_http"})

	h := cfg.Upstream
	if cfg.Rate != nil {
		h = RateLimit(cfg.Rate, log)(h)
	}
	h = cfg.Policy.Middleware(h)
	return withTLSState(instrument(log, h))
}

// withTLSState 는 Session 에 기록된 핸드셰이크 결과로 r.TLS 를 채웁니다.
func withTLSState(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			if s, ok := SessionFromContext(r.Context()); ok {
				if st := s.TLSState(); st != nil {
					r = r.WithContext(r.Context())
					r.TLS = st
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit 은 요청마다 식별자의 토큰을 하나 소비하고, 토큰이 없으면 429 로 응답하는 미들웨어입니다.
func RateLimit(l *ratelimit.Limiter, logger logging.Logger) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(math.Max(1, math.Ceil(1/l.Config().RefillRate))))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := requestIdentity(r)
			if !l.Allow(id) {
				observability.RateLimitedRequestsTotal.Inc()
				logger.Debug("request rate limited", logging.Fields{
					"client_ip":  id,
					"request_id": r.Header.Get(proxy.RequestIDHeader),
					"error":      ErrRateLimited.Error(),
				})
				w.Header().Set("Retry-After", retryAfter)
				errorpages.Render(w, r, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestIdentity 는 연결의 ClientIdentity 를 우선 사용하고, 없으면 RemoteAddr 에서 구합니다.
func requestIdentity(r *http.Request) string {
	if s, ok := SessionFromContext(r.Context()); ok {
		return s.Identity
	}
	return identityFromString(r.RemoteAddr)
}

func instrument(logger logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := proxy.EnsureRequestID(r.Header)
		w.Header().Set(proxy.RequestIDHeader, reqID)

		fields := logging.Fields{
			"request_id": reqID,
			"client_ip":  requestIdentity(r),
			"method":     r.Method,
			"host":       r.Host,
			"path":       r.URL.Path,
		}
		if s, ok := SessionFromContext(r.Context()); ok {
			s.requests.Add(1)
			fields["session_id"] = s.ID
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			elapsed := time.Since(start)
			observability.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
			observability.HTTPRequestDurationSeconds.WithLabelValues(r.Method).Observe(elapsed.Seconds())
			fields["status"] = rec.status
			fields["elapsed_ms"] = elapsed.Milliseconds()
			logger.Info("request completed", fields)
		}()
		next.ServeHTTP(rec, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader && code >= 200 {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Flush() {
	w.wroteHeader = true
	_ = http.NewResponseController(w.ResponseWriter).Flush()
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
