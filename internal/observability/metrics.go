package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 전역 레지스트리에 등록할 hop-edge 메트릭들을 정의합니다.
// Prometheus 기본 네임스페이스를 사용하며, 메트릭 이름에 hopedge_ 접두어를 붙입니다.

var (
	// TLS 핸드셰이크 총 횟수 (성공/실패 라벨 포함).
	TLSHandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopedge_tls_handshakes_total",
			Help: "Total number of TLS handshakes on the encrypted listener, labeled by result.",
		},
		[]string{"result"}, // success, failure
	)

	// 연결 승인/거부 횟수.
	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopedge_connections_total",
			Help: "Total number of established TLS connections, labeled by admission result.",
		},
		[]string{"result"}, // admitted, rejected
	)

	// 현재 Serving 상태인 연결 수.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hopedge_active_connections",
			Help: "Number of admitted connections currently open.",
		},
	)

	// 443 으로 들어온 요청 수 (메서드/상태 코드 라벨 포함).
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopedge_http_requests_total",
			Help: "Total number of HTTP requests handled by the encrypted listener, labeled by method and status code.",
		},
		[]string{"method", "status"},
	)

	// HTTP 요청 처리 시간 분포 (메서드 라벨 포함).
	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hopedge_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies in seconds at the encrypted listener, labeled by method.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// 429 로 거부된 요청 수.
	RateLimitedRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hopedge_rate_limited_requests_total",
			Help: "Total number of requests rejected by the per-identity rate limiter.",
		},
	)

	// 평문 포트에서 보낸 301 리다이렉트 수.
	RedirectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hopedge_redirects_total",
			Help: "Total number of plaintext requests redirected to https.",
		},
	)

	// Proxy 에러 카운터 (에러 유형 라벨 포함).
	ProxyErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopedge_proxy_errors_total",
			Help: "Total number of upstream errors, labeled by error type.",
		},
		[]string{"type"}, // route, dial, timeout, round_trip, canceled
	)

	// 인증서 재로딩 결과.
	CertReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopedge_cert_reloads_total",
			Help: "Total number of certificate reload attempts, labeled by result.",
		},
		[]string{"result"}, // success, failure
	)

	// 현재 leaf 인증서의 만료 시각 (unix seconds).
	CertExpiryTimestampSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hopedge_cert_expiry_timestamp_seconds",
			Help: "NotAfter of the currently served leaf certificate as a unix timestamp.",
		},
	)

	// 레지스트리별 추적 중인 식별자 수.
	LimiterIdentities = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hopedge_limiter_identities",
			Help: "Number of client identities tracked by each limiter registry.",
		},
		[]string{"limiter"}, // rate, conn
	)
)

// MustRegister 는 위에서 정의한 메트릭들을 전역 Prometheus 레지스트리에 등록합니다.
// 서버 시작 시 한 번만 호출해야 합니다.
func MustRegister() {
	prometheus.MustRegister(
		TLSHandshakesTotal,
		ConnectionsTotal,
		ActiveConnections,
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		RateLimitedRequestsTotal,
		RedirectsTotal,
		ProxyErrorsTotal,
		CertReloadsTotal,
		CertExpiryTimestampSeconds,
		LimiterIdentities,
	)
}

// Handler 는 전역 레지스트리를 노출하는 /metrics 핸들러입니다.
func Handler() http.Handler {
	return promhttp.Handler()
}
