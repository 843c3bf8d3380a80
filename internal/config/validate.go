package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/dalbodeule/hop-edge/internal/logging"
)

// ConfigurationError 는 기동 시점에 발견된 설정 오류입니다.
// 이 에러가 반환되면 프로세스는 리스닝을 시작하지 않아야 합니다.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Validate 는 설정값을 정규화하고 검증합니다.
func (c *ServerConfig) Validate() error {
	c.HTTPListen = normalizePort(c.HTTPListen, ":80")
	c.HTTPSListen = normalizePort(c.HTTPSListen, ":443")

	if !c.Debug {
		d := normalizeDomain(c.Domain)
		if d == "" {
			return &ConfigurationError{Field: "HOP_SERVER_DOMAIN", Reason: fmt.Sprintf("invalid or empty domain %q", c.Domain)}
		}
		c.Domain = d
	} else if c.Domain == "" {
		c.Domain = "localhost"
	}

	if _, _, err := ParseUpstreamAddr(c.Upstream.Addr); err != nil {
		return &ConfigurationError{Field: "HOP_UPSTREAM_ADDR", Reason: err.Error()}
	}

	if strings.TrimSpace(c.TLS.CertDir) == "" && !c.Debug {
		return &ConfigurationError{Field: "HOP_CERT_DIR", Reason: "must not be empty"}
	}

	switch {
	case c.Limits.ConnPerIP <= 0:
		return &ConfigurationError{Field: "HOP_CONN_LIMIT_PER_IP", Reason: "must be > 0"}
	case c.Limits.MaxConnections < 0:
		return &ConfigurationError{Field: "HOP_MAX_CONNECTIONS", Reason: "must be >= 0"}
	case c.Limits.RateBurst <= 0:
		return &ConfigurationError{Field: "HOP_RATE_LIMIT_BURST", Reason: "must be > 0"}
	case c.Limits.RatePerSecond <= 0:
		return &ConfigurationError{Field: "HOP_RATE_LIMIT_RPS", Reason: "must be > 0"}
	case c.Limits.IdleTTL <= 0:
		return &ConfigurationError{Field: "HOP_LIMITER_IDLE_TTL", Reason: "must be > 0"}
	case c.Upstream.DialRetries < 0 || c.Upstream.DialRetries > 1:
		return &ConfigurationError{Field: "HOP_UPSTREAM_DIAL_RETRIES", Reason: "must be 0 or 1"}
	case c.Upstream.DialTimeout <= 0:
		return &ConfigurationError{Field: "HOP_UPSTREAM_DIAL_TIMEOUT", Reason: "must be > 0"}
	case c.Upstream.RequestTimeout <= 0:
		return &ConfigurationError{Field: "HOP_REQUEST_TIMEOUT", Reason: "must be > 0"}
	case c.TLS.HandshakeTimeout <= 0:
		return &ConfigurationError{Field: "HOP_TLS_HANDSHAKE_TIMEOUT", Reason: "must be > 0"}
	}

	// cron 스펙은 main 에서 스케줄러에 등록되기 전에 미리 검증합니다.
	for field, expr := range map[string]string{
		"HOP_CERT_RELOAD_SCHEDULE":   c.TLS.ReloadSchedule,
		"HOP_LIMITER_SWEEP_SCHEDULE": c.Limits.SweepSchedule,
	} {
		if expr == "" {
			continue
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			return &ConfigurationError{Field: field, Reason: err.Error()}
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return &ConfigurationError{Field: "HOP_LOG_LEVEL", Reason: err.Error()}
	}
	return nil
}

// ParseUpstreamAddr 는 "host:port" 형식의 업스트림 주소를 검증하고 host, port 를 분리합니다.
func ParseUpstreamAddr(addr string) (host string, port int, err error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", 0, fmt.Errorf("upstream address is required")
	}
	if strings.Contains(addr, "://") {
		return "", 0, fmt.Errorf("upstream address must be host:port, got %q", addr)
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("parse upstream address %q: %w", addr, err)
	}
	if strings.TrimSpace(h) == "" {
		return "", 0, fmt.Errorf("upstream host is empty in %q", addr)
	}
	n, err := strconv.Atoi(p)
	if err != nil || n <= 0 || n > 65535 {
		return "", 0, fmt.Errorf("invalid upstream port %q", p)
	}
	return h, n, nil
}

// normalizeDomain 은 도메인 문자열을 소문자/공백 트리밍하고, 간단한 형식을 검증합니다.
func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if d == "" {
		return ""
	}
	// 매우 단순한 FQDN 검증: 점(.) 포함 및 공백/경로 구분자 없음만 확인.
	if !strings.Contains(d, ".") {
		return ""
	}
	if strings.ContainsAny(d, " \t\r\n/\\") {
		return ""
	}
	return d
}
