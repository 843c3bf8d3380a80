package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LoggingConfig 는 공통 로그 설정을 담습니다.
type LoggingConfig struct {
	Level string // 예: "debug", "info", "warn", "error"
}

// LimitsConfig 는 클라이언트 식별자(IP) 단위의 트래픽 제한 설정을 담습니다.
type LimitsConfig struct {
	ConnPerIP      int           // IP 당 동시 연결 수 상한 (기본 10)
	MaxConnections int           // 전체 동시 TLS 연결 상한, 0 이면 무제한
	RateBurst      int           // token bucket 용량 (기본 20)
	RatePerSecond  float64       // 초당 토큰 보충량 (기본 10)
	IdleTTL        time.Duration // 유휴 limiter 상태 보존 시간 (기본 10m)
	SweepSchedule  string        // 유휴 상태 정리 cron 스펙 (기본 "@every 1m")
}

// UpstreamConfig 는 백엔드 애플리케이션 연결 설정을 담습니다.
type UpstreamConfig struct {
	Addr           string        // 예: "127.0.0.1:8080"
	DialTimeout    time.Duration // 업스트림 연결 타임아웃
	DialRetries    int           // 연결 수립 실패 시 재시도 횟수 (0 또는 1)
	RequestTimeout time.Duration // 요청 하나의 전체 처리 시간 상한
}

// TLSConfig 는 인증서 위치와 핸드셰이크 관련 설정을 담습니다.
type TLSConfig struct {
	CertDir          string        // 예: "/etc/letsencrypt"
	ReloadSchedule   string        // 인증서 재확인 cron 스펙 (기본 "@every 12h")
	Watch            bool          // live/{domain} 디렉터리를 fsnotify 로 감시할지 여부
	HandshakeTimeout time.Duration // TLS 핸드셰이크 타임아웃
}

// AdminConfig 는 loopback 관리 plane (admin API + /metrics) 설정을 담습니다.
type AdminConfig struct {
	Listen string // 예: "127.0.0.1:9180", 빈 문자열이면 비활성화
	APIKey string // Authorization: Bearer {APIKey}
}

// ServerConfig 는 프록시 프로세스 설정을 담습니다.
type ServerConfig struct {
	HTTPListen      string        // 예: ":80"
	HTTPSListen     string        // 예: ":443"
	Domain          string        // 메인 도메인 (인증서 경로와 redirect fallback 에 사용)
	Debug           bool          // true 이면 self-signed localhost 인증서 사용
	IdleTimeout     time.Duration // keep-alive 유휴 타임아웃
	ShutdownTimeout time.Duration // graceful shutdown 대기 시간

	Upstream UpstreamConfig
	TLS      TLSConfig
	Limits   LimitsConfig
	Admin    AdminConfig
	Logging  LoggingConfig // 서버용 로그 설정
}

// CertFile 은 {cert-dir}/live/{domain}/fullchain.pem 경로를 반환합니다.
func (c *ServerConfig) CertFile() string {
	return filepath.Join(c.TLS.CertDir, "live", c.Domain, "fullchain.pem")
}

// KeyFile 은 {cert-dir}/live/{domain}/privkey.pem 경로를 반환합니다.
func (c *ServerConfig) KeyFile() string {
	return filepath.Join(c.TLS.CertDir, "live", c.Domain, "privkey.pem")
}

// Default 는 참조 구성(nginx limit_req 10r/s burst=20, limit_conn 10)과 같은 기본값을 반환합니다.
func Default() *ServerConfig {
	return &ServerConfig{
		HTTPListen:      ":80",
		HTTPSListen:     ":443",
		IdleTimeout:     75 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		Upstream: UpstreamConfig{
			DialTimeout:    5 * time.Second,
			DialRetries:    1,
			RequestTimeout: 60 * time.Second,
		},
		TLS: TLSConfig{
			CertDir:          "/etc/letsencrypt",
			ReloadSchedule:   "@every 12h",
			Watch:            true,
			HandshakeTimeout: 10 * time.Second,
		},
		Limits: LimitsConfig{
			ConnPerIP:     10,
			RateBurst:     20,
			RatePerSecond: 10,
			IdleTTL:       10 * time.Minute,
			SweepSchedule: "@every 1m",
		},
		Admin: AdminConfig{
			Listen: "127.0.0.1:9180",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

var (
	dotenvOnce sync.Once
	dotenvErr  error
)

// loadDotEnvOnce 는 현재 작업 디렉터리의 .env 파일을 한 번만 읽어서 os.Environ 에 주입합니다.
// - KEY=VALUE, export KEY=VALUE 형식을 지원
// - # 으로 시작하는 줄은 주석으로 간주합니다.
func loadDotEnvOnce() {
	dotenvOnce.Do(func() {
		fi, err := os.Stat(".env")
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// .env 가 없으면 조용히 무시
				return
			}
			dotenvErr = err
			return
		}
		if fi.IsDir() {
			return
		}

		f, err := os.Open(".env")
		if err != nil {
			dotenvErr = err
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if strings.HasPrefix(line, "export ") {
				line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)

			if key != "" {
				// 이미 OS 환경변수에 설정된 값이 있는 경우 이를 우선시합니다.
				if _, exists := os.LookupEnv(key); !exists {
					_ = os.Setenv(key, val)
				}
			}
		}
		if err := scanner.Err(); err != nil {
			dotenvErr = err
		}
	})
}

func getEnvOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

// 숫자/기간 헬퍼는 값이 잘못된 경우 기본값으로 돌아가지 않고 ConfigurationError 를 반환합니다.

func getEnvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, &ConfigurationError{Field: key, Reason: fmt.Sprintf("not an integer: %q", v)}
	}
	return n, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, &ConfigurationError{Field: key, Reason: fmt.Sprintf("not a number: %q", v)}
	}
	return f, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, &ConfigurationError{Field: key, Reason: fmt.Sprintf("not a duration: %q", v)}
	}
	return d, nil
}

// LoadServerConfigFromEnv 는 .env 를 한 번 읽어 현재 환경변수를 보완한 뒤
// "환경변수 > .env > HOP_CONFIG_FILE(YAML) > 기본값" 우선순위로 서버 설정을 구성하고 검증합니다.
func LoadServerConfigFromEnv() (*ServerConfig, error) {
	loadDotEnvOnce()
	if dotenvErr != nil {
		return nil, dotenvErr
	}

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("HOP_CONFIG_FILE")); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 는 HOP_* 환경변수를 cfg 위에 덮어씁니다.
func applyEnv(cfg *ServerConfig) error {
	var err error

	cfg.HTTPListen = getEnvOrDefault("HOP_SERVER_HTTP_LISTEN", cfg.HTTPListen)
	cfg.HTTPSListen = getEnvOrDefault("HOP_SERVER_HTTPS_LISTEN", cfg.HTTPSListen)
	cfg.Domain = getEnvOrDefault("HOP_SERVER_DOMAIN", cfg.Domain)
	cfg.Debug = getEnvBool("HOP_SERVER_DEBUG", cfg.Debug)
	if cfg.IdleTimeout, err = getEnvDuration("HOP_IDLE_TIMEOUT", cfg.IdleTimeout); err != nil {
		return err
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("HOP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return err
	}

	cfg.Upstream.Addr = getEnvOrDefault("HOP_UPSTREAM_ADDR", cfg.Upstream.Addr)
	if cfg.Upstream.DialTimeout, err = getEnvDuration("HOP_UPSTREAM_DIAL_TIMEOUT", cfg.Upstream.DialTimeout); err != nil {
		return err
	}
	if cfg.Upstream.DialRetries, err = getEnvInt("HOP_UPSTREAM_DIAL_RETRIES", cfg.Upstream.DialRetries); err != nil {
		return err
	}
	if cfg.Upstream.RequestTimeout, err = getEnvDuration("HOP_REQUEST_TIMEOUT", cfg.Upstream.RequestTimeout); err != nil {
		return err
	}

	cfg.TLS.CertDir = getEnvOrDefault("HOP_CERT_DIR", cfg.TLS.CertDir)
	cfg.TLS.ReloadSchedule = getEnvOrDefault("HOP_CERT_RELOAD_SCHEDULE", cfg.TLS.ReloadSchedule)
	cfg.TLS.Watch = getEnvBool("HOP_CERT_WATCH", cfg.TLS.Watch)
	if cfg.TLS.HandshakeTimeout, err = getEnvDuration("HOP_TLS_HANDSHAKE_TIMEOUT", cfg.TLS.HandshakeTimeout); err != nil {
		return err
	}

	if cfg.Limits.ConnPerIP, err = getEnvInt("HOP_CONN_LIMIT_PER_IP", cfg.Limits.ConnPerIP); err != nil {
		return err
	}
	if cfg.Limits.MaxConnections, err = getEnvInt("HOP_MAX_CONNECTIONS", cfg.Limits.MaxConnections); err != nil {
		return err
	}
	if cfg.Limits.RateBurst, err = getEnvInt("HOP_RATE_LIMIT_BURST", cfg.Limits.RateBurst); err != nil {
		return err
	}
	if cfg.Limits.RatePerSecond, err = getEnvFloat("HOP_RATE_LIMIT_RPS", cfg.Limits.RatePerSecond); err != nil {
		return err
	}
	if cfg.Limits.IdleTTL, err = getEnvDuration("HOP_LIMITER_IDLE_TTL", cfg.Limits.IdleTTL); err != nil {
		return err
	}
	cfg.Limits.SweepSchedule = getEnvOrDefault("HOP_LIMITER_SWEEP_SCHEDULE", cfg.Limits.SweepSchedule)

	// Admin listen 은 빈 문자열로 비활성화할 수 있어야 하므로 LookupEnv 로 구분합니다.
	if v, ok := os.LookupEnv("HOP_ADMIN_LISTEN"); ok {
		cfg.Admin.Listen = strings.TrimSpace(v)
	}
	cfg.Admin.APIKey = getEnvOrDefault("HOP_ADMIN_API_KEY", cfg.Admin.APIKey)

	cfg.Logging.Level = getEnvOrDefault("HOP_LOG_LEVEL", cfg.Logging.Level)
	return nil
}

// normalizePort 는 숫자 포트만 지정된 경우 ":" prefix 를 붙입니다. (예: "80" -> ":80")
func normalizePort(p string, def string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return def
	}
	if strings.HasPrefix(p, ":") {
		return p
	}
	if _, err := strconv.Atoi(p); err == nil {
		return ":" + p
	}
	return p
}
