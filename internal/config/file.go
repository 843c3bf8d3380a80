package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig 는 HOP_CONFIG_FILE 로 지정된 YAML 파일의 형태입니다.
// 모든 필드는 선택이며, 지정된 값만 기본값 위에 적용됩니다.
// 환경변수는 항상 이 파일보다 우선합니다.
type fileConfig struct {
	Server struct {
		HTTPListen      string `yaml:"http_listen"`
		HTTPSListen     string `yaml:"https_listen"`
		Domain          string `yaml:"domain"`
		Debug           *bool  `yaml:"debug"`
		IdleTimeout     string `yaml:"idle_timeout"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Upstream struct {
		Addr           string `yaml:"addr"`
		DialTimeout    string `yaml:"dial_timeout"`
		DialRetries    *int   `yaml:"dial_retries"`
		RequestTimeout string `yaml:"request_timeout"`
	} `yaml:"upstream"`

	TLS struct {
		CertDir          string `yaml:"cert_dir"`
		ReloadSchedule   string `yaml:"reload_schedule"`
		Watch            *bool  `yaml:"watch"`
		HandshakeTimeout string `yaml:"handshake_timeout"`
	} `yaml:"tls"`

	Limits struct {
		ConnPerIP      *int     `yaml:"conn_per_ip"`
		MaxConnections *int     `yaml:"max_connections"`
		RateBurst      *int     `yaml:"rate_burst"`
		RatePerSecond  *float64 `yaml:"rate_per_second"`
		IdleTTL        string   `yaml:"idle_ttl"`
		SweepSchedule  string   `yaml:"sweep_schedule"`
	} `yaml:"limits"`

	Admin struct {
		Listen *string `yaml:"listen"`
		APIKey string  `yaml:"api_key"`
	} `yaml:"admin"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// applyFile 은 YAML 설정 파일을 읽어 cfg 에 반영합니다.
func applyFile(cfg *ServerConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigurationError{Field: "HOP_CONFIG_FILE", Reason: fmt.Sprintf("read %s: %v", path, err)}
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return &ConfigurationError{Field: "HOP_CONFIG_FILE", Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}

	setString(&cfg.HTTPListen, fc.Server.HTTPListen)
	setString(&cfg.HTTPSListen, fc.Server.HTTPSListen)
	setString(&cfg.Domain, fc.Server.Domain)
	if fc.Server.Debug != nil {
		cfg.Debug = *fc.Server.Debug
	}

	setString(&cfg.Upstream.Addr, fc.Upstream.Addr)
	if fc.Upstream.DialRetries != nil {
		cfg.Upstream.DialRetries = *fc.Upstream.DialRetries
	}

	setString(&cfg.TLS.CertDir, fc.TLS.CertDir)
	setString(&cfg.TLS.ReloadSchedule, fc.TLS.ReloadSchedule)
	if fc.TLS.Watch != nil {
		cfg.TLS.Watch = *fc.TLS.Watch
	}

	if fc.Limits.ConnPerIP != nil {
		cfg.Limits.ConnPerIP = *fc.Limits.ConnPerIP
	}
	if fc.Limits.MaxConnections != nil {
		cfg.Limits.MaxConnections = *fc.Limits.MaxConnections
	}
	if fc.Limits.RateBurst != nil {
		cfg.Limits.RateBurst = *fc.Limits.RateBurst
	}
	if fc.Limits.RatePerSecond != nil {
		cfg.Limits.RatePerSecond = *fc.Limits.RatePerSecond
	}
	setString(&cfg.Limits.SweepSchedule, fc.Limits.SweepSchedule)

	if fc.Admin.Listen != nil {
		cfg.Admin.Listen = *fc.Admin.Listen
	}
	setString(&cfg.Admin.APIKey, fc.Admin.APIKey)
	setString(&cfg.Logging.Level, fc.Logging.Level)

	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"server.idle_timeout", fc.Server.IdleTimeout, &cfg.IdleTimeout},
		{"server.shutdown_timeout", fc.Server.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"upstream.dial_timeout", fc.Upstream.DialTimeout, &cfg.Upstream.DialTimeout},
		{"upstream.request_timeout", fc.Upstream.RequestTimeout, &cfg.Upstream.RequestTimeout},
		{"tls.handshake_timeout", fc.TLS.HandshakeTimeout, &cfg.TLS.HandshakeTimeout},
		{"limits.idle_ttl", fc.Limits.IdleTTL, &cfg.Limits.IdleTTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return &ConfigurationError{Field: d.field, Reason: fmt.Sprintf("not a duration: %q", d.raw)}
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
