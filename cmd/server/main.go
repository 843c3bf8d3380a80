package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dalbodeule/hop-edge/internal/admin"
	"github.com/dalbodeule/hop-edge/internal/certs"
	"github.com/dalbodeule/hop-edge/internal/config"
	"github.com/dalbodeule/hop-edge/internal/connlimit"
	"github.com/dalbodeule/hop-edge/internal/edge"
	"github.com/dalbodeule/hop-edge/internal/headers"
	"github.com/dalbodeule/hop-edge/internal/logging"
	"github.com/dalbodeule/hop-edge/internal/observability"
	"github.com/dalbodeule/hop-edge/internal/proxy"
	"github.com/dalbodeule/hop-edge/internal/ratelimit"
)

func main() {
	logger := logging.NewStdJSONLogger("server")

	// 1. 서버 설정 로드 (.env + HOP_CONFIG_FILE + 환경변수)
	cfg, err := config.LoadServerConfigFromEnv()
	if err != nil {
		logger.Error("failed to load server config from env", logging.Fields{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	if err := logging.SetLevel(cfg.Logging.Level); err != nil {
		logger.Warn("invalid log level, keeping info", logging.Fields{"error": err.Error()})
	}
	observability.MustRegister()

	logger.Info("hop-edge server starting", logging.Fields{
		"stack":        "prometheus-loki-grafana",
		"http_listen":  cfg.HTTPListen,
		"https_listen": cfg.HTTPSListen,
		"domain":       cfg.Domain,
		"upstream":     cfg.Upstream.Addr,
		"debug":        cfg.Debug,
	})

	// 2. TLS 인증서 로드
	//
	// Debug 모드일 때는 self-signed 인증서를 사용해 로컬에서 테스트할 수 있도록 합니다.
	// 운영 환경에서는 certbot 이 갱신하는 {cert-dir}/live/{domain} 을 읽고,
	// fsnotify / cron / SIGHUP / admin API 로 재로딩합니다.
	store := certs.NewStore(nil)
	var reloader *certs.Reloader
	if cfg.Debug {
		hosts := []string{"localhost", "127.0.0.1"}
		if cfg.Domain != "localhost" {
			hosts = append([]string{cfg.Domain}, hosts...)
		}
		m, err := certs.NewSelfSigned(hosts, 365*24*time.Hour)
		if err != nil {
			logger.Error("failed to create self-signed certificate", logging.Fields{
				"error": err.Error(),
			})
			os.Exit(1)
		}
		store.Swap(m)
		logger.Warn("using self-signed certificate (debug mode)", logging.Fields{
			"domains": m.Domains,
			"note":    "do not use this in production",
		})
	} else {
		reloader = certs.NewReloader(certs.ReloaderConfig{
			CertFile: cfg.CertFile(),
			KeyFile:  cfg.KeyFile(),
			Domain:   cfg.Domain,
		}, store, logger)
		if _, err := reloader.Reload("startup"); err != nil {
			logger.Error("failed to load tls certificate", logging.Fields{
				"cert_file": cfg.CertFile(),
				"error":     err.Error(),
			})
			os.Exit(1)
		}
	}

	// 3. 식별자별 제한 레지스트리
	conns := connlimit.New(cfg.Limits.ConnPerIP)
	rate := ratelimit.New(ratelimit.Config{
		Capacity:   cfg.Limits.RateBurst,
		RefillRate: cfg.Limits.RatePerSecond,
		IdleTTL:    cfg.Limits.IdleTTL,
	})

	// 4. 업스트림 Forwarder (보안 헤더 정책은 평문/TLS/업스트림 응답 모두 동일)
	policy := headers.Security
	target, err := proxy.ParseTarget(cfg.Upstream.Addr)
	if err != nil {
		logger.Error("invalid upstream address", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}
	forwarder := proxy.NewForwarder(proxy.StaticRouter{Target: target}, proxy.Config{
		DialTimeout:    cfg.Upstream.DialTimeout,
		DialRetries:    cfg.Upstream.DialRetries,
		RequestTimeout: cfg.Upstream.RequestTimeout,
		Policy:         policy,
	}, logger)
	defer forwarder.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5. 주기 작업: 인증서 재확인, 유휴 limiter 정리
	scheduler := cron.New()
	if reloader != nil && cfg.TLS.ReloadSchedule != "" {
		if _, err := scheduler.AddFunc(cfg.TLS.ReloadSchedule, func() { _, _ = reloader.Reload("cron") }); err != nil {
			logger.Error("invalid certificate reload schedule", logging.Fields{"error": err.Error()})
			os.Exit(1)
		}
	}
	if cfg.Limits.SweepSchedule != "" {
		if _, err := scheduler.AddFunc(cfg.Limits.SweepSchedule, func() {
			removed := rate.Sweep()
			observability.LimiterIdentities.WithLabelValues("rate").Set(float64(rate.Len()))
			observability.LimiterIdentities.WithLabelValues("conn").Set(float64(conns.Len()))
			if removed > 0 {
				logger.Debug("idle rate buckets evicted", logging.Fields{"removed": removed})
			}
		}); err != nil {
			logger.Error("invalid limiter sweep schedule", logging.Fields{"error": err.Error()})
			os.Exit(1)
		}
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	// SIGHUP 은 인증서를 즉시 다시 읽습니다.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if reloader == nil {
					logger.Info("SIGHUP ignored in debug mode", nil)
					continue
				}
				_, _ = reloader.Reload("sighup")
			}
		}
	})

	if reloader != nil && cfg.TLS.Watch {
		g.Go(func() error {
			if err := reloader.Watch(gctx); err != nil {
				// 감시가 실패해도 cron/SIGHUP 재로딩은 계속 동작합니다.
				logger.Warn("certificate watcher stopped", logging.Fields{"error": err.Error()})
			}
			return nil
		})
	}

	// 6. 관리 plane (loopback)
	if cfg.Admin.Listen != "" {
		mux := http.NewServeMux()
		var adminReloader admin.Reloader
		if reloader != nil {
			adminReloader = reloader
		}
		svc := admin.NewEdgeService(logger, store, adminReloader, conns, rate)
		admin.NewHandler(logger, cfg.Admin.APIKey, svc).RegisterRoutes(mux)
		adminSrv := &http.Server{
			Addr:              cfg.Admin.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          logging.NewStdLogger("admin_api"),
		}
		g.Go(func() error {
			logger.Info("admin listener started", logging.Fields{"addr": cfg.Admin.Listen})
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return adminSrv.Shutdown(shutdownCtx)
		})
	}

	// 7. 80 (redirect) / 443 (TLS proxy)
	srv := edge.NewServer(edge.Config{
		HTTPAddr:         cfg.HTTPListen,
		HTTPSAddr:        cfg.HTTPSListen,
		Domain:           cfg.Domain,
		TLS:              store,
		HandshakeTimeout: cfg.TLS.HandshakeTimeout,
		IdleTimeout:      cfg.IdleTimeout,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		MaxConnections:   cfg.Limits.MaxConnections,
		Conns:            conns,
		Rate:             rate,
		Upstream:         forwarder,
		Policy:           policy,
		Logger:           logger,
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("hop-edge server stopped", nil)
}
