package edge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/dalbodeule/hop-edge/internal/certs"
	"github.com/dalbodeule/hop-edge/internal/connlimit"
	"github.com/dalbodeule/hop-edge/internal/headers"
	"github.com/dalbodeule/hop-edge/internal/logging"
	"github.com/dalbodeule/hop-edge/internal/ratelimit"
)

// Config 는 80/443 리스너 구성입니다.
type Config struct {
	HTTPAddr  string
	HTTPSAddr string
	// Domain 은 Host 헤더가 없는 평문 요청의 리다이렉트 대상입니다.
	Domain string

	TLS              certs.Manager
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	ShutdownTimeout  time.Duration
	// MaxConnections 가 0 보다 크면 443 리스너 전체의 동시 연결 수를 제한합니다.
	MaxConnections int

	Conns    *connlimit.Limiter
	Rate     *ratelimit.Limiter
	Upstream http.Handler
	// Policy 가 nil 이면 headers.Security 를 사용합니다. Upstream 의 정책과 같아야 합니다.
	Policy headers.Policy
	Logger logging.Logger
}

// Server 는 평문 리다이렉트 서버와 TLS 프록시 서버를 함께 운영합니다.
type Server struct {
	cfg    Config
	logger logging.Logger
	plain  *http.Server
	secure *http.Server
}

// NewServer 는 새로운 Server 를 생성합니다.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewStdJSONLogger("edge")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Conns == nil {
		cfg.Conns = connlimit.New(connlimit.DefaultMaxPerIdentity)
	}
	if cfg.Policy == nil {
		cfg.Policy = headers.Security
	}

	s := &Server{cfg: cfg, logger: cfg.Logger.With(logging.Fields{"component": "edge_server"})}

	plain := &http.Server{
		Handler:           cfg.Policy.Middleware(RedirectHandler(portOf(cfg.HTTPSAddr), cfg.Domain, cfg.Logger)),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logging.NewStdLogger("http_redirect"),
	}
	plain.SetKeepAlivesEnabled(false)
	s.plain = plain

	s.secure = &http.Server{
		Handler: NewHandler(HandlerConfig{
			Rate:     cfg.Rate,
			Policy:   cfg.Policy,
			Upstream: cfg.Upstream,
			Logger:   cfg.Logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          logging.NewStdLogger("edge_http"),
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if tc, ok := c.(*trackedConn); ok {
				return withSession(ctx, tc.sess)
			}
			return ctx
		},
	}
	return s
}

// ListenAndServe 는 HTTPAddr, HTTPSAddr 에 리스너를 열고 Serve 를 호출합니다.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var plainLn net.Listener
	if s.cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.cfg.HTTPAddr, err)
		}
		plainLn = ln
	}
	tlsLn, err := net.Listen("tcp", s.cfg.HTTPSAddr)
	if err != nil {
		if plainLn != nil {
			_ = plainLn.Close()
		}
		return fmt.Errorf("listen %s: %w", s.cfg.HTTPSAddr, err)
	}
	return s.Serve(ctx, plainLn, tlsLn)
}

// Serve 는 ctx 가 취소될 때까지 두 리스너를 서비스하고, 취소되면 ShutdownTimeout 동안 정리합니다.
// plainLn 은 nil 일 수 있습니다.
func (s *Server) Serve(ctx context.Context, plainLn, tlsLn net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		tlsLn = netutil.LimitListener(tlsLn, s.cfg.MaxConnections)
	}
	term := NewTerminator(tlsLn, TerminatorConfig{
		TLS:              s.cfg.TLS.TLSConfig(),
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		Conns:            s.cfg.Conns,
		Logger:           s.cfg.Logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	if plainLn != nil {
		s.logger.Info("http redirect listener started", logging.Fields{"addr": plainLn.Addr().String()})
		g.Go(func() error {
			if err := s.plain.Serve(plainLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http listener: %w", err)
			}
			return nil
		})
	}

	s.logger.Info("https listener started", logging.Fields{
		"addr":            term.Addr().String(),
		"conn_limit":      s.cfg.Conns.Max(),
		"max_connections": s.cfg.MaxConnections,
	})
	g.Go(func() error {
		if err := s.secure.Serve(term); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("https listener: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down listeners", logging.Fields{"timeout": s.cfg.ShutdownTimeout.String()})
	var g errgroup.Group
	g.Go(func() error { return s.plain.Shutdown(ctx) })
	g.Go(func() error { return s.secure.Shutdown(ctx) })
	if err := g.Wait(); err != nil {
		s.logger.Warn("graceful shutdown incomplete, closing remaining connections", logging.Fields{"error": err.Error()})
		_ = s.plain.Close()
		_ = s.secure.Close()
		return nil
	}
	return nil
}

func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return port
}
