package edge

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/dalbodeule/hop-edge/internal/connlimit"
	"github.com/dalbodeule/hop-edge/internal/logging"
	"github.com/dalbodeule/hop-edge/internal/observability"
)

// DefaultHandshakeTimeout 은 TLS 핸드셰이크 기본 제한 시간입니다.
const DefaultHandshakeTimeout = 10 * time.Second

// rejectCloseTimeout 은 거부된 연결에 close_notify 를 보낼 때 기다리는 최대 시간입니다.
const rejectCloseTimeout = time.Second

// TerminatorConfig 는 Terminator 설정입니다.
type TerminatorConfig struct {
	TLS              *tls.Config
	HandshakeTimeout time.Duration
	Conns            *connlimit.Limiter
	Logger           logging.Logger
}

// Terminator 는 TCP 리스너를 감싸 TLS 핸드셰이크와 연결 수 제한을 통과한 연결만 반환하는 net.Listener 입니다.
//
// 연결마다 고루틴 하나가 핸드셰이크를 수행하므로 느린 클라이언트가 Accept 를 막지 않습니다.
// 승인된 연결은 Close 시 정확히 한 번 연결 카운터를 돌려줍니다.
type Terminator struct {
	inner  net.Listener
	cfg    TerminatorConfig
	logger logging.Logger

	ready chan net.Conn
	done  chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu        sync.Mutex
	acceptErr error
}

// NewTerminator 는 inner 에서 연결을 받아 처리하는 Terminator 를 생성하고 accept 루프를 시작합니다.
func NewTerminator(inner net.Listener, cfg TerminatorConfig) *Terminator {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Conns == nil {
		cfg.Conns = connlimit.New(connlimit.DefaultMaxPerIdentity)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewStdJSONLogger("edge")
	}

	t := &Terminator{
		inner:  inner,
		cfg:    cfg,
		logger: cfg.Logger.With(logging.Fields{"component": "tls_terminator"}),
		ready:  make(chan net.Conn),
		done:   make(chan struct{}),
	}
	go t.acceptLoop()
	return t
}

// Accept 는 핸드셰이크와 연결 제한을 통과한 다음 연결을 반환합니다.
func (t *Terminator) Accept() (net.Conn, error) {
	select {
	case c := <-t.ready:
		return c, nil
	case <-t.done:
		t.mu.Lock()
		err := t.acceptErr
		t.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, net.ErrClosed
	}
}

// Close 는 하위 리스너를 닫습니다. 아직 전달되지 않은 연결은 닫히고 카운터가 반환됩니다.
func (t *Terminator) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.closeErr = t.inner.Close()
	})
	return t.closeErr
}

// Addr 는 하위 리스너의 주소입니다.
func (t *Terminator) Addr() net.Addr {
	return t.inner.Addr()
}

func (t *Terminator) acceptLoop() {
	var delay time.Duration
	for {
		raw, err := t.inner.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				t.mu.Lock()
				t.acceptErr = err
				t.mu.Unlock()
				_ = t.Close()
				return
			}
			// fd 고갈 같은 일시적 오류는 net/http 와 같은 방식으로 지수 대기 후 재시도합니다.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			t.logger.Warn("tcp accept failed, retrying", logging.Fields{
				"error":    err.Error(),
				"retry_in": delay.String(),
			})
			time.Sleep(delay)
			continue
		}
		delay = 0
		go t.handle(raw)
	}
}

// handle 은 연결 하나를 Accepted 부터 Serving(또는 종료)까지 진행시킵니다.
func (t *Terminator) handle(raw net.Conn) {
	sess := newSession(raw.RemoteAddr())
	log := t.logger.With(logging.Fields{
		"session_id": sess.ID,
		"client_ip":  sess.Identity,
	})

	_ = sess.transition(StateHandshaking)
	tlsConn := tls.Server(raw, t.cfg.TLS)

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandshakeTimeout)
	err := tlsConn.HandshakeContext(ctx)
	cancel()
	if err != nil {
		_ = sess.transition(StateHandshakeFailed)
		observability.TLSHandshakesTotal.WithLabelValues("failure").Inc()
		herr := &HandshakeError{Peer: sess.Identity, Err: err}
		log.Info("tls handshake failed", logging.Fields{"error": herr.Error()})
		_ = raw.Close()
		_ = sess.transition(StateClosed)
		return
	}
	state := tlsConn.ConnectionState()
	sess.mu.Lock()
	sess.tlsState = &state
	sess.mu.Unlock()
	_ = sess.transition(StateEstablished)
	observability.TLSHandshakesTotal.WithLabelValues("success").Inc()

	ticket, ok := t.cfg.Conns.Acquire(sess.Identity)
	if !ok {
		_ = sess.transition(StateRejected)
		observability.ConnectionsTotal.WithLabelValues("rejected").Inc()
		log.Debug("connection rejected", logging.Fields{
			"error": ErrConnLimited.Error(),
			"limit": t.cfg.Conns.Max(),
		})
		_ = raw.SetDeadline(time.Now().Add(rejectCloseTimeout))
		_ = tlsConn.Close()
		_ = sess.transition(StateClosed)
		return
	}

	sess.ticket = ticket
	_ = sess.transition(StateServing)
	observability.ConnectionsTotal.WithLabelValues("admitted").Inc()
	observability.ActiveConnections.Inc()
	log.Debug("connection admitted", logging.Fields{
		"tls_version": tls.VersionName(state.Version),
		"open":        t.cfg.Conns.Count(sess.Identity),
	})

	conn := &trackedConn{Conn: tlsConn, sess: sess, onClose: func(s *Session) {
		s.ticket.Release()
		observability.ActiveConnections.Dec()
		_ = s.transition(StateClosed)
		log.Debug("connection closed", logging.Fields{
			"requests":    s.Requests(),
			"duration_ms": time.Since(s.AcceptedAt).Milliseconds(),
		})
	}}

	select {
	case t.ready <- conn:
	case <-t.done:
		_ = conn.Close()
	}
}

// trackedConn 은 승인된 TLS 연결입니다. Close 는 여러 번 호출되어도 onClose 를 한 번만 실행합니다.
// *tls.Conn 이 아니므로 net/http 는 r.TLS 를 채우지 않습니다. withTLSState 가 Session 에서 복원합니다.
type trackedConn struct {
	*tls.Conn
	sess    *Session
	once    sync.Once
	onClose func(*Session)
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { c.onClose(c.sess) })
	return err
}
