package edge

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dalbodeule/hop-edge/internal/connlimit"
)

// State 는 443 으로 들어온 연결 하나의 생명주기 단계입니다.
//
//	Accepted -> Handshaking -> {Established | HandshakeFailed}
//	Established -> {Rejected | Serving}
//	{HandshakeFailed | Rejected | Serving} -> Closed
type State int32

const (
	StateAccepted State = iota
	StateHandshaking
	StateEstablished
	StateHandshakeFailed
	StateRejected
	StateServing
	StateClosed
)

var stateNames = [...]string{
	StateAccepted:        "accepted",
	StateHandshaking:     "handshaking",
	StateEstablished:     "established",
	StateHandshakeFailed: "handshake_failed",
	StateRejected:        "rejected",
	StateServing:         "serving",
	StateClosed:          "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// allowed[from] 은 from 에서 이동 가능한 상태 집합입니다.
var allowed = map[State][]State{
	StateAccepted:        {StateHandshaking, StateClosed},
	StateHandshaking:     {StateEstablished, StateHandshakeFailed},
	StateEstablished:     {StateRejected, StateServing, StateClosed},
	StateHandshakeFailed: {StateClosed},
	StateRejected:        {StateClosed},
	StateServing:         {StateClosed},
}

// Session 은 연결 하나의 상태 객체입니다. ConnContext 를 통해 요청 컨텍스트에서도 꺼낼 수 있습니다.
type Session struct {
	ID         string
	Identity   string
	RemoteAddr net.Addr
	AcceptedAt time.Time

	mu       sync.Mutex
	state    State
	ticket   *connlimit.Ticket
	tlsState *tls.ConnectionState
	requests atomic.Int64
}

func newSession(remote net.Addr) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Identity:   IdentityFromAddr(remote),
		RemoteAddr: remote,
		AcceptedAt: time.Now(),
		state:      StateAccepted,
	}
}

// State 는 현재 상태를 반환합니다.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Requests 는 이 연결에서 처리한 요청 수입니다.
func (s *Session) Requests() int64 {
	return s.requests.Load()
}

// transition 은 허용된 전이만 수행합니다.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, next := range allowed[s.state] {
		if next == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("session %s: invalid transition %s -> %s", s.ID, s.state, to)
}

// IdentityFromAddr 는 원격 주소에서 포트를 제외한 IP 문자열(ClientIdentity)을 만듭니다.
func IdentityFromAddr(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return identityFromString(addr.String())
}

func identityFromString(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

type sessionKey struct{}

func withSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext 는 요청 컨텍스트에 연결된 Session 을 반환합니다.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}

// TLSState 는 핸드셰이크가 끝난 연결의 TLS 상태입니다. 핸드셰이크 전에는 nil 입니다.
func (s *Session) TLSState() *tls.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tlsState
}
