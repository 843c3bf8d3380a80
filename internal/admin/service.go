package admin

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/dalbodeule/hop-edge/internal/certs"
	"github.com/dalbodeule/hop-edge/internal/connlimit"
	"github.com/dalbodeule/hop-edge/internal/logging"
	"github.com/dalbodeule/hop-edge/internal/ratelimit"
)

var (
	// ErrNoCertificate 는 아직 게시된 인증서가 없을 때 반환됩니다.
	ErrNoCertificate = errors.New("no certificate loaded")
	// ErrReloadUnavailable 은 파일 기반 인증서를 쓰지 않는 경우(debug self-signed) 반환됩니다.
	ErrReloadUnavailable = errors.New("certificate reload is not available")
	// ErrInvalidIdentity 는 identity 가 IP 주소가 아닐 때 반환됩니다.
	ErrInvalidIdentity = errors.New("identity must be an ip address")
)

// CertificateStatus 는 현재 서비스 중인 인증서 정보입니다.
type CertificateStatus struct {
	Subject        string    `json:"subject"`
	Issuer         string    `json:"issuer"`
	Domains        []string  `json:"domains"`
	Source         string    `json:"source"`
	NotAfter       time.Time `json:"not_after"`
	LoadedAt       time.Time `json:"loaded_at"`
	ExpiresInHours int       `json:"expires_in_hours"`
}

// IdentityStatus 는 식별자 하나의 연결/요청 제한 상태입니다.
type IdentityStatus struct {
	Identity        string  `json:"identity"`
	OpenConnections int     `json:"open_connections"`
	ConnectionLimit int     `json:"connection_limit"`
	Tokens          float64 `json:"tokens"`
	Capacity        int     `json:"capacity"`
	Tracked         bool    `json:"tracked"`
}

// Reloader 는 인증서를 다시 읽어 게시하는 구성 요소입니다. (*certs.Reloader)
type Reloader interface {
	Reload(reason string) (*certs.Material, error)
}

// EdgeService 는 관리 plane 이 사용하는 조회/조작 인터페이스입니다.
type EdgeService interface {
	// ReloadCertificate 는 디스크의 인증서를 즉시 다시 읽습니다. 실패하면 이전 인증서가 유지됩니다.
	ReloadCertificate(ctx context.Context) (*CertificateStatus, error)

	// CertificateStatus 는 현재 인증서 정보를 반환합니다.
	CertificateStatus(ctx context.Context) (*CertificateStatus, error)

	// IdentityStatus 는 주어진 식별자의 연결 수와 남은 토큰을 반환합니다.
	IdentityStatus(ctx context.Context, identity string) (*IdentityStatus, error)
}

// EdgeServiceImpl 는 certs/connlimit/ratelimit 레지스트리를 사용해 EdgeService 를 구현한 구조체입니다.
type EdgeServiceImpl struct {
	logger   logging.Logger
	store    *certs.Store
	reloader Reloader
	conns    *connlimit.Limiter
	rate     *ratelimit.Limiter
}

// NewEdgeService 는 기본 EdgeService 구현체를 생성합니다. reloader 는 nil 일 수 있습니다.
func NewEdgeService(logger logging.Logger, store *certs.Store, reloader Reloader, conns *connlimit.Limiter, rate *ratelimit.Limiter) EdgeService {
	return &EdgeServiceImpl{
		logger:   logger.With(logging.Fields{"component": "edge_service"}),
		store:    store,
		reloader: reloader,
		conns:    conns,
		rate:     rate,
	}
}

func (s *EdgeServiceImpl) ReloadCertificate(ctx context.Context) (*CertificateStatus, error) {
	if s.reloader == nil {
		return nil, ErrReloadUnavailable
	}
	m, err := s.reloader.Reload("admin")
	if err != nil {
		return nil, err
	}
	return statusOf(m), nil
}

func (s *EdgeServiceImpl) CertificateStatus(ctx context.Context) (*CertificateStatus, error) {
	m := s.store.Load()
	if m == nil {
		return nil, ErrNoCertificate
	}
	return statusOf(m), nil
}

func (s *EdgeServiceImpl) IdentityStatus(ctx context.Context, identity string) (*IdentityStatus, error) {
	ip := net.ParseIP(strings.TrimSpace(identity))
	if ip == nil {
		return nil, ErrInvalidIdentity
	}
	id := ip.String()

	tokens, tracked := s.rate.Tokens(id)
	return &IdentityStatus{
		Identity:        id,
		OpenConnections: s.conns.Count(id),
		ConnectionLimit: s.conns.Max(),
		Tokens:          tokens,
		Capacity:        s.rate.Config().Capacity,
		Tracked:         tracked,
	}, nil
}

func statusOf(m *certs.Material) *CertificateStatus {
	return &CertificateStatus{
		Subject:        m.Leaf.Subject.CommonName,
		Issuer:         m.Leaf.Issuer.CommonName,
		Domains:        m.Domains,
		Source:         m.Source,
		NotAfter:       m.NotAfter(),
		LoadedAt:       m.LoadedAt,
		ExpiresInHours: int(time.Until(m.NotAfter()).Hours()),
	}
}
