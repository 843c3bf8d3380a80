package certs

import (
	"crypto/tls"
	"errors"
	"sync/atomic"
)

// ErrNoMaterial 은 아직 어떤 인증서도 게시되지 않았을 때 핸드셰이크에서 반환됩니다.
var ErrNoMaterial = errors.New("certs: no tls material loaded")

// Manager 는 HTTPS 서버에 주입할 tls.Config 를 제공합니다.
type Manager interface {
	TLSConfig() *tls.Config
}

// Store 는 현재 Material 을 atomic.Pointer 로 게시합니다.
// 핸드셰이크는 ClientHello 시점의 스냅샷 하나를 끝까지 사용하고,
// Swap 이후 시작된 핸드셰이크만 새 스냅샷을 봅니다.
type Store struct {
	cur atomic.Pointer[Material]
}

// NewStore 는 m 을 초기 스냅샷으로 하는 Store 를 생성합니다. m 은 nil 일 수 있습니다.
func NewStore(m *Material) *Store {
	s := &Store{}
	if m != nil {
		s.cur.Store(m)
	}
	return s
}

// Load 는 현재 스냅샷을 반환합니다.
func (s *Store) Load() *Material {
	return s.cur.Load()
}

// Swap 은 스냅샷을 m 으로 교체하고 이전 스냅샷을 반환합니다. nil 은 무시됩니다.
func (s *Store) Swap(m *Material) *Material {
	if m == nil {
		return s.cur.Load()
	}
	return s.cur.Swap(m)
}

// GetCertificate 는 tls.Config.GetCertificate 구현입니다.
func (s *Store) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	m := s.cur.Load()
	if m == nil {
		return nil, ErrNoMaterial
	}
	return m.Certificate, nil
}

// TLSConfig 는 TLS 1.2/1.3, ECDHE + AEAD 스위트, ALPN http/1.1 만 허용하는 설정을 반환합니다.
func (s *Store) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256, tls.CurveP384},
		NextProtos:       []string{"http/1.1"},
		GetCertificate:   s.GetCertificate,
	}
}
