// Package certs 는 443 리스너가 사용하는 TLS 인증서 스냅샷(Material)을 로드하고 교체합니다.
//
// 인증서 발급은 외부 프로세스(certbot 등)의 책임이며, 이 패키지는
// {cert-dir}/live/{domain}/fullchain.pem, privkey.pem 을 읽기만 합니다.
package certs

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

// ErrKeyMismatch 는 개인키가 leaf 인증서의 공개키와 짝이 맞지 않을 때 반환됩니다.
var ErrKeyMismatch = errors.New("certs: private key does not match leaf certificate")

// Material 은 한 번 로드된 뒤 변경되지 않는 인증서 체인 + 개인키 스냅샷입니다.
type Material struct {
	Certificate *tls.Certificate
	Leaf        *x509.Certificate
	Domains     []string
	Source      string
	LoadedAt    time.Time
}

// NotAfter 는 leaf 인증서의 만료 시각입니다.
func (m *Material) NotAfter() time.Time {
	return m.Leaf.NotAfter
}

// ExpiresWithin 은 now 기준 d 이내에 만료되면 true 를 반환합니다.
func (m *Material) ExpiresWithin(now time.Time, d time.Duration) bool {
	return m.Leaf.NotAfter.Sub(now) < d
}

// Covers 는 leaf 인증서가 host 에 대해 유효한지 확인합니다.
func (m *Material) Covers(host string) error {
	return m.Leaf.VerifyHostname(host)
}

// LivePaths 는 certbot 레이아웃의 fullchain/privkey 경로를 반환합니다.
func LivePaths(certDir, domain string) (certFile, keyFile string) {
	dir := filepath.Join(certDir, "live", domain)
	return filepath.Join(dir, "fullchain.pem"), filepath.Join(dir, "privkey.pem")
}

// Parse 는 PEM 인코딩된 체인과 개인키로 Material 을 만듭니다.
// 체인의 첫 번째 인증서를 leaf 로 취급합니다.
func Parse(chainPEM, keyPEM []byte) (*Material, error) {
	chain, err := certcrypto.ParsePEMBundle(chainPEM)
	if err != nil {
		return nil, fmt.Errorf("parse certificate chain: %w", err)
	}
	if len(chain) == 0 {
		return nil, errors.New("parse certificate chain: no certificates found")
	}

	key, err := certcrypto.ParsePEMPrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	leaf := chain[0]
	if err := matchKey(leaf, key); err != nil {
		return nil, err
	}

	der := make([][]byte, 0, len(chain))
	for _, c := range chain {
		der = append(der, c.Raw)
	}

	return &Material{
		Certificate: &tls.Certificate{
			Certificate: der,
			PrivateKey:  key,
			Leaf:        leaf,
		},
		Leaf:     leaf,
		Domains:  certcrypto.ExtractDomains(leaf),
		LoadedAt: time.Now(),
	}, nil
}

// LoadFiles 는 디스크의 fullchain/privkey 파일을 읽어 Material 을 만듭니다.
func LoadFiles(certFile, keyFile string) (*Material, error) {
	chainPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read certificate chain: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	m, err := Parse(chainPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", certFile, err)
	}
	m.Source = certFile
	return m, nil
}

func matchKey(leaf *x509.Certificate, key crypto.PrivateKey) error {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return fmt.Errorf("certs: unsupported private key type %T", key)
	}
	pub, ok := leaf.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(signer.Public()) {
		return ErrKeyMismatch
	}
	return nil
}
