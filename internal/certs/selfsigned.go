package certs

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

// NewSelfSigned 는 debug 모드와 테스트용 self-signed Material 을 생성합니다.
//
//   - CN: hosts[0] (비어 있으면 "localhost")
//   - SAN: hosts 중 IP 는 IP SAN, 나머지는 DNS SAN
//   - 유효기간: 생성 시점 1 시간 전부터 validFor 동안
//
// 생성된 인증서도 파일 로드와 같은 Parse 경로를 거칩니다.
func NewSelfSigned(hosts []string, validFor time.Duration) (*Material, error) {
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	if validFor <= 0 {
		validFor = 365 * 24 * time.Hour
	}

	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("generate key: unexpected key type %T", key)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}

	notBefore := time.Now().Add(-1 * time.Hour)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: hosts[0],
		},
		NotBefore: notBefore,
		NotAfter:  notBefore.Add(validFor),

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	m, err := Parse(certcrypto.PEMEncode(certcrypto.DERCertificateBytes(der)), certcrypto.PEMEncode(key))
	if err != nil {
		return nil, err
	}
	m.Source = "self-signed"
	return m, nil
}
