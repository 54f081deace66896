package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testPKI struct {
	pool   *x509.CertPool
	caPEM  []byte
	server tls.Certificate
	client tls.Certificate
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}

	p := &testPKI{
		pool:   x509.NewCertPool(),
		caPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		caCert: caCert,
		caKey:  caKey,
	}
	p.pool.AddCert(caCert)
	p.server = p.issue(t, "provider.example", 2)
	p.client = p.issue(t, "consumer.example", 3)
	return p
}

func (p *testPKI) issue(t *testing.T, name string, serial int64) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{name, "localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, p.caCert, &key.PublicKey, p.caKey)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
}

func TestServerTLSConfig(t *testing.T) {
	pki := newTestPKI(t)

	cfg, err := NewServerTLSConfig(&TLSConfig{Certificate: pki.server, ClientCAs: pki.pool})
	if err != nil {
		t.Fatalf("NewServerTLSConfig: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 || cfg.MaxVersion != tls.VersionTLS13 {
		t.Errorf("versions = %x..%x", cfg.MinVersion, cfg.MaxVersion)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v", cfg.ClientAuth)
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != ALPNProtocol {
		t.Errorf("NextProtos = %v", cfg.NextProtos)
	}
	if !cfg.SessionTicketsDisabled {
		t.Error("session tickets must be disabled")
	}

	insecure, err := NewServerTLSConfig(&TLSConfig{Certificate: pki.server, InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("NewServerTLSConfig: %v", err)
	}
	if insecure.ClientAuth != tls.RequireAnyClientCert {
		t.Errorf("insecure ClientAuth = %v, still want a certificate", insecure.ClientAuth)
	}
}

func TestTLSConfigRequiresCertificate(t *testing.T) {
	if _, err := NewClientTLSConfig(&TLSConfig{}); !errors.Is(err, ErrNoCertificate) {
		t.Errorf("client: err = %v", err)
	}
	if _, err := NewServerTLSConfig(nil); !errors.Is(err, ErrInvalidTLSConfig) {
		t.Errorf("server nil: err = %v", err)
	}
}

func TestVerifyConnection(t *testing.T) {
	peer := &x509.Certificate{}
	tests := []struct {
		name  string
		state tls.ConnectionState
		ok    bool
	}{
		{"valid", tls.ConnectionState{Version: tls.VersionTLS13, NegotiatedProtocol: ALPNProtocol, PeerCertificates: []*x509.Certificate{peer}}, true},
		{"tls12", tls.ConnectionState{Version: tls.VersionTLS12, NegotiatedProtocol: ALPNProtocol, PeerCertificates: []*x509.Certificate{peer}}, false},
		{"wrong alpn", tls.ConnectionState{Version: tls.VersionTLS13, NegotiatedProtocol: "h2", PeerCertificates: []*x509.Certificate{peer}}, false},
		{"no peer", tls.ConnectionState{Version: tls.VersionTLS13, NegotiatedProtocol: ALPNProtocol}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyConnection(tt.state)
			if (err == nil) != tt.ok {
				t.Errorf("err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestLoadTLSConfig(t *testing.T) {
	pki := newTestPKI(t)
	dir := t.TempDir()

	keyDER, err := x509.MarshalPKCS8PrivateKey(pki.client.PrivateKey)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	caFile := filepath.Join(dir, "ca.pem")
	write := func(path string, data []byte) {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	write(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: pki.client.Certificate[0]}))
	write(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))
	write(caFile, pki.caPEM)

	cfg, err := LoadTLSConfig(certFile, keyFile, caFile)
	if err != nil {
		t.Fatalf("LoadTLSConfig: %v", err)
	}
	if cfg.RootCAs == nil || cfg.ClientCAs == nil {
		t.Error("CA pools not set")
	}
	leaf, err := LeafCertificate(cfg.Certificate)
	if err != nil {
		t.Fatalf("LeafCertificate: %v", err)
	}
	if PeerName(leaf) != "consumer.example" {
		t.Errorf("PeerName = %q", PeerName(leaf))
	}

	write(caFile, []byte("not pem"))
	if _, err := LoadTLSConfig(certFile, keyFile, caFile); !errors.Is(err, ErrInvalidTLSConfig) {
		t.Errorf("bad CA bundle: err = %v", err)
	}
}

func TestPeerNameFallsBackToDNS(t *testing.T) {
	if got := PeerName(&x509.Certificate{DNSNames: []string{"a.example"}}); got != "a.example" {
		t.Errorf("PeerName = %q", got)
	}
	if PeerName(nil) != "" {
		t.Error("nil certificate should have no name")
	}
}
