package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLS constants for IDSCP2.
const (
	// ALPNProtocol is the ALPN identifier both peers must negotiate.
	ALPNProtocol = "idscp2/2"

	// DefaultPort is the default IDSCP2 server port.
	DefaultPort = 29292
)

// TLS errors.
var (
	ErrNoCertificate     = errors.New("certificate is required")
	ErrNoPeerCertificate = errors.New("peer presented no certificate")
	ErrInvalidTLSConfig  = errors.New("invalid TLS configuration")
)

// TLSConfig holds the key material for one endpoint.
type TLSConfig struct {
	// Certificate is this connector's transport certificate.
	Certificate tls.Certificate

	// RootCAs verifies server certificates on the client side.
	RootCAs *x509.CertPool

	// ClientCAs verifies client certificates on the server side.
	ClientCAs *x509.CertPool

	// ServerName overrides the name checked in the server certificate.
	ServerName string

	// InsecureSkipVerify disables chain verification. A peer certificate
	// is still required. Only for testing.
	InsecureSkipVerify bool

	// VerifyPeerCertificate is an optional extra verification callback.
	VerifyPeerCertificate func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
}

func baseTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil", ErrInvalidTLSConfig)
	}
	if len(cfg.Certificate.Certificate) == 0 {
		return nil, ErrNoCertificate
	}
	return &tls.Config{
		MinVersion:             tls.VersionTLS13,
		MaxVersion:             tls.VersionTLS13,
		Certificates:           []tls.Certificate{cfg.Certificate},
		NextProtos:             []string{ALPNProtocol},
		CurvePreferences:       []tls.CurveID{tls.X25519, tls.CurveP256},
		SessionTicketsDisabled: true,
		VerifyPeerCertificate:  cfg.VerifyPeerCertificate,
		VerifyConnection:       VerifyConnection,
	}, nil
}

// NewServerTLSConfig creates the TLS configuration for the accepting side.
// Clients must authenticate.
func NewServerTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	tlsConfig, err := baseTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	tlsConfig.ClientCAs = cfg.ClientCAs
	if cfg.InsecureSkipVerify {
		tlsConfig.ClientAuth = tls.RequireAnyClientCert
	}
	return tlsConfig, nil
}

// NewClientTLSConfig creates the TLS configuration for the connecting side.
func NewClientTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	tlsConfig, err := baseTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	tlsConfig.RootCAs = cfg.RootCAs
	tlsConfig.ServerName = cfg.ServerName
	tlsConfig.InsecureSkipVerify = cfg.InsecureSkipVerify
	return tlsConfig, nil
}

// VerifyTLS13 checks that a TLS connection is using TLS 1.3.
func VerifyTLS13(state tls.ConnectionState) error {
	if state.Version != tls.VersionTLS13 {
		return fmt.Errorf("TLS version %x is not TLS 1.3 (0x0304)", state.Version)
	}
	return nil
}

// VerifyALPN checks that the negotiated ALPN protocol is IDSCP2.
func VerifyALPN(state tls.ConnectionState) error {
	if state.NegotiatedProtocol != ALPNProtocol {
		return fmt.Errorf("ALPN protocol %q is not %q", state.NegotiatedProtocol, ALPNProtocol)
	}
	return nil
}

// VerifyConnection checks version, ALPN and the presence of a peer certificate.
func VerifyConnection(state tls.ConnectionState) error {
	if err := VerifyTLS13(state); err != nil {
		return err
	}
	if err := VerifyALPN(state); err != nil {
		return err
	}
	if len(state.PeerCertificates) == 0 {
		return ErrNoPeerCertificate
	}
	return nil
}

// LoadTLSConfig reads a PEM key pair and an optional PEM CA bundle. The CA
// bundle is used for both client and server verification.
func LoadTLSConfig(certFile, keyFile, caFile string) (*TLSConfig, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}
	cfg := &TLSConfig{Certificate: cert}
	if caFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: no certificates in %s", ErrInvalidTLSConfig, caFile)
	}
	cfg.RootCAs = pool
	cfg.ClientCAs = pool
	return cfg, nil
}

// LeafCertificate returns the parsed end-entity certificate of a key pair.
func LeafCertificate(cert tls.Certificate) (*x509.Certificate, error) {
	if cert.Leaf != nil {
		return cert.Leaf, nil
	}
	if len(cert.Certificate) == 0 {
		return nil, ErrNoCertificate
	}
	return x509.ParseCertificate(cert.Certificate[0])
}

// PeerName returns a short identity for a certificate: the common name, or
// the first DNS name when the common name is empty.
func PeerName(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	if cert.Subject.CommonName != "" {
		return cert.Subject.CommonName
	}
	if len(cert.DNSNames) > 0 {
		return cert.DNSNames[0]
	}
	return ""
}
