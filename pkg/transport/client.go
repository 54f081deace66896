package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	"github.com/idscp2/idscp2-go/pkg/log"
)

// DefaultConnectTimeout bounds dialing plus the TLS handshake.
const DefaultConnectTimeout = 30 * time.Second

// ClientConfig configures a secure channel client.
type ClientConfig struct {
	// TLSConfig contains the client key material.
	TLSConfig *TLSConfig

	// MaxMessageSize is the maximum frame payload (default: 1 MiB).
	MaxMessageSize uint32

	// ConnectTimeout is used when the context has no deadline (default: 30s).
	ConnectTimeout time.Duration

	// ProtocolLogger captures frames and lifecycle events (optional).
	ProtocolLogger log.Logger
}

// Client opens secure channels to IDSCP2 servers.
type Client struct {
	config  ClientConfig
	tlsConf *tls.Config
	local   *x509.Certificate
}

// NewClient creates a client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}

	tlsConf, err := NewClientTLSConfig(config.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	local, err := LeafCertificate(config.TLSConfig.Certificate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse client certificate: %w", err)
	}

	return &Client{config: config, tlsConf: tlsConf, local: local}, nil
}

// Connect dials address and completes the TLS handshake.
func (c *Client) Connect(ctx context.Context, address string) (*Conn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{}
	nc, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	tlsConf := c.tlsConf
	if tlsConf.ServerName == "" && !tlsConf.InsecureSkipVerify {
		if host, _, err := net.SplitHostPort(address); err == nil {
			tlsConf = tlsConf.Clone()
			tlsConf.ServerName = host
		}
	}

	tlsConn := tls.Client(nc, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	state := tlsConn.ConnectionState()

	return NewConn(tlsConn, ConnOptions{
		LocalCertificate: c.local,
		PeerCertificate:  state.PeerCertificates[0],
		MaxMessageSize:   c.config.MaxMessageSize,
		Logger:           c.config.ProtocolLogger,
		Role:             log.RoleClient,
	}), nil
}
