package idscp2

import (
	"context"
	"time"

	"github.com/idscp2/idscp2-go/pkg/log"
	"github.com/idscp2/idscp2-go/pkg/transport"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// TLSConfig contains the client key material.
	TLSConfig *transport.TLSConfig

	// Connection configures every connection.
	Connection Config

	// MaxMessageSize is the maximum frame payload (default: 1 MiB).
	MaxMessageSize uint32

	// DialTimeout bounds dialing plus the TLS handshake (default: 30s).
	DialTimeout time.Duration
}

// DefaultClientConfig returns a client configuration with defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Connection:     DefaultConfig(),
		MaxMessageSize: transport.DefaultMaxMessageSize,
		DialTimeout:    transport.DefaultConnectTimeout,
	}
}

// Client opens IDSCP2 connections.
type Client struct {
	config    ClientConfig
	transport *transport.Client
}

// NewClient creates a client.
func NewClient(config ClientConfig) (*Client, error) {
	if err := config.Connection.Validate(); err != nil {
		return nil, err
	}
	config.Connection.role = log.RoleClient

	tc, err := transport.NewClient(transport.ClientConfig{
		TLSConfig:      config.TLSConfig,
		MaxMessageSize: config.MaxMessageSize,
		ConnectTimeout: config.DialTimeout,
		ProtocolLogger: config.Connection.ProtocolLogger,
	})
	if err != nil {
		return nil, err
	}
	return &Client{config: config, transport: tc}, nil
}

// Connect opens a secure channel to address and returns the connection once
// it is established. The handshake timeout bounds the wait in addition to ctx.
func (cl *Client) Connect(ctx context.Context, address string) (*Connection, error) {
	ch, err := cl.transport.Connect(ctx, address)
	if err != nil {
		return nil, err
	}
	return Connect(ctx, cl.config.Connection, ch)
}
