package idscp2

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/idscp2/idscp2-go/pkg/log"
	"github.com/idscp2/idscp2-go/pkg/transport"
)

// ServerListener observes the connections of a server.
type ServerListener interface {
	// OnConnect is called for every new connection before its handshake
	// starts. Listeners registered here see every message.
	OnConnect(c *Connection)

	// OnClose is called when a connection of the server has closed.
	OnClose(c *Connection)

	// OnError is called for failed incoming connections.
	OnError(err error)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address to listen on (default ":29292").
	Address string

	// TLSConfig contains the server key material.
	TLSConfig *transport.TLSConfig

	// Connection configures every accepted connection.
	Connection Config

	// MaxMessageSize is the maximum frame payload (default: 1 MiB).
	MaxMessageSize uint32

	// TLSHandshakeTimeout bounds the TLS handshake (default: 10s).
	TLSHandshakeTimeout time.Duration
}

// DefaultServerConfig returns a server configuration with defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:             fmt.Sprintf(":%d", transport.DefaultPort),
		Connection:          DefaultConfig(),
		MaxMessageSize:      transport.DefaultMaxMessageSize,
		TLSHandshakeTimeout: transport.DefaultHandshakeTimeout,
	}
}

// Server accepts IDSCP2 connections.
type Server struct {
	config    ServerConfig
	listener  ServerListener
	transport *transport.Server
	logger    *slog.Logger

	conns   map[string]*Connection
	connsMu sync.RWMutex

	terminated    atomic.Bool
	terminateOnce sync.Once
	terminateErr  error
}

// NewServer creates a server. l may be nil.
func NewServer(config ServerConfig, l ServerListener) (*Server, error) {
	if err := config.Connection.Validate(); err != nil {
		return nil, err
	}
	config.Connection.role = log.RoleServer
	config.Connection = config.Connection.withDefaults()

	s := &Server{
		config:   config,
		listener: l,
		logger:   config.Connection.Logger.With("component", "idscp2-server"),
		conns:    make(map[string]*Connection),
	}

	ts, err := transport.NewServer(transport.ServerConfig{
		TLSConfig:        config.TLSConfig,
		Address:          config.Address,
		MaxMessageSize:   config.MaxMessageSize,
		HandshakeTimeout: config.TLSHandshakeTimeout,
		Logger:           config.Connection.Logger,
		ProtocolLogger:   config.Connection.ProtocolLogger,
		OnConnect:        s.accept,
		OnError:          s.reportError,
	})
	if err != nil {
		return nil, err
	}
	s.transport = ts
	return s, nil
}

// Start begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.terminated.Load() {
		return ErrServerTerminated
	}
	return s.transport.Start(ctx)
}

// Addr returns the listen address.
func (s *Server) Addr() net.Addr {
	return s.transport.Addr()
}

// IsRunning reports whether the server accepts connections.
func (s *Server) IsRunning() bool {
	return s.transport.Addr() != nil && !s.terminated.Load()
}

// Connection returns the tracked connection with the given id.
func (s *Server) Connection(id string) (*Connection, bool) {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

// Connections returns a snapshot of the tracked connections.
func (s *Server) Connections() []*Connection {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// ConnectionCount returns the number of tracked connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// Terminate closes every tracked connection and stops the transport
// server. Connections are closed concurrently. Later calls return the
// result of the first.
func (s *Server) Terminate() error {
	s.terminateOnce.Do(func() {
		s.terminated.Store(true)

		var g errgroup.Group
		for _, c := range s.Connections() {
			g.Go(c.Close)
		}
		err := g.Wait()

		if stopErr := s.transport.Stop(); err == nil {
			err = stopErr
		}
		s.terminateErr = err
		s.logger.Info("server terminated")
	})
	return s.terminateErr
}

func (s *Server) accept(ch transport.SecureChannel) {
	if s.terminated.Load() {
		_ = ch.Close()
		return
	}

	c, err := NewConnection(s.config.Connection, ch)
	if err != nil {
		_ = ch.Close()
		s.reportError(err)
		return
	}

	s.connsMu.Lock()
	s.conns[c.ID()] = c
	s.connsMu.Unlock()

	c.AddConnectionListener(&trackedConnection{server: s, conn: c})
	if s.listener != nil {
		s.listener.OnConnect(c)
	}

	if err := c.Start(); err != nil {
		s.reportError(err)
	}
}

func (s *Server) reportError(err error) {
	if s.listener != nil {
		s.listener.OnError(err)
	}
}

// trackedConnection removes a closed connection from its server.
type trackedConnection struct {
	server *Server
	conn   *Connection
}

func (t *trackedConnection) OnError(error) {}

func (t *trackedConnection) OnClose() {
	t.server.connsMu.Lock()
	delete(t.server.conns, t.conn.ID())
	t.server.connsMu.Unlock()

	if t.server.listener != nil {
		t.server.listener.OnClose(t.conn)
	}
}
