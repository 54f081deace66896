package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/idscp2/idscp2-go/pkg/log"
)

// DefaultHandshakeTimeout bounds the TLS handshake of accepted connections.
const DefaultHandshakeTimeout = 10 * time.Second

// ErrServerRunning is returned when starting a server twice.
var ErrServerRunning = errors.New("server already running")

// ServerConfig configures a secure channel server.
type ServerConfig struct {
	// TLSConfig contains the server key material.
	TLSConfig *TLSConfig

	// Address to listen on (e.g., ":29292" or "127.0.0.1:0").
	Address string

	// MaxMessageSize is the maximum frame payload (default: 1 MiB).
	MaxMessageSize uint32

	// HandshakeTimeout bounds the TLS handshake (default: 10s).
	HandshakeTimeout time.Duration

	// Logger receives diagnostics (default: slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger captures frames and lifecycle events (optional).
	ProtocolLogger log.Logger

	// OnConnect receives every authenticated channel. The channel does
	// not read until a listener is set on it.
	OnConnect func(ch SecureChannel)

	// OnError is called for accept and handshake failures (optional).
	OnError func(err error)
}

// Server accepts TLS connections and hands them out as secure channels.
type Server struct {
	config  ServerConfig
	tlsConf *tls.Config
	local   *x509.Certificate
	logger  *slog.Logger

	listener net.Listener

	conns   map[*Conn]struct{}
	connsMu sync.RWMutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a server. Call Start to begin accepting.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	tlsConf, err := NewServerTLSConfig(config.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	local, err := LeafCertificate(config.TLSConfig.Certificate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server certificate: %w", err)
	}

	return &Server{
		config:  config,
		tlsConf: tlsConf,
		local:   local,
		logger:  config.Logger.With("component", "transport-server"),
		conns:   make(map[*Conn]struct{}),
	}, nil
}

// Start listens and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return ErrServerRunning
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	s.logger.Info("listening", "addr", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every open channel, then waits for the
// connection goroutines to finish.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()
	err := s.listener.Close()

	s.connsMu.RLock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.connsMu.RUnlock()

	s.wg.Wait()
	s.logger.Info("stopped")
	return err
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of open channels.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.reportError(fmt.Errorf("accept: %w", err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(nc)
	}
}

func (s *Server) handleConnection(nc net.Conn) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.config.HandshakeTimeout)
	defer cancel()

	tlsConn := tls.Server(nc, s.tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = nc.Close()
		s.reportError(fmt.Errorf("TLS handshake with %s failed: %w", nc.RemoteAddr(), err))
		return
	}
	state := tlsConn.ConnectionState()

	ch := NewConn(tlsConn, ConnOptions{
		LocalCertificate: s.local,
		PeerCertificate:  state.PeerCertificates[0],
		MaxMessageSize:   s.config.MaxMessageSize,
		Logger:           s.config.ProtocolLogger,
		Role:             log.RoleServer,
	})
	s.logger.Debug("channel established",
		"conn_id", ch.ID(),
		"remote_addr", nc.RemoteAddr().String(),
		"peer", PeerName(ch.PeerCertificate()))

	s.connsMu.Lock()
	if !s.running.Load() {
		s.connsMu.Unlock()
		_ = ch.Close()
		return
	}
	s.conns[ch] = struct{}{}
	s.connsMu.Unlock()

	if s.config.OnConnect != nil {
		s.config.OnConnect(ch)
	} else {
		_ = ch.Close()
	}

	<-ch.Done()

	s.connsMu.Lock()
	delete(s.conns, ch)
	s.connsMu.Unlock()
}

func (s *Server) reportError(err error) {
	s.logger.Warn("connection failed", "error", err)
	if s.config.OnError != nil {
		s.config.OnError(err)
	}
}
