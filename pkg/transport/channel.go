package transport

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/idscp2/idscp2-go/pkg/log"
)

// ErrChannelClosed is returned when sending on a closed channel.
var ErrChannelClosed = errors.New("secure channel closed")

// Listener receives the inbound side of a secure channel.
type Listener interface {
	// OnMessage is called for every received frame, in order.
	OnMessage(data []byte)

	// OnError is called when reading fails for a reason other than a
	// local close or a clean end of stream. OnClose follows.
	OnError(err error)

	// OnClose is called exactly once when the channel stops reading.
	OnClose()
}

// SecureChannel is an authenticated, ordered, framed byte channel.
type SecureChannel interface {
	// ID returns a unique identifier for logging.
	ID() string

	// Send writes one frame.
	Send(data []byte) error

	// Close closes the channel. It is safe to call more than once.
	Close() error

	// SetListener installs the listener and starts delivery. Frames are
	// not read from the network before the first call.
	SetListener(l Listener)

	// LocalCertificate is the certificate this side presented.
	LocalCertificate() *x509.Certificate

	// PeerCertificate is the certificate the peer presented.
	PeerCertificate() *x509.Certificate

	// RemoteAddr returns the peer network address.
	RemoteAddr() net.Addr

	// Done is closed once the channel is closed.
	Done() <-chan struct{}
}

// ConnOptions configures a Conn.
type ConnOptions struct {
	// ID identifies the channel. A random UUID is used when empty.
	ID string

	LocalCertificate *x509.Certificate
	PeerCertificate  *x509.Certificate

	// MaxMessageSize limits frame payloads (default: 1 MiB).
	MaxMessageSize uint32

	// Logger captures frames and lifecycle events (optional).
	Logger log.Logger

	// Role is recorded in lifecycle events.
	Role log.Role
}

// Conn is a SecureChannel over a net.Conn, normally a *tls.Conn.
type Conn struct {
	id     string
	nc     net.Conn
	framer *Framer
	local  *x509.Certificate
	peer   *x509.Certificate
	logger log.Logger

	mu       sync.Mutex
	listener Listener
	reading  bool

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn, opts ConnOptions) *Conn {
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	logger := log.ForConnection(opts.Logger, log.Scope{
		ConnectionID: opts.ID,
		Role:         opts.Role,
		RemoteAddr:   addrString(nc.RemoteAddr()),
		PeerID:       PeerName(opts.PeerCertificate),
	})
	framer := NewFramerWithMaxSize(nc, opts.MaxMessageSize)
	if logger != nil {
		framer.SetLogger(logger, opts.ID)
	}
	c := &Conn{
		id:     opts.ID,
		nc:     nc,
		framer: framer,
		local:  opts.LocalCertificate,
		peer:   opts.PeerCertificate,
		logger: logger,
		done:   make(chan struct{}),
	}
	c.logState("", "CONNECTED")
	return c
}

// ID returns the channel identifier.
func (c *Conn) ID() string { return c.id }

// LocalCertificate returns the local certificate.
func (c *Conn) LocalCertificate() *x509.Certificate { return c.local }

// PeerCertificate returns the peer certificate.
func (c *Conn) PeerCertificate() *x509.Certificate { return c.peer }

// RemoteAddr returns the peer network address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Done is closed once the channel is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send writes one frame.
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if err := c.framer.WriteFrame(data); err != nil {
		if c.closed.Load() {
			return ErrChannelClosed
		}
		return err
	}
	return nil
}

// Close closes the underlying connection. The read loop, if running, then
// reports OnClose.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.nc.Close()
		close(c.done)
		c.logState("CONNECTED", "DISCONNECTED")
	})
	return err
}

// SetListener installs l and starts the read loop on the first call.
func (c *Conn) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	start := !c.reading
	c.reading = true
	c.mu.Unlock()

	if start {
		go c.readLoop()
	}
}

func (c *Conn) currentListener() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

func (c *Conn) readLoop() {
	for {
		data, err := c.framer.ReadFrame()
		if err != nil {
			l := c.currentListener()
			if !c.closed.Load() && !errors.Is(err, io.EOF) {
				c.logError(err)
				l.OnError(fmt.Errorf("read: %w", err))
			}
			_ = c.Close()
			l.OnClose()
			return
		}
		c.currentListener().OnMessage(data)
	}
}

func (c *Conn) logState(old, state string) {
	if c.logger == nil {
		return
	}
	c.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerTransport,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: old,
			NewState: state,
		},
	})
}

func (c *Conn) logError(err error) {
	if c.logger == nil {
		return
	}
	c.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerTransport,
		Category:  log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerTransport,
			Message: err.Error(),
			Context: "read",
		},
	})
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
