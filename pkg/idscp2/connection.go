package idscp2

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/idscp2/idscp2-go/pkg/fsm"
	"github.com/idscp2/idscp2-go/pkg/log"
	"github.com/idscp2/idscp2-go/pkg/rat"
	"github.com/idscp2/idscp2-go/pkg/timer"
	"github.com/idscp2/idscp2-go/pkg/transport"
	"github.com/idscp2/idscp2-go/pkg/wire"
)

// Dat is a verified peer DAT. It is replaced, never modified, on renewal.
type Dat struct {
	Token     []byte
	ExpiresAt time.Time
}

// Valid reports whether the DAT is set and unexpired at now.
func (d Dat) Valid(now time.Time) bool {
	return len(d.Token) > 0 && now.Before(d.ExpiresAt)
}

// Connection is one IDSCP2 session over a secure channel.
type Connection struct {
	id      string
	cfg     Config
	channel transport.SecureChannel
	logger  *slog.Logger
	capture log.Logger

	// ctx bounds drivers and DAPS calls; cancelled on termination.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	machine *fsm.Machine
	timers  *timer.Manager

	queue    []fsm.Event
	draining bool
	after    []func()

	started         bool
	terminated      bool
	messagingLocked bool
	pendingAbort    *CloseError
	closeErr        *CloseError

	peerDat        Dat
	proverScheme   string
	verifierScheme string
	prover         *rat.Handle
	verifier       *rat.Handle

	inbound      []*wire.Data
	inboundReady chan struct{}

	listeners  listenerSet
	closedOnce sync.Once
}

// NewConnection binds a connection to ch. The handshake begins with Start.
func NewConnection(cfg Config, ch transport.SecureChannel) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	c := &Connection{
		id:              ch.ID(),
		cfg:             cfg,
		channel:         ch,
		messagingLocked: true,
		inboundReady:    make(chan struct{}, 1),
	}
	c.logger = cfg.Logger.With("component", "idscp2", "conn_id", c.id)
	c.capture = log.ForConnection(cfg.ProtocolLogger, log.Scope{
		ConnectionID: c.id,
		Role:         cfg.role,
		PeerID:       transport.PeerName(ch.PeerCertificate()),
	})
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.cond = sync.NewCond(&c.mu)
	c.timers = timer.NewManager(c.onTimer)
	c.machine = c.newMachine()
	c.listeners.init()
	return c, nil
}

// Connect creates a connection on ch, starts the handshake and waits until
// the connection is established. The connection is closed on failure.
func Connect(ctx context.Context, cfg Config, ch transport.SecureChannel) (*Connection, error) {
	c, err := NewConnection(cfg, ch)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := c.Start(); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := c.WaitEstablished(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Start sends HELLO and begins reading from the secure channel.
func (c *Connection) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	go c.dispatch()
	c.process(fsm.NewEvent(EventStart))
	c.channel.SetListener(channelListener{c})
	return nil
}

// ID returns the connection identifier, shared with the secure channel.
func (c *Connection) ID() string { return c.id }

// State returns the current protocol state.
func (c *Connection) State() fsm.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.CurrentState()
}

// IsEstablished reports whether the connection is in ESTABLISHED.
func (c *Connection) IsEstablished() bool {
	return c.State() == StateEstablished
}

// IsClosed reports whether the connection has terminated.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// CloseReason returns why the connection terminated, or nil while it is open.
func (c *Connection) CloseReason() *CloseError {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.terminated {
		return nil
	}
	return c.closeErr
}

// PeerDat returns the last verified peer DAT.
func (c *Connection) PeerDat() Dat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerDat
}

// Schemes returns the negotiated prover and verifier schemes.
func (c *Connection) Schemes() (prover, verifier string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proverScheme, c.verifierScheme
}

// PeerCertificate returns the certificate of the peer secure channel.
func (c *Connection) PeerCertificate() *x509.Certificate {
	return c.channel.PeerCertificate()
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.channel.RemoteAddr()
}

// DotGraph renders the protocol state machine in Graphviz format.
func (c *Connection) DotGraph() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.ToDot("idscp2")
}

// WaitEstablished blocks until the connection has been established once,
// terminates, or ctx is done.
func (c *Connection) WaitEstablished(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stop := context.AfterFunc(ctx, c.wake)
	defer stop()

	for {
		if c.terminated {
			return c.closeErr
		}
		if !c.messagingLocked {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
}

// Send transmits an application message. It blocks while the connection
// is not in ESTABLISHED, including during re-attestation, until ctx is done.
// Messages are never written before the connection is established.
func (c *Connection) Send(ctx context.Context, dataType string, payload []byte) error {
	c.mu.Lock()

	stop := context.AfterFunc(ctx, c.wake)
	defer stop()

	for !c.terminated && c.machine.CurrentState() != StateEstablished {
		if err := ctx.Err(); err != nil {
			c.mu.Unlock()
			return err
		}
		c.cond.Wait()
	}
	if c.terminated {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}

	req := &sendRequest{dataType: dataType, payload: payload}
	c.feedLocked(fsm.Event{Key: EventSend, Message: req})
	c.unlock()

	if !req.sent && req.err == nil {
		return fmt.Errorf("%w: message not sent", ErrConnectionClosed)
	}
	return req.err
}

// RepeatRat starts a re-attestation of the peer.
func (c *Connection) RepeatRat() error {
	if c.IsClosed() {
		return c.CloseReason()
	}
	c.process(fsm.NewEvent(EventRepeatRat))
	return nil
}

// Close notifies the connection listeners, sends CLOSE to the peer and
// releases all resources. It is safe to call more than once.
func (c *Connection) Close() error {
	c.notifyClosed()
	c.process(fsm.NewEvent(EventUserClose))
	return nil
}

type sendRequest struct {
	dataType string
	payload  []byte
	sent     bool
	err      error
}

func (c *Connection) wake() {
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// process feeds evt and every event it raises, then runs deferred callbacks
// outside the lock.
func (c *Connection) process(evt fsm.Event) {
	c.mu.Lock()
	c.feedLocked(evt)
	c.unlock()
}

// feedLocked queues evt and drains the queue unless a drain is already in
// progress further up the stack.
func (c *Connection) feedLocked(evt fsm.Event) {
	c.queue = append(c.queue, evt)
	if c.draining {
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.machine.FeedEvent(next)
	}
	c.draining = false
}

// raise queues an event for processing after the current one.
func (c *Connection) raise(evt fsm.Event) {
	c.queue = append(c.queue, evt)
}

// later schedules fn to run after c.mu is released.
func (c *Connection) later(fn func()) {
	c.after = append(c.after, fn)
}

// unlock releases c.mu and runs the callbacks scheduled with later.
func (c *Connection) unlock() {
	after := c.after
	c.after = nil
	c.mu.Unlock()
	for _, fn := range after {
		fn()
	}
}

func (c *Connection) onTimer(key timer.Key, gen uint64) {
	c.mu.Lock()
	if !c.timers.Valid(key, gen) {
		c.mu.Unlock()
		return
	}
	c.feedLocked(fsm.NewEvent(timerEvents[key]))
	c.unlock()
}

// onSignal receives attestation driver signals. Signals of a handle that
// was replaced or stopped are dropped.
func (c *Connection) onSignal(h *rat.Handle, sig rat.Signal, data []byte) {
	c.mu.Lock()
	current := (h == c.prover || h == c.verifier) && !h.Stopped()
	if !current {
		c.mu.Unlock()
		c.logger.Debug("dropping signal of retired driver", "signal", sig.String())
		return
	}
	c.feedLocked(fsm.Event{Key: signalEvents[sig], Payload: data})
	c.unlock()
}

func (c *Connection) logEvent(e log.Event) {
	if c.capture == nil {
		return
	}
	e.Timestamp = time.Now()
	c.capture.Log(e)
}

// channelListener feeds secure channel callbacks into the connection.
type channelListener struct {
	c *Connection
}

func (l channelListener) OnMessage(data []byte) {
	c := l.c
	env, err := wire.Decode(data)
	if err != nil {
		c.logger.Warn("dropping malformed message", "error", err)
		return
	}
	c.logMessage(log.DirectionIn, env, len(data))
	c.process(fsm.Event{Key: messageEvents[env.Type], Payload: data, Message: env})
}

func (l channelListener) OnError(err error) {
	l.c.process(fsm.Event{Key: EventTransportError, Payload: []byte(err.Error())})
}

func (l channelListener) OnClose() {
	l.c.process(fsm.Event{Key: EventTransportError, Payload: []byte("secure channel closed")})
}
