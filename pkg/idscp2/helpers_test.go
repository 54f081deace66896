package idscp2

import (
	"context"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/idscp2/idscp2-go/pkg/daps"
	"github.com/idscp2/idscp2-go/pkg/fsm"
	"github.com/idscp2/idscp2-go/pkg/log"
	"github.com/idscp2/idscp2-go/pkg/rat"
	"github.com/idscp2/idscp2-go/pkg/rat/dummy"
	"github.com/idscp2/idscp2-go/pkg/transport"
	"github.com/idscp2/idscp2-go/pkg/wire"
)

const waitFor = 5 * time.Second

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// memChannel is one end of an in-memory secure channel. Send never blocks.
type memChannel struct {
	id    string
	peer  *memChannel
	inbox chan []byte

	mu       sync.Mutex
	listener transport.Listener
	reading  bool
	sent     []wire.MessageType

	closeOnce sync.Once
	closed    chan struct{}
}

func newChannelPair() (*memChannel, *memChannel) {
	a := &memChannel{id: "left", inbox: make(chan []byte, 1024), closed: make(chan struct{})}
	b := &memChannel{id: "right", inbox: make(chan []byte, 1024), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (m *memChannel) ID() string                          { return m.id }
func (m *memChannel) LocalCertificate() *x509.Certificate { return nil }
func (m *memChannel) PeerCertificate() *x509.Certificate  { return nil }
func (m *memChannel) RemoteAddr() net.Addr                { return memAddr(m.peer.id) }
func (m *memChannel) Done() <-chan struct{}               { return m.closed }

func (m *memChannel) Send(data []byte) error {
	select {
	case <-m.closed:
		return transport.ErrChannelClosed
	default:
	}
	if t, err := wire.PeekMessageType(data); err == nil {
		m.mu.Lock()
		m.sent = append(m.sent, t)
		m.mu.Unlock()
	}
	select {
	case m.peer.inbox <- data:
		return nil
	default:
		return errors.New("peer inbox full")
	}
}

func (m *memChannel) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *memChannel) SetListener(l transport.Listener) {
	m.mu.Lock()
	m.listener = l
	start := !m.reading
	m.reading = true
	m.mu.Unlock()
	if start {
		go m.readLoop()
	}
}

func (m *memChannel) current() transport.Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listener
}

func (m *memChannel) readLoop() {
	for {
		select {
		case <-m.closed:
			m.current().OnClose()
			return
		default:
		}
		select {
		case d := <-m.inbox:
			m.current().OnMessage(d)
		case <-m.closed:
			m.current().OnClose()
			return
		case <-m.peer.closed:
			for {
				select {
				case d := <-m.inbox:
					m.current().OnMessage(d)
				default:
					m.current().OnClose()
					return
				}
			}
		}
	}
}

func (m *memChannel) sentTypes() []wire.MessageType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]wire.MessageType(nil), m.sent...)
}

// rawPeer drives the far end of a channel by hand.
type rawPeer struct {
	ch       *memChannel
	received chan *wire.Envelope
	closed   chan struct{}
}

func newRawPeer(ch *memChannel) *rawPeer {
	p := &rawPeer{ch: ch, received: make(chan *wire.Envelope, 64), closed: make(chan struct{})}
	ch.SetListener(p)
	return p
}

func (p *rawPeer) OnMessage(data []byte) {
	if env, err := wire.Decode(data); err == nil {
		p.received <- env
	}
}
func (p *rawPeer) OnError(error) {}
func (p *rawPeer) OnClose()      { close(p.closed) }

// send returns a function accepting an encoder's results, so call sites
// read p.send(t)(wire.EncodeRerat("x")).
func (p *rawPeer) send(t *testing.T) func([]byte, error) {
	t.Helper()
	return func(data []byte, err error) {
		t.Helper()
		require.NoError(t, err)
		require.NoError(t, p.ch.Send(data))
	}
}

func (p *rawPeer) expect(t *testing.T, want wire.MessageType) *wire.Envelope {
	t.Helper()
	select {
	case env := <-p.received:
		require.Equal(t, want, env.Type, "unexpected message")
		return env
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", want)
		return nil
	}
}

// mockDaps counts calls in addition to the testify expectations.
type mockDaps struct {
	mock.Mock
	tokens   atomic.Int32
	verifies atomic.Int32
}

func (m *mockDaps) Token(context.Context) ([]byte, error) {
	m.tokens.Add(1)
	args := m.Called()
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockDaps) Verify(_ context.Context, token []byte, _ daps.SecurityRequirements, _ *x509.Certificate) (time.Duration, error) {
	m.verifies.Add(1)
	args := m.Called(token)
	return args.Get(0).(time.Duration), args.Error(1)
}

// silentDriver never signals on its own.
type silentDriver struct{ rat.Base }

func newSilentDriver(p rat.Params) (rat.Driver, error) {
	return &silentDriver{Base: rat.NewBase(p)}, nil
}

func (d *silentDriver) Run(ctx context.Context) { <-ctx.Done() }

// failingDriver fails immediately.
type failingDriver struct{ rat.Base }

func newFailingDriver(p rat.Params) (rat.Driver, error) {
	return &failingDriver{Base: rat.NewBase(p)}, nil
}

func (d *failingDriver) Run(context.Context) { d.Fail(errors.New("quote rejected")) }

// countingFactory wraps f and counts created drivers.
func countingFactory(f rat.Factory, n *atomic.Int32) rat.Factory {
	return func(p rat.Params) (rat.Driver, error) {
		n.Add(1)
		return f(p)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, mutate ...func(*Config)) Config {
	t.Helper()
	reg := rat.NewRegistry()
	require.NoError(t, dummy.Register(reg, dummy.Config{}))

	cfg := DefaultConfig()
	cfg.Daps = daps.Null{}
	cfg.Registry = reg
	cfg.Logger = quietLogger()
	for _, m := range mutate {
		m(&cfg)
	}
	return cfg
}

func startPair(t *testing.T, cfgA, cfgB Config) (*Connection, *Connection, *memChannel, *memChannel) {
	t.Helper()
	chA, chB := newChannelPair()
	a, err := NewConnection(cfgA, chA)
	require.NoError(t, err)
	b, err := NewConnection(cfgB, chB)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	return a, b, chA, chB
}

func waitEstablished(t *testing.T, conns ...*Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for _, c := range conns {
		require.NoError(t, c.WaitEstablished(ctx))
	}
}

func eventuallyState(t *testing.T, c *Connection, want fsm.State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, waitFor, 5*time.Millisecond,
		"state %s, want %s", c.State(), want)
}

// recorder collects application messages and connection callbacks.
type recorder struct {
	mu       sync.Mutex
	messages []string
	errs     []error
	closes   int
}

func (r *recorder) OnMessage(_ *Connection, dataType string, payload []byte) {
	r.mu.Lock()
	r.messages = append(r.messages, dataType+":"+string(payload))
	r.mu.Unlock()
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) OnClose() {
	r.mu.Lock()
	r.closes++
	r.mu.Unlock()
}

func (r *recorder) snapshot() (messages []string, errs []error, closes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...), append([]error(nil), r.errs...), r.closes
}

type capture struct {
	mu     sync.Mutex
	events []log.Event
}

func (c *capture) Log(e log.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *capture) states() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.events {
		if e.StateChange != nil && e.StateChange.Entity == log.StateEntityFSM {
			out = append(out, e.StateChange.NewState)
		}
	}
	return out
}
