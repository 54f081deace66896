package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/idscp2/idscp2-go/pkg/log"
)

type chanListener struct {
	msgs   chan []byte
	errs   chan error
	closed chan struct{}
	closes atomic.Int32
}

func newChanListener() *chanListener {
	return &chanListener{
		msgs:   make(chan []byte, 16),
		errs:   make(chan error, 4),
		closed: make(chan struct{}),
	}
}

func (l *chanListener) OnMessage(data []byte) { l.msgs <- data }
func (l *chanListener) OnError(err error)     { l.errs <- err }
func (l *chanListener) OnClose() {
	if l.closes.Add(1) == 1 {
		close(l.closed)
	}
}

func (l *chanListener) next(t *testing.T) []byte {
	t.Helper()
	select {
	case m := <-l.msgs:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func waitClosed(t *testing.T, l *chanListener) {
	t.Helper()
	select {
	case <-l.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnClose")
	}
}

// startServer runs a server that hands accepted channels to the returned
// channel without setting a listener.
func startServer(t *testing.T, pki *testPKI) (*Server, chan SecureChannel) {
	t.Helper()

	accepted := make(chan SecureChannel, 4)
	server, err := NewServer(ServerConfig{
		TLSConfig: &TLSConfig{Certificate: pki.server, ClientCAs: pki.pool},
		Address:   "127.0.0.1:0",
		OnConnect: func(ch SecureChannel) { accepted <- ch },
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server, accepted
}

func dial(t *testing.T, pki *testPKI, addr net.Addr) *Conn {
	t.Helper()

	client, err := NewClient(ClientConfig{
		TLSConfig: &TLSConfig{Certificate: pki.client, RootCAs: pki.pool},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := client.Connect(ctx, addr.String())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func accept(t *testing.T, accepted chan SecureChannel) SecureChannel {
	t.Helper()
	select {
	case ch := <-accepted:
		return ch
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for accepted channel")
		return nil
	}
}

func TestChannelExchangesFrames(t *testing.T) {
	pki := newTestPKI(t)
	server, accepted := startServer(t, pki)

	clientCh := dial(t, pki, server.Addr())
	serverCh := accept(t, accepted)

	if PeerName(serverCh.PeerCertificate()) != "consumer.example" {
		t.Errorf("server sees peer %q", PeerName(serverCh.PeerCertificate()))
	}
	if PeerName(serverCh.LocalCertificate()) != "provider.example" {
		t.Errorf("server local %q", PeerName(serverCh.LocalCertificate()))
	}
	if PeerName(clientCh.PeerCertificate()) != "provider.example" {
		t.Errorf("client sees peer %q", PeerName(clientCh.PeerCertificate()))
	}

	serverL, clientL := newChanListener(), newChanListener()
	serverCh.SetListener(serverL)
	clientCh.SetListener(clientL)

	if err := clientCh.Send([]byte("ping")); err != nil {
		t.Fatalf("client Send: %v", err)
	}
	if got := serverL.next(t); !bytes.Equal(got, []byte("ping")) {
		t.Errorf("server got %q", got)
	}
	if err := serverCh.Send([]byte("pong")); err != nil {
		t.Fatalf("server Send: %v", err)
	}
	if got := clientL.next(t); !bytes.Equal(got, []byte("pong")) {
		t.Errorf("client got %q", got)
	}
	if server.ConnectionCount() != 1 {
		t.Errorf("ConnectionCount = %d", server.ConnectionCount())
	}
}

func TestChannelHoldsFramesUntilListenerSet(t *testing.T) {
	pki := newTestPKI(t)
	server, accepted := startServer(t, pki)

	clientCh := dial(t, pki, server.Addr())
	serverCh := accept(t, accepted)

	for _, m := range []string{"one", "two", "three"} {
		if err := clientCh.Send([]byte(m)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	l := newChanListener()
	serverCh.SetListener(l)
	for _, want := range []string{"one", "two", "three"} {
		if got := l.next(t); string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestChannelCloseNotifiesBothSidesOnce(t *testing.T) {
	pki := newTestPKI(t)
	server, accepted := startServer(t, pki)

	clientCh := dial(t, pki, server.Addr())
	serverCh := accept(t, accepted)

	serverL, clientL := newChanListener(), newChanListener()
	serverCh.SetListener(serverL)
	clientCh.SetListener(clientL)

	if err := clientCh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = clientCh.Close()

	waitClosed(t, clientL)
	waitClosed(t, serverL)

	select {
	case err := <-clientL.errs:
		t.Errorf("local close reported error: %v", err)
	default:
	}
	if clientL.closes.Load() != 1 || serverL.closes.Load() != 1 {
		t.Errorf("OnClose counts: client %d, server %d", clientL.closes.Load(), serverL.closes.Load())
	}
	if err := clientCh.Send([]byte("late")); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Send after close: err = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for server.ConnectionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if server.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount = %d after close", server.ConnectionCount())
	}
}

func TestServerStopClosesChannels(t *testing.T) {
	pki := newTestPKI(t)
	server, accepted := startServer(t, pki)

	clientCh := dial(t, pki, server.Addr())
	serverCh := accept(t, accepted)
	serverL, clientL := newChanListener(), newChanListener()
	serverCh.SetListener(serverL)
	clientCh.SetListener(clientL)

	if err := server.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := server.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}

	waitClosed(t, serverL)
	waitClosed(t, clientL)
	select {
	case <-serverCh.Done():
	default:
		t.Error("server channel not done after Stop")
	}
}

func TestServerRejectsWrongALPN(t *testing.T) {
	pki := newTestPKI(t)

	var mu sync.Mutex
	var failures []error
	server, err := NewServer(ServerConfig{
		TLSConfig: &TLSConfig{Certificate: pki.server, ClientCAs: pki.pool},
		Address:   "127.0.0.1:0",
		OnConnect: func(ch SecureChannel) { t.Error("channel accepted without IDSCP2 ALPN") },
		OnError: func(err error) {
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop()

	conn, err := tls.Dial("tcp", server.Addr().String(), &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{pki.client},
		RootCAs:      pki.pool,
		ServerName:   "localhost",
		NextProtos:   []string{"h2"},
	})
	if err == nil {
		// TLS 1.3 clients may finish before the server alert arrives.
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = conn.Read(make([]byte, 1))
		conn.Close()
	}
	if err == nil {
		t.Fatal("connection with wrong ALPN should fail")
	}
}

func TestServerRequiresClientCertificate(t *testing.T) {
	pki := newTestPKI(t)
	server, _ := startServer(t, pki)

	conn, err := tls.Dial("tcp", server.Addr().String(), &tls.Config{
		MinVersion: tls.VersionTLS13,
		RootCAs:    pki.pool,
		ServerName: "localhost",
		NextProtos: []string{ALPNProtocol},
	})
	if err == nil {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = conn.Read(make([]byte, 1))
		conn.Close()
	}
	if err == nil {
		t.Fatal("connection without client certificate should fail")
	}
	if server.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount = %d", server.ConnectionCount())
	}
}

func TestServerStartTwice(t *testing.T) {
	pki := newTestPKI(t)
	server, _ := startServer(t, pki)
	if err := server.Start(context.Background()); !errors.Is(err, ErrServerRunning) {
		t.Errorf("err = %v, want ErrServerRunning", err)
	}
}

func TestNewConnOverPipe(t *testing.T) {
	a, b := net.Pipe()
	logger := &capturingLogger{}
	left := NewConn(a, ConnOptions{ID: "left", Logger: logger, Role: log.RoleClient})
	right := NewConn(b, ConnOptions{})
	defer left.Close()
	defer right.Close()

	if right.ID() == "" {
		t.Error("empty ID should be replaced by a UUID")
	}

	l := newChanListener()
	right.SetListener(l)
	go func() { _ = left.Send([]byte("over pipe")) }()
	if got := l.next(t); string(got) != "over pipe" {
		t.Errorf("got %q", got)
	}

	_ = left.Close()
	waitClosed(t, l)

	var states []string
	for _, e := range logger.Events() {
		if e.ConnectionID != "left" || e.LocalRole != log.RoleClient || e.RemoteAddr != "pipe" {
			t.Errorf("event not stamped with connection scope: %+v", e)
		}
		if e.StateChange != nil {
			states = append(states, e.StateChange.NewState)
		}
	}
	if len(states) != 2 || states[0] != "CONNECTED" || states[1] != "DISCONNECTED" {
		t.Errorf("lifecycle events = %v", states)
	}
}
