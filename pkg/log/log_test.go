package log

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/idscp2/idscp2-go/pkg/wire"
)

type recordingLogger struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingLogger) Log(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func TestEventRoundTripKeepsPayload(t *testing.T) {
	cause := wire.CloseRatVerifierFailed
	event := Event{
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		ConnectionID: "conn-1",
		Direction:    DirectionOut,
		Layer:        LayerWire,
		Category:     CategoryMessage,
		LocalRole:    RoleClient,
		PeerID:       "consumer.example",
		Message: &MessageEvent{
			Type:         wire.MsgClose,
			CloseCause:   &cause,
			CloseMessage: "bad quote",
		},
	}

	data, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	got, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}

	if !got.Timestamp.Equal(event.Timestamp) {
		t.Errorf("Timestamp: got %v, want %v (nanoseconds must survive)", got.Timestamp, event.Timestamp)
	}
	if got.LocalRole != RoleClient || got.PeerID != "consumer.example" {
		t.Errorf("identity fields lost: %+v", got)
	}
	if got.Message == nil || got.Message.Type != wire.MsgClose {
		t.Fatalf("Message: got %+v", got.Message)
	}
	if got.Message.CloseCause == nil || *got.Message.CloseCause != wire.CloseRatVerifierFailed {
		t.Errorf("CloseCause: got %v", got.Message.CloseCause)
	}
}

func TestFileLoggerAndFilteredReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.ilog")

	fl, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}

	base := time.Now()
	fl.Log(Event{Timestamp: base, ConnectionID: "a", Layer: LayerTransport, Frame: &FrameEvent{Size: 10}})
	fl.Log(Event{Timestamp: base.Add(time.Millisecond), ConnectionID: "a", Layer: LayerWire,
		Message: &MessageEvent{Type: wire.MsgHello}})
	fl.Log(Event{Timestamp: base.Add(2 * time.Millisecond), ConnectionID: "b", Layer: LayerWire, PeerID: "peer-b",
		Message: &MessageEvent{Type: wire.MsgData, DataType: "temperature"}})
	fl.Log(Event{Timestamp: base.Add(3 * time.Millisecond), ConnectionID: "b", Layer: LayerProtocol, Category: CategoryState,
		StateChange: &StateChangeEvent{Entity: StateEntityFSM, OldState: "RAT_VERIFIER", NewState: "ESTABLISHED"}})
	if err := fl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := fl.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	// Logging after close is ignored.
	fl.Log(Event{ConnectionID: "late"})

	count := func(f Filter) int {
		t.Helper()
		r, err := NewFilteredReader(path, f)
		if err != nil {
			t.Fatalf("NewFilteredReader: %v", err)
		}
		defer r.Close()
		n := 0
		for {
			_, err := r.Next()
			if errors.Is(err, io.EOF) {
				return n
			}
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			n++
		}
	}

	wireLayer := LayerWire
	state := CategoryState
	end := base.Add(2 * time.Millisecond)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 4},
		{"connection", Filter{ConnectionID: "a"}, 2},
		{"layer", Filter{Layer: &wireLayer}, 2},
		{"category", Filter{Category: &state}, 1},
		{"peer", Filter{PeerID: "peer-b"}, 1},
		{"message type", Filter{MessageType: wire.MsgHello}, 1},
		{"time end", Filter{TimeEnd: &end}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := count(tt.filter); got != tt.want {
				t.Errorf("got %d events, want %d", got, tt.want)
			}
		})
	}
}

func TestTeeFansOutAndFlattens(t *testing.T) {
	a, b := &recordingLogger{}, &recordingLogger{}
	m := Tee(a, nil, NoopLogger{}, Tee(b))

	if _, ok := m.(tee); !ok || len(m.(tee)) != 2 {
		t.Fatalf("Tee = %#v, want two flattened loggers", m)
	}
	m.Log(Event{ConnectionID: "x"})
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("got %d and %d events, want 1 each", len(a.events), len(b.events))
	}

	if got := Tee(nil, NoopLogger{}); got != (NoopLogger{}) {
		t.Errorf("Tee of nothing = %#v, want NoopLogger", got)
	}
	if got := Tee(a); got != Logger(a) {
		t.Errorf("Tee of one logger should return it unchanged")
	}
}

func TestForConnectionStampsScope(t *testing.T) {
	rec := &recordingLogger{}
	l := ForConnection(rec, Scope{ConnectionID: "c1", Role: RoleClient, RemoteAddr: "10.0.0.1:29292"})
	// A second scope adds the peer once it is known.
	l = ForConnection(l, Scope{PeerID: "provider"})

	l.Log(Event{Layer: LayerWire})
	l.Log(Event{ConnectionID: "c1", Layer: LayerTransport})
	l.Log(Event{ConnectionID: "other", LocalRole: RoleServer, PeerID: "kept"})

	if len(rec.events) != 3 {
		t.Fatalf("got %d events", len(rec.events))
	}
	for _, e := range rec.events[:2] {
		if e.ConnectionID != "c1" || e.LocalRole != RoleClient || e.RemoteAddr != "10.0.0.1:29292" || e.PeerID != "provider" {
			t.Errorf("event not stamped: %+v", e)
		}
	}
	if e := rec.events[2]; e.ConnectionID != "other" || e.LocalRole != RoleServer || e.PeerID != "kept" {
		t.Errorf("foreign event rewritten: %+v", e)
	}

	if ForConnection(nil, Scope{ConnectionID: "c1"}) != nil {
		t.Error("nil logger should stay nil")
	}
}

func TestEventTerminal(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  bool
	}{
		{"fsm terminated", Event{StateChange: &StateChangeEvent{Entity: StateEntityFSM, NewState: "TERMINATED"}}, true},
		{"channel disconnected", Event{StateChange: &StateChangeEvent{Entity: StateEntityConnection, NewState: "DISCONNECTED"}}, true},
		{"fsm established", Event{StateChange: &StateChangeEvent{Entity: StateEntityFSM, NewState: "ESTABLISHED"}}, false},
		{"verifier terminated", Event{StateChange: &StateChangeEvent{Entity: StateEntityVerifier, NewState: "TERMINATED"}}, false},
		{"message", Event{Message: &MessageEvent{Type: wire.MsgClose}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSessionLoggerFilePerConnection(t *testing.T) {
	dir := t.TempDir()
	sl, err := NewSessionLogger(filepath.Join(dir, "sessions"), 0)
	if err != nil {
		t.Fatalf("NewSessionLogger: %v", err)
	}

	server := ForConnection(sl, Scope{ConnectionID: "c1", Role: RoleServer})
	client := ForConnection(sl, Scope{ConnectionID: "c1", Role: RoleClient})
	other := ForConnection(sl, Scope{ConnectionID: "c2", Role: RoleServer})

	server.Log(Event{Layer: LayerWire, Message: &MessageEvent{Type: wire.MsgHello}})
	client.Log(Event{Layer: LayerWire, Message: &MessageEvent{Type: wire.MsgHello}})
	other.Log(Event{Layer: LayerWire, Message: &MessageEvent{Type: wire.MsgHello}})
	if n := sl.Open(); n != 3 {
		t.Fatalf("open files = %d, want 3", n)
	}

	server.Log(Event{Layer: LayerProtocol, Category: CategoryState,
		StateChange: &StateChangeEvent{Entity: StateEntityFSM, OldState: "ESTABLISHED", NewState: "TERMINATED"}})
	if n := sl.Open(); n != 2 {
		t.Errorf("open files after termination = %d, want 2", n)
	}

	// The channel reports its disconnect after the state machine ended.
	server.Log(Event{Layer: LayerTransport, Category: CategoryState,
		StateChange: &StateChangeEvent{Entity: StateEntityConnection, OldState: "CONNECTED", NewState: "DISCONNECTED"}})
	if n := sl.Open(); n != 2 {
		t.Errorf("open files after disconnect = %d, want 2", n)
	}

	if err := sl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := sl.Open(); n != 0 {
		t.Errorf("open files after Close = %d", n)
	}
	server.Log(Event{Layer: LayerWire})

	count := func(path string, f Filter) int {
		t.Helper()
		r, err := NewFilteredReader(path, f)
		if err != nil {
			t.Fatalf("NewFilteredReader: %v", err)
		}
		defer r.Close()
		n := 0
		for {
			e, err := r.Next()
			if errors.Is(err, io.EOF) {
				return n
			}
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if f.ConnectionID != "" && e.ConnectionID != f.ConnectionID {
				t.Errorf("filter leaked %+v", e)
			}
			n++
		}
	}

	sessions := filepath.Join(dir, "sessions")
	if got := count(filepath.Join(sessions, SessionFile(RoleServer, "c1")), Filter{}); got != 3 {
		t.Errorf("server c1 file holds %d events, want 3", got)
	}
	serverRole := RoleServer
	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 5},
		{"connection", Filter{ConnectionID: "c1"}, 4},
		{"connection and role", Filter{ConnectionID: "c1", Role: &serverRole}, 3},
		{"role", Filter{Role: &serverRole}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := count(sessions, tt.filter); got != tt.want {
				t.Errorf("got %d events, want %d", got, tt.want)
			}
		})
	}
}

func TestSessionLoggerBoundsOpenFiles(t *testing.T) {
	sl, err := NewSessionLogger(t.TempDir(), 2)
	if err != nil {
		t.Fatalf("NewSessionLogger: %v", err)
	}
	defer sl.Close()

	for _, id := range []string{"a", "b", "c", "a"} {
		sl.Log(Event{ConnectionID: id, Layer: LayerWire})
		if n := sl.Open(); n > 2 {
			t.Fatalf("open files = %d, want at most 2", n)
		}
	}
}

func TestSessionFileName(t *testing.T) {
	if got := SessionFile(RoleClient, "3f2a"); got != "client-3f2a.ilog" {
		t.Errorf("got %q", got)
	}
	if got := SessionFile(RoleServer, "../x"); got != "server-.._x.ilog" {
		t.Errorf("path separators must not escape the directory: %q", got)
	}
	if got := SessionFile(RoleServer, ""); got != "server-unknown.ilog" {
		t.Errorf("got %q", got)
	}
}

func TestReaderDirectoryKeepsSharedCaptures(t *testing.T) {
	dir := t.TempDir()
	fl, err := NewFileLogger(filepath.Join(dir, "all.ilog"))
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	fl.Log(Event{ConnectionID: "c9", Layer: LayerWire})
	fl.Log(Event{ConnectionID: "c8", Layer: LayerWire})
	if err := fl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewFilteredReader(dir, Filter{ConnectionID: "c9"})
	if err != nil {
		t.Fatalf("NewFilteredReader: %v", err)
	}
	defer r.Close()
	e, err := r.Next()
	if err != nil || e.ConnectionID != "c9" {
		t.Fatalf("Next = %+v, %v", e, err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("want EOF, got %v", err)
	}
}

func TestSlogAdapterWritesAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	adapter := NewSlogAdapter(logger)

	adapter.Log(Event{
		ConnectionID: "conn-7",
		Layer:        LayerProtocol,
		Category:     CategoryState,
		StateChange: &StateChangeEvent{
			Entity:   StateEntityFSM,
			OldState: "WAIT_FOR_HELLO",
			NewState: "RAT_EXCHANGE",
			Reason:   "HELLO",
		},
	})

	out := buf.String()
	for _, want := range []string{"conn_id=conn-7", "role=SERVER", "state.entity=FSM", "state.new_state=RAT_EXCHANGE", "state.reason=HELLO"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestSlogAdapterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	NewSlogAdapter(logger).Log(Event{ConnectionID: "hidden"})
	if buf.Len() != 0 {
		t.Errorf("debug event written at info level: %q", buf.String())
	}

	NewSlogAdapter(logger).WithLevel(slog.LevelInfo).Log(Event{ConnectionID: "shown"})
	if !strings.Contains(buf.String(), "conn_id=shown") {
		t.Errorf("info event missing: %q", buf.String())
	}
}

func TestEnumStrings(t *testing.T) {
	if DirectionIn.String() != "IN" || DirectionOut.String() != "OUT" {
		t.Error("Direction strings")
	}
	if LayerAttestation.String() != "ATTESTATION" || Layer(99).String() != "UNKNOWN" {
		t.Error("Layer strings")
	}
	if StateEntityVerifier.String() != "VERIFIER" || RoleServer.String() != "SERVER" {
		t.Error("entity/role strings")
	}
}
