package log

// Logger receives protocol capture events. Implementations must be safe for
// concurrent use; connections call Log from their transport read loop.
type Logger interface {
	Log(event Event)
}

// NoopLogger drops every event.
type NoopLogger struct{}

// Log implements Logger.
func (NoopLogger) Log(Event) {}

// Tee returns a Logger that hands each event to every non-nil logger in
// order. Nested tees are flattened. With no loggers left it returns
// NoopLogger, with one it returns that logger unchanged.
func Tee(loggers ...Logger) Logger {
	var flat tee
	for _, l := range loggers {
		switch l := l.(type) {
		case nil:
		case tee:
			flat = append(flat, l...)
		case NoopLogger:
		default:
			flat = append(flat, l)
		}
	}
	switch len(flat) {
	case 0:
		return NoopLogger{}
	case 1:
		return flat[0]
	}
	return flat
}

type tee []Logger

func (t tee) Log(event Event) {
	for _, l := range t {
		l.Log(event)
	}
}

// Scope describes the connection events are captured for.
type Scope struct {
	ConnectionID string
	Role         Role
	RemoteAddr   string
	PeerID       string
}

// ForConnection returns a Logger that fills the identity fields of each
// event from scope before passing it on. The role follows the connection
// ID; other fields the event already carries are kept. A nil next yields nil so callers can keep their nil checks.
func ForConnection(next Logger, scope Scope) Logger {
	if next == nil {
		return nil
	}
	if s, ok := next.(scoped); ok {
		// Stack scopes instead of wrapping twice.
		next = s.next
		scope = s.scope.overlay(scope)
	}
	return scoped{next: next, scope: scope}
}

type scoped struct {
	next  Logger
	scope Scope
}

func (s scoped) Log(event Event) {
	switch event.ConnectionID {
	case "":
		event.ConnectionID = s.scope.ConnectionID
		event.LocalRole = s.scope.Role
	case s.scope.ConnectionID:
		event.LocalRole = s.scope.Role
	}
	if event.RemoteAddr == "" {
		event.RemoteAddr = s.scope.RemoteAddr
	}
	if event.PeerID == "" {
		event.PeerID = s.scope.PeerID
	}
	s.next.Log(event)
}

// overlay returns s with the non-empty fields of o applied.
func (s Scope) overlay(o Scope) Scope {
	if o.ConnectionID != "" {
		s.ConnectionID = o.ConnectionID
		s.Role = o.Role
	}
	if o.RemoteAddr != "" {
		s.RemoteAddr = o.RemoteAddr
	}
	if o.PeerID != "" {
		s.PeerID = o.PeerID
	}
	return s
}

var (
	_ Logger = NoopLogger{}
	_ Logger = tee(nil)
	_ Logger = scoped{}
)
