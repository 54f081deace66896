package log

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// CaptureExt is the file extension of capture files.
const CaptureExt = ".ilog"

// captureFile appends encoded events to one file.
type captureFile struct {
	f   *os.File
	enc *cbor.Encoder
}

func openCapture(path string) (*captureFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	return &captureFile{f: f, enc: newEventEncoder(f)}, nil
}

// FileLogger captures the events of all connections into a single file.
// Existing files are appended to.
type FileLogger struct {
	mu   sync.Mutex
	file *captureFile
}

// NewFileLogger opens path for capture.
func NewFileLogger(path string) (*FileLogger, error) {
	cf, err := openCapture(path)
	if err != nil {
		return nil, err
	}
	return &FileLogger{file: cf}, nil
}

// Log implements Logger. Encoding failures are dropped so capture never
// disturbs a connection. Events after Close are ignored.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_ = l.file.enc.Encode(event)
	}
}

// Close closes the file. Further calls return nil.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.f.Close()
	l.file = nil
	return err
}

// DefaultMaxOpenSessions bounds the files a SessionLogger keeps open.
const DefaultMaxOpenSessions = 64

// SessionLogger captures each connection into its own file named
// <role>-<connection id>.ilog inside a directory. A file is opened on the
// first event of a connection and closed when the connection terminates.
// Events arriving after that are appended by reopening the file.
type SessionLogger struct {
	dir     string
	maxOpen int

	mu     sync.Mutex
	open   map[string]*captureFile
	order  []string
	closed bool
}

// NewSessionLogger creates dir if needed and captures into it. maxOpen
// limits the open files; the longest open one is closed first when the
// limit is hit. Zero uses DefaultMaxOpenSessions.
func NewSessionLogger(dir string, maxOpen int) (*SessionLogger, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create capture directory: %w", err)
	}
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpenSessions
	}
	return &SessionLogger{dir: dir, maxOpen: maxOpen, open: make(map[string]*captureFile)}, nil
}

// SessionFile returns the capture file name of a connection.
func SessionFile(role Role, connectionID string) string {
	id := connectionID
	if id == "" {
		id = "unknown"
	}
	id = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, id)
	return strings.ToLower(role.String()) + "-" + id + CaptureExt
}

func isSessionFile(name string) bool {
	for _, r := range []Role{RoleServer, RoleClient} {
		if strings.HasPrefix(name, strings.ToLower(r.String())+"-") {
			return true
		}
	}
	return false
}

// Log implements Logger.
func (s *SessionLogger) Log(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	name := SessionFile(event.LocalRole, event.ConnectionID)
	cf, ok := s.open[name]
	if !ok {
		var err error
		if cf, err = openCapture(filepath.Join(s.dir, name)); err != nil {
			return
		}
		s.track(name, cf)
	}
	_ = cf.enc.Encode(event)

	if event.Terminal() {
		_ = s.release(name)
	}
}

// Open returns the number of capture files currently open.
func (s *SessionLogger) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

func (s *SessionLogger) track(name string, cf *captureFile) {
	for len(s.order) >= s.maxOpen {
		_ = s.release(s.order[0])
	}
	s.open[name] = cf
	s.order = append(s.order, name)
}

func (s *SessionLogger) release(name string) error {
	cf, ok := s.open[name]
	if !ok {
		return nil
	}
	delete(s.open, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return cf.f.Close()
}

// Close closes all open files. Later events are ignored.
func (s *SessionLogger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for len(s.order) > 0 {
		errs = append(errs, s.release(s.order[0]))
	}
	return errors.Join(errs...)
}

var (
	_ Logger = (*FileLogger)(nil)
	_ Logger = (*SessionLogger)(nil)
)
