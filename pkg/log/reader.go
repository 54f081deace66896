package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/idscp2/idscp2-go/pkg/wire"
)

// Filter selects captured events. Zero fields match everything.
type Filter struct {
	ConnectionID string
	PeerID       string

	// Role selects the side of the connection the capture was taken on.
	Role *Role

	Direction *Direction
	Layer     *Layer
	Category  *Category

	// TimeStart is inclusive, TimeEnd exclusive.
	TimeStart *time.Time
	TimeEnd   *time.Time

	// MessageType selects wire events of one envelope type.
	MessageType wire.MessageType
}

// Match reports whether event passes the filter.
func (f Filter) Match(event Event) bool {
	switch {
	case f.ConnectionID != "" && event.ConnectionID != f.ConnectionID,
		f.PeerID != "" && event.PeerID != f.PeerID,
		f.Role != nil && event.LocalRole != *f.Role,
		f.Direction != nil && event.Direction != *f.Direction,
		f.Layer != nil && event.Layer != *f.Layer,
		f.Category != nil && event.Category != *f.Category,
		f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart),
		f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd):
		return false
	}
	if f.MessageType != 0 {
		return event.Message != nil && event.Message.Type == f.MessageType
	}
	return true
}

// skipsFile reports whether name can only hold events of a connection
// other than the one the filter selects.
func (f Filter) skipsFile(name string) bool {
	if f.ConnectionID == "" || !isSessionFile(name) {
		return false
	}
	if f.Role != nil {
		return name != SessionFile(*f.Role, f.ConnectionID)
	}
	return name != SessionFile(RoleServer, f.ConnectionID) &&
		name != SessionFile(RoleClient, f.ConnectionID)
}

// Reader streams events from a capture file or from every capture file in
// a directory written by SessionLogger.
type Reader struct {
	filter Filter
	paths  []string

	file *os.File
	dec  *cbor.Decoder
}

// NewReader reads every event at path.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader reads the events at path that match filter. For a
// directory the files are read in name order, skipping files that belong
// to other connections.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{filter: filter}
	if !info.IsDir() {
		r.paths = []string{path}
		return r, r.advance()
	}

	matches, err := filepath.Glob(filepath.Join(path, "*"+CaptureExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	for _, m := range matches {
		if !filter.skipsFile(filepath.Base(m)) {
			r.paths = append(r.paths, m)
		}
	}
	return r, r.advance()
}

// advance opens the next pending file. It returns nil with no file set
// when all files are consumed.
func (r *Reader) advance() error {
	if r.file != nil {
		_ = r.file.Close()
		r.file, r.dec = nil, nil
	}
	if len(r.paths) == 0 {
		return nil
	}
	f, err := os.Open(r.paths[0])
	if err != nil {
		return err
	}
	r.paths = r.paths[1:]
	r.file, r.dec = f, newEventDecoder(f)
	return nil
}

// Next returns the next matching event or io.EOF.
func (r *Reader) Next() (Event, error) {
	for r.dec != nil {
		var event Event
		err := r.dec.Decode(&event)
		switch {
		case errors.Is(err, io.EOF):
			if err := r.advance(); err != nil {
				return Event{}, err
			}
		case err != nil:
			return Event{}, fmt.Errorf("%s: %w", r.file.Name(), err)
		case r.filter.Match(event):
			return event, nil
		}
	}
	return Event{}, io.EOF
}

// Close releases the open file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file, r.dec = nil, nil
	return err
}
