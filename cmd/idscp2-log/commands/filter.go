// Package commands implements the idscp2-log CLI commands.
package commands

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/idscp2/idscp2-go/pkg/log"
	"github.com/idscp2/idscp2-go/pkg/wire"
)

// FilterOptions holds the filter flags shared by all commands.
type FilterOptions struct {
	ConnID      string
	PeerID      string
	Role        string
	Layer       string
	Direction   string
	Category    string
	MessageType string
	TimeStart   string
	TimeEnd     string
}

// BuildFilter parses the options into a log filter.
func BuildFilter(opts FilterOptions) (log.Filter, error) {
	filter := log.Filter{
		ConnectionID: opts.ConnID,
		PeerID:       opts.PeerID,
	}

	if opts.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, opts.TimeStart)
		if err != nil {
			return log.Filter{}, fmt.Errorf("invalid time-start format: %w", err)
		}
		filter.TimeStart = &t
	}
	if opts.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, opts.TimeEnd)
		if err != nil {
			return log.Filter{}, fmt.Errorf("invalid time-end format: %w", err)
		}
		filter.TimeEnd = &t
	}
	if opts.Role != "" {
		r, err := parseRole(opts.Role)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Role = &r
	}
	if opts.Layer != "" {
		l, err := parseLayer(opts.Layer)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Layer = &l
	}
	if opts.Direction != "" {
		d, err := parseDirection(opts.Direction)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Direction = &d
	}
	if opts.Category != "" {
		c, err := parseCategory(opts.Category)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Category = &c
	}
	if opts.MessageType != "" {
		t, err := parseMessageType(opts.MessageType)
		if err != nil {
			return log.Filter{}, err
		}
		filter.MessageType = t
	}
	return filter, nil
}

// RunFilter copies the events matching filter into a new log file.
// Returns the number of events written.
func RunFilter(path string, filter log.Filter, output string) (int, error) {
	if output == "" {
		return 0, errors.New("output file required")
	}

	n := 0
	out, err := log.NewFileLogger(output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}
	err = each(path, filter, func(e log.Event) error {
		out.Log(e)
		n++
		return nil
	})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// each calls fn for every event of the file matching filter.
func each(path string, filter log.Filter, fn func(log.Event) error) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}

// parseLayer parses a layer string (case-insensitive).
func parseRole(s string) (log.Role, error) {
	switch strings.ToLower(s) {
	case "server":
		return log.RoleServer, nil
	case "client":
		return log.RoleClient, nil
	default:
		return 0, fmt.Errorf("invalid role: %s (must be server or client)", s)
	}
}

func parseLayer(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "wire":
		return log.LayerWire, nil
	case "protocol":
		return log.LayerProtocol, nil
	case "attestation", "rat":
		return log.LayerAttestation, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be transport, wire, protocol, or attestation)", s)
	}
}

// parseDirection parses a direction string (case-insensitive).
func parseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// parseCategory parses a category string (case-insensitive).
func parseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, state, or error)", s)
	}
}

// parseMessageType accepts "hello", "rat_prover" or the full
// "IDSCP_HELLO" form (case-insensitive).
func parseMessageType(s string) (wire.MessageType, error) {
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "IDSCP_") {
		name = "IDSCP_" + name
	}
	for t := wire.MsgHello; t.Valid(); t++ {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("invalid message type: %s", s)
}
