package idscp2

import (
	"errors"
	"fmt"

	"github.com/idscp2/idscp2-go/pkg/wire"
)

// Connection and server errors.
var (
	ErrInvalidConfig    = errors.New("invalid IDSCP2 configuration")
	ErrConnectionClosed = errors.New("connection closed")
	ErrAlreadyStarted   = errors.New("connection already started")
	ErrServerTerminated = errors.New("server terminated")
)

// CloseError describes why a connection terminated. It matches
// ErrConnectionClosed with errors.Is.
type CloseError struct {
	// Cause is the close cause sent or received.
	Cause wire.CloseCause

	// Message is the human readable reason.
	Message string

	// Remote is true if the peer closed the connection.
	Remote bool
}

func (e *CloseError) Error() string {
	side := "local"
	if e.Remote {
		side = "peer"
	}
	if e.Message == "" {
		return fmt.Sprintf("connection closed by %s: %s", side, e.Cause)
	}
	return fmt.Sprintf("connection closed by %s: %s: %s", side, e.Cause, e.Message)
}

// Unwrap returns ErrConnectionClosed.
func (e *CloseError) Unwrap() error {
	return ErrConnectionClosed
}

// Graceful reports whether the connection ended by a user shutdown on
// either side.
func (e *CloseError) Graceful() bool {
	return e.Cause == wire.CloseUserShutdown
}
