package rat

import (
	"context"
	"sync"
)

// Mailbox is a bounded message queue between a connection and a driver.
// Put never blocks. Take blocks until a message arrives or ctx is done.
type Mailbox struct {
	ch        chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// NewMailbox creates a mailbox holding up to capacity messages.
func NewMailbox(capacity int) *Mailbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Mailbox{
		ch:     make(chan []byte, capacity),
		closed: make(chan struct{}),
	}
}

// Put enqueues msg. Returns ErrMailboxFull when the mailbox is at capacity and
// ErrCancelled after Close.
func (m *Mailbox) Put(msg []byte) error {
	select {
	case <-m.closed:
		return ErrCancelled
	default:
	}

	select {
	case m.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Take returns the next message. It returns ErrCancelled when ctx is done or
// the mailbox is closed, even if messages are still queued.
func (m *Mailbox) Take(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ErrCancelled
	case <-m.closed:
		return nil, ErrCancelled
	default:
	}

	select {
	case msg := <-m.ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ErrCancelled
	case <-m.closed:
		return nil, ErrCancelled
	}
}

// Close releases every blocked Take. Safe to call multiple times.
func (m *Mailbox) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	return len(m.ch)
}
