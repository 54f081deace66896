package idscp2

import (
	"slices"
	"sync"

	"github.com/idscp2/idscp2-go/pkg/wire"
)

// ConnectionListener observes the end of a connection.
type ConnectionListener interface {
	// OnError is called before OnClose when the connection ended because
	// of a failure rather than a user shutdown.
	OnError(err error)

	// OnClose is called exactly once when the connection closes.
	OnClose()
}

// MessageListener receives application messages.
type MessageListener interface {
	OnMessage(c *Connection, dataType string, payload []byte)
}

// MessageListenerFunc adapts a function to MessageListener.
type MessageListenerFunc func(c *Connection, dataType string, payload []byte)

// OnMessage calls f.
func (f MessageListenerFunc) OnMessage(c *Connection, dataType string, payload []byte) {
	f(c, dataType, payload)
}

type listenerSet struct {
	mu      sync.RWMutex
	nextID  uint64
	conn    map[uint64]ConnectionListener
	generic map[uint64]MessageListener
	typed   map[string]map[uint64]MessageListener
	order   []uint64
}

func (s *listenerSet) init() {
	s.conn = make(map[uint64]ConnectionListener)
	s.generic = make(map[uint64]MessageListener)
	s.typed = make(map[string]map[uint64]MessageListener)
}

// add registers under a new id and returns it. Must hold s.mu.
func (s *listenerSet) add() uint64 {
	s.nextID++
	s.order = append(s.order, s.nextID)
	return s.nextID
}

// forget drops id from the registration order. Must hold s.mu.
func (s *listenerSet) forget(id uint64) {
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
}

// AddConnectionListener registers l and returns a function removing it.
func (c *Connection) AddConnectionListener(l ConnectionListener) (remove func()) {
	s := &c.listeners
	s.mu.Lock()
	id := s.add()
	s.conn[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.conn, id)
		s.forget(id)
		s.mu.Unlock()
	}
}

// AddGenericMessageListener registers l for every application message and
// returns a function removing it.
func (c *Connection) AddGenericMessageListener(l MessageListener) (remove func()) {
	s := &c.listeners
	s.mu.Lock()
	id := s.add()
	s.generic[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.generic, id)
		s.forget(id)
		s.mu.Unlock()
	}
}

// AddMessageListener registers l for application messages of dataType and
// returns a function removing it.
func (c *Connection) AddMessageListener(dataType string, l MessageListener) (remove func()) {
	s := &c.listeners
	s.mu.Lock()
	id := s.add()
	if s.typed[dataType] == nil {
		s.typed[dataType] = make(map[uint64]MessageListener)
	}
	s.typed[dataType][id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.typed[dataType], id)
		if len(s.typed[dataType]) == 0 {
			delete(s.typed, dataType)
		}
		s.forget(id)
		s.mu.Unlock()
	}
}

// snapshot returns the listeners in registration order.
func snapshot[L any](s *listenerSet, m map[uint64]L) []L {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]L, 0, len(m))
	for _, id := range s.order {
		if l, ok := m[id]; ok {
			out = append(out, l)
		}
	}
	return out
}

// dispatch runs the message listeners on a goroutine of their own, so a
// listener blocking in Send never stalls the secure channel reader. After
// termination it delivers what was already received, then notifies the
// connection listeners.
func (c *Connection) dispatch() {
	for {
		select {
		case <-c.inboundReady:
			c.deliverInbound()
		case <-c.ctx.Done():
			c.deliverInbound()
			c.notifyClosed()
			return
		}
	}
}

// wakeDispatcher signals that inbound messages may be deliverable. It never
// blocks and may be called with c.mu held.
func (c *Connection) wakeDispatcher() {
	select {
	case c.inboundReady <- struct{}{}:
	default:
	}
}

// deliverInbound delivers queued application messages in arrival order.
func (c *Connection) deliverInbound() {
	c.mu.Lock()
	for len(c.inbound) > 0 && !c.messagingLocked {
		d := c.inbound[0]
		c.inbound = c.inbound[1:]
		c.mu.Unlock()
		c.deliver(d)
		c.mu.Lock()
	}
	c.mu.Unlock()
}

// deliver calls the generic listeners, then those registered for the type.
func (c *Connection) deliver(d *wire.Data) {
	for _, l := range snapshot(&c.listeners, c.listeners.generic) {
		l.OnMessage(c, d.Type, d.Payload)
	}

	c.listeners.mu.RLock()
	typed := c.listeners.typed[d.Type]
	c.listeners.mu.RUnlock()
	if typed == nil {
		return
	}
	for _, l := range snapshot(&c.listeners, typed) {
		l.OnMessage(c, d.Type, d.Payload)
	}
}

// notifyClosed informs the connection listeners once.
func (c *Connection) notifyClosed() {
	c.closedOnce.Do(func() {
		c.mu.Lock()
		reason := c.closeErr
		c.mu.Unlock()

		for _, l := range snapshot(&c.listeners, c.listeners.conn) {
			if reason != nil && !reason.Graceful() {
				l.OnError(reason)
			}
			l.OnClose()
		}
	})
}
