package timer

import (
	"errors"
	"sync"
	"time"
)

// Timer errors.
var (
	ErrTimerNotFound   = errors.New("timer not found")
	ErrInvalidDuration = errors.New("invalid duration")
	ErrStopped         = errors.New("timer manager stopped")
)

// Key names a timer.
type Key string

// Timer represents an armed timer.
type Timer struct {
	// Key identifies this timer.
	Key Key

	// Generation is the arm generation of this timer.
	Generation uint64

	// StartTime is when the timer was armed.
	StartTime time.Time

	// Duration is the timer duration.
	Duration time.Duration

	timer *time.Timer
}

// ExpiresAt returns when the timer will expire.
func (t *Timer) ExpiresAt() time.Time {
	return t.StartTime.Add(t.Duration)
}

// RemainingTime returns time until expiry.
func (t *Timer) RemainingTime() time.Duration {
	remaining := t.Duration - time.Since(t.StartTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsExpired returns true if the timer has expired.
func (t *Timer) IsExpired() bool {
	return time.Since(t.StartTime) >= t.Duration
}

// ExpiryFunc is called when a timer fires.
type ExpiryFunc func(key Key, generation uint64)

// Manager manages the timers of one owner.
type Manager struct {
	mu sync.Mutex

	timers      map[Key]*Timer
	generations map[Key]uint64
	stopped     bool

	onExpiry ExpiryFunc
}

// NewManager creates a timer manager calling onExpiry whenever a timer fires.
func NewManager(onExpiry ExpiryFunc) *Manager {
	return &Manager{
		timers:      make(map[Key]*Timer),
		generations: make(map[Key]uint64),
		onExpiry:    onExpiry,
	}
}

// Set arms or re-arms the timer for key and returns its generation.
// Any previously armed timer for the same key is cancelled.
func (m *Manager) Set(key Key, d time.Duration) (uint64, error) {
	if d <= 0 {
		return 0, ErrInvalidDuration
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return 0, ErrStopped
	}

	if existing, ok := m.timers[key]; ok {
		existing.timer.Stop()
	}

	m.generations[key]++
	gen := m.generations[key]

	t := &Timer{
		Key:        key,
		Generation: gen,
		StartTime:  time.Now(),
		Duration:   d,
	}
	t.timer = time.AfterFunc(d, func() {
		m.expire(key, gen)
	})
	m.timers[key] = t
	return gen, nil
}

// Cancel stops the timer for key. A pending expiry of that timer becomes
// invalid.
func (m *Manager) Cancel(key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generations[key]++

	t, ok := m.timers[key]
	if !ok {
		return ErrTimerNotFound
	}
	t.timer.Stop()
	delete(m.timers, key)
	return nil
}

// Stop cancels every timer and refuses further Set calls.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	for key, t := range m.timers {
		t.timer.Stop()
		m.generations[key]++
		delete(m.timers, key)
	}
}

// Valid reports whether an expiry with the given generation is still the
// current one for key.
func (m *Manager) Valid(key Key, generation uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopped && m.generations[key] == generation
}

// Get returns a copy of the armed timer for key, or nil.
func (m *Manager) Get(key Key) *Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[key]
	if !ok {
		return nil
	}
	return &Timer{
		Key:        t.Key,
		Generation: t.Generation,
		StartTime:  t.StartTime,
		Duration:   t.Duration,
	}
}

// Count returns the number of armed timers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manager) expire(key Key, gen uint64) {
	m.mu.Lock()
	t, ok := m.timers[key]
	if !ok || t.Generation != gen {
		m.mu.Unlock()
		return
	}
	delete(m.timers, key)
	callback := m.onExpiry
	m.mu.Unlock()

	// Call callback outside lock
	if callback != nil {
		callback(key, gen)
	}
}
