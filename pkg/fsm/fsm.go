package fsm

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultMaxEpsilonChain is the default bound on chained epsilon transitions.
const DefaultMaxEpsilonChain = 32

// State identifies a machine state.
type State string

// EventKey identifies the kind of an event.
type EventKey string

// Epsilon is the key of event-less transitions.
const Epsilon EventKey = ""

// String returns the key name, or "ε" for Epsilon.
func (k EventKey) String() string {
	if k == Epsilon {
		return "ε"
	}
	return string(k)
}

// Event is fed into a machine to trigger a transition.
type Event struct {
	// Key selects the transition.
	Key EventKey

	// Payload carries raw bytes (for example a received message body).
	Payload []byte

	// Message carries an already decoded message, if any.
	Message any
}

// NewEvent creates an event without payload.
func NewEvent(key EventKey) Event {
	return Event{Key: key}
}

// Guard decides whether a transition is taken. It may have side effects.
type Guard func(evt Event) bool

// Hook is run on state entry, exit or on every transition into a state.
type Hook func()

// Listener observes fed events. For failed and unhandled events from and to
// are the (unchanged) current state.
type Listener func(from, to State, evt Event)

// Result describes the outcome of FeedEvent.
type Result uint8

const (
	// ResultUnhandled indicates no transition exists for the event in the current state.
	ResultUnhandled Result = iota

	// ResultTransitioned indicates the guard passed and the transition was taken.
	ResultTransitioned

	// ResultGuardFailed indicates the guard rejected (or panicked on) the event.
	ResultGuardFailed

	// ResultEpsilonLoop indicates the transition was taken but the following
	// epsilon chain exceeded the maximum length and was stopped.
	ResultEpsilonLoop
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case ResultUnhandled:
		return "UNHANDLED"
	case ResultTransitioned:
		return "TRANSITIONED"
	case ResultGuardFailed:
		return "GUARD_FAILED"
	case ResultEpsilonLoop:
		return "EPSILON_LOOP"
	default:
		return "UNKNOWN"
	}
}

// Transition is a registered edge of the machine.
type Transition struct {
	Key   EventKey
	Start State
	End   State

	guard Guard
}

type stateDef struct {
	onEntry  Hook
	onExit   Hook
	onAlways Hook

	transitions map[EventKey]*Transition
}

// StateOption configures a state at registration time.
type StateOption func(*stateDef)

// OnEntry sets the hook run when the machine enters the state from another state.
func OnEntry(h Hook) StateOption {
	return func(s *stateDef) { s.onEntry = h }
}

// OnExit sets the hook run when the machine leaves the state for another state.
func OnExit(h Hook) StateOption {
	return func(s *stateDef) { s.onExit = h }
}

// OnAlways sets the hook run on every transition ending in the state,
// including self transitions.
func OnAlways(h Hook) StateOption {
	return func(s *stateDef) { s.onAlways = h }
}

// Option configures a Machine.
type Option func(*Machine)

// WithMaxEpsilonChain bounds the number of chained epsilon transitions.
func WithMaxEpsilonChain(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.maxEpsilonChain = n
		}
	}
}

// WithPanicHandler installs a callback receiving values recovered from
// panicking guards.
func WithPanicHandler(h func(t Transition, recovered any)) Option {
	return func(m *Machine) { m.onPanic = h }
}

// Machine is a finite state machine.
type Machine struct {
	states      map[State]*stateDef
	transitions []*Transition

	initial    State
	current    State
	hasInitial bool

	successListeners   []Listener
	failureListeners   []Listener
	unhandledListeners []Listener

	maxEpsilonChain int
	onPanic         func(t Transition, recovered any)
}

// New creates an empty machine.
func New(opts ...Option) *Machine {
	m := &Machine{
		states:          make(map[State]*stateDef),
		maxEpsilonChain: DefaultMaxEpsilonChain,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddState registers a state. The first registered state becomes the initial
// and current state unless SetInitialState is called.
// Panics if the state already exists.
func (m *Machine) AddState(id State, opts ...StateOption) {
	if _, exists := m.states[id]; exists {
		panic(fmt.Sprintf("fsm: state %q already registered", id))
	}
	def := &stateDef{transitions: make(map[EventKey]*Transition)}
	for _, opt := range opts {
		opt(def)
	}
	m.states[id] = def

	if !m.hasInitial {
		m.initial = id
		m.current = id
		m.hasInitial = true
	}
}

// SetInitialState overrides the initial state and moves the machine there
// without running hooks. Panics if the state is unknown.
func (m *Machine) SetInitialState(id State) {
	if _, exists := m.states[id]; !exists {
		panic(fmt.Sprintf("fsm: initial state %q not registered", id))
	}
	m.initial = id
	m.current = id
	m.hasInitial = true
}

// AddTransition registers a transition from start to end on key.
// A nil guard always passes.
// Panics if either state is unknown or (start, key) is already registered.
func (m *Machine) AddTransition(key EventKey, start, end State, guard Guard) {
	from, ok := m.states[start]
	if !ok {
		panic(fmt.Sprintf("fsm: transition %s: start state %q not registered", key, start))
	}
	if _, ok := m.states[end]; !ok {
		panic(fmt.Sprintf("fsm: transition %s: end state %q not registered", key, end))
	}
	if _, exists := from.transitions[key]; exists {
		panic(fmt.Sprintf("fsm: transition %s from %q already registered", key, start))
	}

	t := &Transition{Key: key, Start: start, End: end, guard: guard}
	from.transitions[key] = t
	m.transitions = append(m.transitions, t)
}

// OnSuccess registers a listener notified after every taken transition.
func (m *Machine) OnSuccess(l Listener) {
	m.successListeners = append(m.successListeners, l)
}

// OnFailure registers a listener notified when a guard rejects an event.
func (m *Machine) OnFailure(l Listener) {
	m.failureListeners = append(m.failureListeners, l)
}

// OnUnhandled registers a listener notified when an event is dropped because
// the current state has no transition for it.
func (m *Machine) OnUnhandled(l Listener) {
	m.unhandledListeners = append(m.unhandledListeners, l)
}

// CurrentState returns the current state.
func (m *Machine) CurrentState() State {
	return m.current
}

// InitialState returns the initial state.
func (m *Machine) InitialState() State {
	return m.initial
}

// HasTransition reports whether a transition for key exists in state.
func (m *Machine) HasTransition(state State, key EventKey) bool {
	def, ok := m.states[state]
	if !ok {
		return false
	}
	_, ok = def.transitions[key]
	return ok
}

// Reset moves the machine back to its initial state without running hooks.
func (m *Machine) Reset() {
	m.current = m.initial
}

// FeedEvent processes an event against the current state.
// It never panics because of a guard; guard panics count as failures.
func (m *Machine) FeedEvent(evt Event) Result {
	return m.feed(evt, 0)
}

func (m *Machine) feed(evt Event, depth int) Result {
	def, ok := m.states[m.current]
	if !ok {
		return ResultUnhandled
	}
	t, ok := def.transitions[evt.Key]
	if !ok {
		m.notify(m.unhandledListeners, m.current, m.current, evt)
		return ResultUnhandled
	}

	if !m.runGuard(t, evt) {
		m.notify(m.failureListeners, m.current, m.current, evt)
		return ResultGuardFailed
	}

	from := m.current
	to := t.End
	changed := from != to
	next := m.states[to]

	if changed && def.onExit != nil {
		def.onExit()
	}
	m.current = to
	if next.onAlways != nil {
		next.onAlways()
	}
	if changed && next.onEntry != nil {
		next.onEntry()
	}
	m.notify(m.successListeners, from, to, evt)

	if !changed {
		return ResultTransitioned
	}
	if _, ok := m.states[m.current].transitions[Epsilon]; !ok {
		return ResultTransitioned
	}
	if depth >= m.maxEpsilonChain {
		return ResultEpsilonLoop
	}
	if res := m.feed(Event{Key: Epsilon}, depth+1); res == ResultEpsilonLoop {
		return ResultEpsilonLoop
	}
	return ResultTransitioned
}

func (m *Machine) runGuard(t *Transition, evt Event) (ok bool) {
	if t.guard == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if m.onPanic != nil {
				m.onPanic(*t, r)
			}
		}
	}()
	return t.guard(evt)
}

func (m *Machine) notify(listeners []Listener, from, to State, evt Event) {
	for _, l := range listeners {
		l(from, to, evt)
	}
}

// States returns all registered states in sorted order.
func (m *Machine) States() []State {
	out := make([]State, 0, len(m.states))
	for id := range m.states {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Transitions returns all registered transitions in registration order.
func (m *Machine) Transitions() []Transition {
	out := make([]Transition, 0, len(m.transitions))
	for _, t := range m.transitions {
		out = append(out, Transition{Key: t.Key, Start: t.Start, End: t.End})
	}
	return out
}

// ToDot renders the machine as a Graphviz digraph with one edge per
// transition, labeled with the event key. The initial state is drawn as a
// double circle.
func (m *Machine) ToDot(name string) string {
	if name == "" {
		name = "fsm"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", name)
	for _, id := range m.States() {
		shape := "circle"
		if m.hasInitial && id == m.initial {
			shape = "doublecircle"
		}
		fmt.Fprintf(&b, "  %q [shape=%s];\n", string(id), shape)
	}
	for _, t := range m.transitions {
		fmt.Fprintf(&b, "  %q -> %q [label=%q];\n", string(t.Start), string(t.End), t.Key.String())
	}
	b.WriteString("}\n")
	return b.String()
}
