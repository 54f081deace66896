// Package fsm provides a small event-driven finite state machine engine.
//
// A machine is built once at setup time by registering states and the
// transitions between them, then driven at runtime by feeding events:
//
//	m := fsm.New()
//	m.AddState("CLOSED")
//	m.AddState("OPEN", fsm.OnEntry(func() { ... }))
//	m.AddTransition("START", "CLOSED", "OPEN", func(evt fsm.Event) bool {
//	    return send(evt.Payload) == nil
//	})
//	m.FeedEvent(fsm.NewEvent("START"))
//
// # Transitions
//
// A transition is registered per (start state, event key). When an event is
// fed, the transition for the current state and the event key is looked up
// and its guard is run. The guard may perform side effects (such as sending
// a reply) and returns whether the transition is taken. A panicking guard is
// treated as a guard that returned false.
//
// When a transition is taken the hooks run in this order:
//   - exit hook of the old state (only if the state changes)
//   - the state changes
//   - always hook of the new state
//   - entry hook of the new state (only if the state changes)
//   - success listeners
//
// When the guard fails the state is unchanged and failure listeners run.
// Events without a registered transition in the current state are dropped
// and reported to unhandled listeners.
//
// # Epsilon Transitions
//
// A transition keyed by Epsilon fires automatically right after the machine
// enters its start state. Chains of epsilon transitions are followed until a
// state without an epsilon transition is reached or the chain exceeds the
// configured maximum length, which stops the chain and reports
// ResultEpsilonLoop.
//
// # Setup Errors
//
// Registering a state twice, referencing an unregistered state from a
// transition or registering two transitions for the same (state, event) pair
// are programming errors and panic.
//
// # Concurrency
//
// A Machine is not safe for concurrent use. Owners serialize all calls,
// typically under a mutex that also covers the side effects of guards.
package fsm
