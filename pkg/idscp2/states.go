package idscp2

import (
	"github.com/idscp2/idscp2-go/pkg/fsm"
	"github.com/idscp2/idscp2-go/pkg/rat"
	"github.com/idscp2/idscp2-go/pkg/timer"
	"github.com/idscp2/idscp2-go/pkg/wire"
)

// Protocol states.
const (
	StateClosed       fsm.State = "CLOSED"
	StateWaitForHello fsm.State = "WAIT_FOR_HELLO"

	// StateRatExchange waits for both the local prover and verifier.
	StateRatExchange fsm.State = "RAT_EXCHANGE"
	// StateRatProver waits for the local prover only.
	StateRatProver fsm.State = "RAT_PROVER"
	// StateRatVerifier waits for the local verifier only.
	StateRatVerifier fsm.State = "RAT_VERIFIER"

	// StateWaitForDatAndRat waits for a fresh peer DAT while the local
	// prover is still running.
	StateWaitForDatAndRat fsm.State = "WAIT_FOR_DAT_AND_RAT"
	// StateWaitForDatAndRatVerifier waits for a fresh peer DAT, the local
	// prover is done.
	StateWaitForDatAndRatVerifier fsm.State = "WAIT_FOR_DAT_AND_RAT_VERIFIER"

	StateEstablished fsm.State = "ESTABLISHED"
	StateError       fsm.State = "ERROR"
	StateTerminated  fsm.State = "TERMINATED"
)

// Protocol events.
const (
	// User events.
	EventStart     fsm.EventKey = "START"
	EventUserClose fsm.EventKey = "USER_CLOSE"
	EventRepeatRat fsm.EventKey = "REPEAT_RAT"
	EventSend      fsm.EventKey = "SEND"

	// Received messages.
	EventHello       fsm.EventKey = "HELLO"
	EventClose       fsm.EventKey = "CLOSE"
	EventDat         fsm.EventKey = "DAT"
	EventDatExpired  fsm.EventKey = "DAT_EXPIRED"
	EventRerat       fsm.EventKey = "RERAT"
	EventRatProver   fsm.EventKey = "RAT_PROVER"
	EventRatVerifier fsm.EventKey = "RAT_VERIFIER"
	EventData        fsm.EventKey = "DATA"

	// Attestation driver signals.
	EventProverMsg      fsm.EventKey = "RAT_PROVER_MSG"
	EventProverOK       fsm.EventKey = "RAT_PROVER_OK"
	EventProverFailed   fsm.EventKey = "RAT_PROVER_FAILED"
	EventVerifierMsg    fsm.EventKey = "RAT_VERIFIER_MSG"
	EventVerifierOK     fsm.EventKey = "RAT_VERIFIER_OK"
	EventVerifierFailed fsm.EventKey = "RAT_VERIFIER_FAILED"

	// Timers.
	EventHandshakeTimeout fsm.EventKey = "HANDSHAKE_TIMEOUT"
	EventDatTimeout       fsm.EventKey = "DAT_TIMEOUT"
	EventRatTimeout       fsm.EventKey = "RAT_TIMEOUT"

	// Internal.
	EventAbort          fsm.EventKey = "ABORT"
	EventTransportError fsm.EventKey = "TRANSPORT_ERROR"
)

var messageEvents = map[wire.MessageType]fsm.EventKey{
	wire.MsgHello:       EventHello,
	wire.MsgClose:       EventClose,
	wire.MsgDat:         EventDat,
	wire.MsgDatExpired:  EventDatExpired,
	wire.MsgRerat:       EventRerat,
	wire.MsgRatProver:   EventRatProver,
	wire.MsgRatVerifier: EventRatVerifier,
	wire.MsgData:        EventData,
}

var signalEvents = map[rat.Signal]fsm.EventKey{
	rat.ProverMsg:      EventProverMsg,
	rat.ProverOK:       EventProverOK,
	rat.ProverFailed:   EventProverFailed,
	rat.VerifierMsg:    EventVerifierMsg,
	rat.VerifierOK:     EventVerifierOK,
	rat.VerifierFailed: EventVerifierFailed,
}

// Timer keys.
const (
	timerHandshake timer.Key = "handshake"
	timerDat       timer.Key = "dat"
	timerRat       timer.Key = "rat"
)

var timerEvents = map[timer.Key]fsm.EventKey{
	timerHandshake: EventHandshakeTimeout,
	timerDat:       EventDatTimeout,
	timerRat:       EventRatTimeout,
}

// liveStates are the states a connection can be closed from by the peer,
// the user or a failure.
var liveStates = []fsm.State{
	StateWaitForHello,
	StateRatExchange,
	StateRatProver,
	StateRatVerifier,
	StateWaitForDatAndRat,
	StateWaitForDatAndRatVerifier,
	StateEstablished,
}
