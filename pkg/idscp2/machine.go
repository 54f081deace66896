package idscp2

import (
	"time"

	"github.com/idscp2/idscp2-go/pkg/fsm"
	"github.com/idscp2/idscp2-go/pkg/log"
	"github.com/idscp2/idscp2-go/pkg/timer"
	"github.com/idscp2/idscp2-go/pkg/wire"
)

// newMachine builds the protocol state machine with guards and hooks bound
// to c. Every guard and hook runs with c.mu held.
func (c *Connection) newMachine() *fsm.Machine {
	m := fsm.New(
		fsm.WithMaxEpsilonChain(c.cfg.MaxEpsilonChain),
		fsm.WithPanicHandler(c.onGuardPanic),
	)

	m.AddState(StateClosed)
	m.AddState(StateWaitForHello)
	m.AddState(StateRatExchange)
	m.AddState(StateRatProver)
	m.AddState(StateRatVerifier)
	m.AddState(StateWaitForDatAndRat)
	m.AddState(StateWaitForDatAndRatVerifier)
	m.AddState(StateEstablished, fsm.OnEntry(c.onEstablished), fsm.OnExit(c.onLeaveEstablished))
	m.AddState(StateError)
	m.AddState(StateTerminated, fsm.OnEntry(c.onTerminated))

	// Handshake
	m.AddTransition(EventStart, StateClosed, StateWaitForHello, c.sendHello)
	m.AddTransition(EventUserClose, StateClosed, StateTerminated, c.closeUnstarted)
	m.AddTransition(EventAbort, StateClosed, StateTerminated, c.sendAbort)
	m.AddTransition(EventTransportError, StateClosed, StateError, c.transportFailed)
	m.AddTransition(EventHello, StateWaitForHello, StateRatExchange, c.receiveHello)

	// Local prover traffic, in every state where the prover runs.
	for _, s := range []fsm.State{StateRatExchange, StateRatProver, StateWaitForDatAndRat} {
		m.AddTransition(EventRatVerifier, s, s, c.delegateToProver)
		m.AddTransition(EventProverMsg, s, s, c.forwardProverMsg)
		m.AddTransition(EventProverFailed, s, StateTerminated, c.proverFailed)
	}
	m.AddTransition(EventProverOK, StateRatExchange, StateRatVerifier, c.proverDone)
	m.AddTransition(EventProverOK, StateRatProver, StateEstablished, c.proverDone)
	m.AddTransition(EventProverOK, StateWaitForDatAndRat, StateWaitForDatAndRatVerifier, c.proverDone)

	// Local verifier traffic, in every state where the verifier runs.
	for _, s := range []fsm.State{StateRatExchange, StateRatVerifier} {
		m.AddTransition(EventRatProver, s, s, c.delegateToVerifier)
		m.AddTransition(EventVerifierMsg, s, s, c.forwardVerifierMsg)
		m.AddTransition(EventVerifierFailed, s, StateTerminated, c.verifierFailed)
	}
	m.AddTransition(EventVerifierOK, StateRatExchange, StateRatProver, c.verifierDone)
	m.AddTransition(EventVerifierOK, StateRatVerifier, StateEstablished, c.verifierDone)

	// The peer DAT expired: stop verifying until the peer sends a new one.
	m.AddTransition(EventDatTimeout, StateRatExchange, StateWaitForDatAndRat, c.sendDatExpired)
	m.AddTransition(EventDatTimeout, StateRatProver, StateWaitForDatAndRat, c.sendDatExpired)
	m.AddTransition(EventDatTimeout, StateRatVerifier, StateWaitForDatAndRatVerifier, c.sendDatExpired)
	m.AddTransition(EventDatTimeout, StateEstablished, StateWaitForDatAndRatVerifier, c.sendDatExpired)
	m.AddTransition(EventDat, StateWaitForDatAndRat, StateRatExchange, c.receiveDat)
	m.AddTransition(EventDat, StateWaitForDatAndRatVerifier, StateRatVerifier, c.receiveDat)

	// The peer wants a new local DAT, or a new proof of the local platform.
	proverRestarts := []struct{ from, to fsm.State }{
		{StateRatExchange, StateRatExchange},
		{StateRatProver, StateRatProver},
		{StateWaitForDatAndRat, StateWaitForDatAndRat},
		{StateRatVerifier, StateRatExchange},
		{StateEstablished, StateRatProver},
		{StateWaitForDatAndRatVerifier, StateWaitForDatAndRat},
	}
	for _, r := range proverRestarts {
		m.AddTransition(EventDatExpired, r.from, r.to, c.renewDat)
		m.AddTransition(EventRerat, r.from, r.to, c.restartProver)
	}

	// Re-attest the peer.
	m.AddTransition(EventRatTimeout, StateEstablished, StateRatVerifier, c.requestRerat)
	m.AddTransition(EventRepeatRat, StateEstablished, StateRatVerifier, c.requestRerat)
	m.AddTransition(EventRepeatRat, StateRatProver, StateRatExchange, c.requestRerat)

	// User data. The peer is verified in ESTABLISHED and RAT_PROVER.
	m.AddTransition(EventData, StateEstablished, StateEstablished, c.receiveData)
	m.AddTransition(EventData, StateRatProver, StateRatProver, c.receiveData)
	m.AddTransition(EventSend, StateEstablished, StateEstablished, c.sendData)

	// Closing
	for _, s := range liveStates {
		m.AddTransition(EventUserClose, s, StateTerminated, c.sendUserClose)
		m.AddTransition(EventClose, s, StateTerminated, c.receiveClose)
		m.AddTransition(EventAbort, s, StateTerminated, c.sendAbort)
		m.AddTransition(EventTransportError, s, StateError, c.transportFailed)
		if s != StateEstablished {
			m.AddTransition(EventHandshakeTimeout, s, StateTerminated, c.handshakeTimedOut)
		}
	}
	m.AddTransition(fsm.Epsilon, StateError, StateTerminated, nil)

	m.OnSuccess(c.onTransition)
	m.OnFailure(func(from, _ fsm.State, evt fsm.Event) {
		c.logger.Debug("event rejected", "state", string(from), "event", evt.Key.String())
	})
	m.OnUnhandled(func(from, _ fsm.State, evt fsm.Event) {
		c.logger.Debug("dropping unexpected event", "state", string(from), "event", evt.Key.String())
	})
	return m
}

func (c *Connection) onTransition(from, to fsm.State, evt fsm.Event) {
	if from == to {
		return
	}
	c.logger.Debug("state change", "from", string(from), "to", string(to), "event", evt.Key.String())
	c.logEvent(log.Event{
		Layer:    log.LayerProtocol,
		Category: log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityFSM,
			OldState: string(from),
			NewState: string(to),
			Reason:   evt.Key.String(),
		},
	})
}

func (c *Connection) onGuardPanic(t fsm.Transition, recovered any) {
	c.logger.Error("guard panicked",
		"state", string(t.Start),
		"event", t.Key.String(),
		"panic", recovered)
}

// onEstablished stops the handshake timer, unlocks messaging on the first
// entry and arms periodic re-attestation.
func (c *Connection) onEstablished() {
	_ = c.timers.Cancel(timerHandshake)
	if c.messagingLocked {
		c.messagingLocked = false
		c.logger.Info("connection established",
			"prover", c.proverScheme,
			"verifier", c.verifierScheme)
		c.wakeDispatcher()
	}
	if c.cfg.RatTimeout > 0 {
		c.arm(timerRat, c.cfg.RatTimeout)
	}
	c.cond.Broadcast()
}

// onLeaveEstablished bounds the re-attestation round that follows.
func (c *Connection) onLeaveEstablished() {
	_ = c.timers.Cancel(timerRat)
	c.arm(timerHandshake, c.cfg.HandshakeTimeout)
}

// onTerminated releases every resource of the connection.
func (c *Connection) onTerminated() {
	c.terminated = true
	c.timers.Stop()
	c.stopProver()
	c.stopVerifier()
	c.cancel()
	if err := c.channel.Close(); err != nil {
		c.logger.Debug("closing secure channel", "error", err)
	}
	if c.closeErr == nil {
		c.closeErr = &CloseError{Cause: wire.CloseError, Message: "terminated"}
	}
	c.logger.Info("connection terminated", "reason", c.closeErr.Error())
	c.cond.Broadcast()
	if !c.started {
		c.later(c.notifyClosed)
	}
}

func (c *Connection) arm(key timer.Key, d time.Duration) {
	if _, err := c.timers.Set(key, d); err != nil {
		c.logger.Debug("timer not armed", "timer", string(key), "error", err)
	}
}
