package idscp2

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/idscp2/idscp2-go/pkg/fsm"
	"github.com/idscp2/idscp2-go/pkg/log"
	"github.com/idscp2/idscp2-go/pkg/rat"
	"github.com/idscp2/idscp2-go/pkg/wire"
)

var errNoEnvelope = errors.New("event carries no message")

func envelope(evt fsm.Event) (*wire.Envelope, error) {
	env, ok := evt.Message.(*wire.Envelope)
	if !ok || env == nil {
		return nil, errNoEnvelope
	}
	return env, nil
}

// send writes an encoded message to the channel. It accepts the results of
// the wire.Encode* functions directly.
func (c *Connection) send(data []byte, err error) bool {
	if err != nil {
		c.logger.Error("failed to encode message", "error", err)
		return false
	}
	if err := c.channel.Send(data); err != nil {
		c.logger.Debug("failed to send message", "error", err)
		return false
	}
	if env, err := wire.Decode(data); err == nil {
		c.logMessage(log.DirectionOut, env, len(data))
	}
	return true
}

func (c *Connection) logMessage(dir log.Direction, env *wire.Envelope, size int) {
	if c.capture == nil {
		return
	}
	msg := &log.MessageEvent{Type: env.Type, Size: size}
	switch env.Type {
	case wire.MsgData:
		if d, err := env.Data(); err == nil {
			msg.DataType = d.Type
		}
	case wire.MsgClose:
		if cl, err := env.Close(); err == nil {
			msg.CloseCause = &cl.Cause
			msg.CloseMessage = cl.Message
		}
	}
	c.logEvent(log.Event{
		Direction: dir,
		Layer:     log.LayerWire,
		Category:  log.CategoryMessage,
		Message:   msg,
	})
}

// abort records the close cause and queues ABORT behind the current event.
// The first recorded cause wins.
func (c *Connection) abort(cause wire.CloseCause, reason error) {
	if c.pendingAbort == nil {
		c.pendingAbort = &CloseError{Cause: cause, Message: reason.Error()}
	}
	c.logger.Warn("aborting connection", "cause", cause.String(), "error", reason)
	c.raise(fsm.NewEvent(EventAbort))
}

// closeWith sends CLOSE and records the cause. Sending is best effort since
// the channel is closed next in any case.
func (c *Connection) closeWith(cause wire.CloseCause, message string) bool {
	c.send(wire.EncodeClose(cause, message))
	c.closeErr = &CloseError{Cause: cause, Message: message}
	return true
}

func (c *Connection) fetchToken() ([]byte, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DapsTimeout)
	defer cancel()
	return c.cfg.Daps.Token(ctx)
}

// verifyDat checks a peer DAT and arms the DAT timer for its validity.
func (c *Connection) verifyDat(token []byte) bool {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DapsTimeout)
	defer cancel()

	validity, err := c.cfg.Daps.Verify(ctx, token, c.cfg.SecurityRequirements, c.channel.PeerCertificate())
	if err == nil && validity <= 0 {
		err = errors.New("DAT has no remaining validity")
	}
	if err != nil {
		c.abort(wire.CloseNoValidDat, fmt.Errorf("peer DAT rejected: %w", err))
		return false
	}

	c.peerDat = Dat{Token: token, ExpiresAt: time.Now().Add(validity)}
	c.arm(timerDat, validity)
	c.logger.Debug("peer DAT verified", "validity", validity)
	return true
}

func (c *Connection) sendHello(fsm.Event) bool {
	token, err := c.fetchToken()
	if err != nil {
		c.abort(wire.CloseError, fmt.Errorf("local DAT unavailable: %w", err))
		return false
	}
	hello := &wire.Hello{
		Version:      wire.ProtocolVersion,
		Dat:          token,
		SupportedRat: c.cfg.SupportedRat,
		ExpectedRat:  c.cfg.ExpectedRat,
	}
	if !c.send(wire.EncodeHello(hello)) {
		c.abort(wire.CloseError, errors.New("failed to send HELLO"))
		return false
	}
	c.arm(timerHandshake, c.cfg.HandshakeTimeout)
	return true
}

func (c *Connection) receiveHello(evt fsm.Event) bool {
	env, err := envelope(evt)
	if err != nil {
		return false
	}
	hello, err := env.Hello()
	if err != nil {
		c.abort(wire.CloseError, err)
		return false
	}
	if hello.Version != wire.ProtocolVersion {
		c.abort(wire.CloseError, fmt.Errorf("unsupported protocol version %d", hello.Version))
		return false
	}
	if !c.verifyDat(hello.Dat) {
		return false
	}

	// The local prover must satisfy the peer verifier and vice versa.
	prover, err := rat.Negotiate(hello.ExpectedRat, c.cfg.SupportedRat)
	if err != nil {
		c.abort(wire.CloseNoRatMechanismMatchProver, err)
		return false
	}
	verifier, err := rat.Negotiate(c.cfg.ExpectedRat, hello.SupportedRat)
	if err != nil {
		c.abort(wire.CloseNoRatMechanismMatchVerifier, err)
		return false
	}
	c.proverScheme = prover
	c.verifierScheme = verifier

	return c.startProver() && c.startVerifier()
}

func (c *Connection) startDriver(role rat.Role, scheme string) (*rat.Handle, error) {
	p := rat.Params{
		Role:             role,
		Scheme:           scheme,
		LocalCertificate: c.channel.LocalCertificate(),
		PeerCertificate:  c.channel.PeerCertificate(),
		Logger:           c.logger,
	}
	h, err := rat.Start(c.ctx, c.cfg.Registry, p, c.onSignal)
	if err != nil {
		return nil, err
	}
	entity := log.StateEntityProver
	if role == rat.RoleVerifier {
		entity = log.StateEntityVerifier
	}
	c.logEvent(log.Event{
		Layer:    log.LayerAttestation,
		Category: log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   entity,
			NewState: "RUNNING",
			Reason:   scheme,
		},
	})
	return h, nil
}

func (c *Connection) startProver() bool {
	c.stopProver()
	h, err := c.startDriver(rat.RoleProver, c.proverScheme)
	if err != nil {
		c.abort(wire.CloseRatProverFailed, err)
		return false
	}
	c.prover = h
	return true
}

func (c *Connection) startVerifier() bool {
	c.stopVerifier()
	h, err := c.startDriver(rat.RoleVerifier, c.verifierScheme)
	if err != nil {
		c.abort(wire.CloseRatVerifierFailed, err)
		return false
	}
	c.verifier = h
	return true
}

func (c *Connection) stopProver() {
	if c.prover != nil {
		c.prover.Stop()
		c.prover = nil
	}
}

func (c *Connection) stopVerifier() {
	if c.verifier != nil {
		c.verifier.Stop()
		c.verifier = nil
	}
}

func (c *Connection) delegateToProver(evt fsm.Event) bool {
	env, err := envelope(evt)
	if err != nil {
		return false
	}
	msg, err := env.RatVerifier()
	if err != nil || c.prover == nil {
		return false
	}
	if err := c.prover.Delegate(msg.Data); err != nil {
		c.logger.Warn("prover rejected message", "error", err)
		return false
	}
	return true
}

func (c *Connection) delegateToVerifier(evt fsm.Event) bool {
	env, err := envelope(evt)
	if err != nil {
		return false
	}
	msg, err := env.RatProver()
	if err != nil || c.verifier == nil {
		return false
	}
	if err := c.verifier.Delegate(msg.Data); err != nil {
		c.logger.Warn("verifier rejected message", "error", err)
		return false
	}
	return true
}

func (c *Connection) forwardProverMsg(evt fsm.Event) bool {
	return c.send(wire.EncodeRatProver(evt.Payload))
}

func (c *Connection) forwardVerifierMsg(evt fsm.Event) bool {
	return c.send(wire.EncodeRatVerifier(evt.Payload))
}

func (c *Connection) proverDone(fsm.Event) bool {
	c.stopProver()
	return true
}

func (c *Connection) verifierDone(fsm.Event) bool {
	c.stopVerifier()
	return true
}

func (c *Connection) proverFailed(evt fsm.Event) bool {
	return c.closeWith(wire.CloseRatProverFailed, string(evt.Payload))
}

func (c *Connection) verifierFailed(evt fsm.Event) bool {
	return c.closeWith(wire.CloseRatVerifierFailed, string(evt.Payload))
}

// sendDatExpired asks the peer for a fresh DAT. Verification of the peer
// pauses until it arrives.
func (c *Connection) sendDatExpired(fsm.Event) bool {
	if !c.send(wire.EncodeDatExpired()) {
		return false
	}
	c.stopVerifier()
	return true
}

// receiveDat verifies a fresh peer DAT and re-attests the peer.
func (c *Connection) receiveDat(evt fsm.Event) bool {
	env, err := envelope(evt)
	if err != nil {
		return false
	}
	dat, err := env.Dat()
	if err != nil {
		c.abort(wire.CloseNoValidDat, err)
		return false
	}
	return c.verifyDat(dat.Token) && c.startVerifier()
}

// renewDat answers DAT_EXPIRED with a fresh local DAT and a new proof.
func (c *Connection) renewDat(fsm.Event) bool {
	token, err := c.fetchToken()
	if err != nil {
		c.abort(wire.CloseError, fmt.Errorf("local DAT unavailable: %w", err))
		return false
	}
	if !c.send(wire.EncodeDat(token)) {
		return false
	}
	return c.startProver()
}

func (c *Connection) restartProver(fsm.Event) bool {
	return c.startProver()
}

// requestRerat restarts the local verifier and asks the peer to prove again.
func (c *Connection) requestRerat(fsm.Event) bool {
	if !c.send(wire.EncodeRerat("")) {
		return false
	}
	return c.startVerifier()
}

func (c *Connection) receiveData(evt fsm.Event) bool {
	env, err := envelope(evt)
	if err != nil {
		return false
	}
	data, err := env.Data()
	if err != nil {
		c.logger.Warn("dropping malformed data", "error", err)
		return false
	}
	c.inbound = append(c.inbound, data)
	c.wakeDispatcher()
	return true
}

func (c *Connection) sendData(evt fsm.Event) bool {
	req, ok := evt.Message.(*sendRequest)
	if !ok {
		return false
	}
	data, err := wire.EncodeData(req.dataType, req.payload)
	if err != nil {
		req.err = err
		return false
	}
	if err := c.channel.Send(data); err != nil {
		req.err = fmt.Errorf("send: %w", err)
		return false
	}
	req.sent = true
	if env, err := wire.Decode(data); err == nil {
		c.logMessage(log.DirectionOut, env, len(data))
	}
	return true
}

func (c *Connection) closeUnstarted(fsm.Event) bool {
	c.closeErr = &CloseError{Cause: wire.CloseUserShutdown, Message: "closed before start"}
	return true
}

func (c *Connection) sendUserClose(fsm.Event) bool {
	return c.closeWith(wire.CloseUserShutdown, "user shutdown")
}

func (c *Connection) receiveClose(evt fsm.Event) bool {
	c.closeErr = &CloseError{Cause: wire.CloseError, Remote: true}
	if env, err := envelope(evt); err == nil {
		if cl, err := env.Close(); err == nil {
			c.closeErr = &CloseError{Cause: cl.Cause, Message: cl.Message, Remote: true}
		}
	}
	return true
}

func (c *Connection) sendAbort(fsm.Event) bool {
	cause := c.pendingAbort
	if cause == nil {
		cause = &CloseError{Cause: wire.CloseError, Message: "aborted"}
	}
	return c.closeWith(cause.Cause, cause.Message)
}

func (c *Connection) handshakeTimedOut(fsm.Event) bool {
	return c.closeWith(wire.CloseTimeout, "handshake timeout")
}

func (c *Connection) transportFailed(evt fsm.Event) bool {
	c.closeErr = &CloseError{Cause: wire.CloseError, Message: string(evt.Payload)}
	return true
}
