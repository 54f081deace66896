package wire

import (
	"errors"
	"fmt"
)

// ProtocolVersion is the IDSCP2 protocol version sent in HELLO.
const ProtocolVersion uint8 = 2

// Message errors.
var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrWrongMessageType   = errors.New("wrong message type")
	ErrInvalidMessage     = errors.New("invalid message")
)

// MessageType is the envelope type tag.
type MessageType uint8

// IDSCP2 message types.
const (
	MsgHello       MessageType = 1
	MsgClose       MessageType = 2
	MsgDat         MessageType = 3
	MsgDatExpired  MessageType = 4
	MsgRerat       MessageType = 5
	MsgRatProver   MessageType = 6
	MsgRatVerifier MessageType = 7
	MsgData        MessageType = 8
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t >= MsgHello && t <= MsgData
}

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "IDSCP_HELLO"
	case MsgClose:
		return "IDSCP_CLOSE"
	case MsgDat:
		return "IDSCP_DAT"
	case MsgDatExpired:
		return "IDSCP_DAT_EXPIRED"
	case MsgRerat:
		return "IDSCP_RERAT"
	case MsgRatProver:
		return "IDSCP_RAT_PROVER"
	case MsgRatVerifier:
		return "IDSCP_RAT_VERIFIER"
	case MsgData:
		return "IDSCP_DATA"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Envelope is the outer frame of every IDSCP2 message.
// CBOR: { 1: msgType, 2: body }
type Envelope struct {
	Type MessageType `cbor:"1,keyasint"`
	Body []byte      `cbor:"2,keyasint,omitempty"`
}

// decodeBody decodes the body after checking the envelope type.
func (e *Envelope) decodeBody(want MessageType, v any) error {
	if e.Type != want {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongMessageType, e.Type, want)
	}
	if len(e.Body) == 0 {
		return fmt.Errorf("%w: %s without body", ErrInvalidMessage, want)
	}
	if err := Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("failed to decode %s body: %w", want, err)
	}
	return nil
}

// Hello decodes a HELLO body.
func (e *Envelope) Hello() (*Hello, error) {
	var h Hello
	if err := e.decodeBody(MsgHello, &h); err != nil {
		return nil, err
	}
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hello: %w", err)
	}
	return &h, nil
}

// Close decodes a CLOSE body.
func (e *Envelope) Close() (*Close, error) {
	var c Close
	if err := e.decodeBody(MsgClose, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Dat decodes a DAT body.
func (e *Envelope) Dat() (*Dat, error) {
	var d Dat
	if err := e.decodeBody(MsgDat, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Rerat decodes a RERAT body.
func (e *Envelope) Rerat() (*Rerat, error) {
	var r Rerat
	if err := e.decodeBody(MsgRerat, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// RatProver decodes a RAT_PROVER body.
func (e *Envelope) RatProver() (*RatProver, error) {
	var r RatProver
	if err := e.decodeBody(MsgRatProver, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// RatVerifier decodes a RAT_VERIFIER body.
func (e *Envelope) RatVerifier() (*RatVerifier, error) {
	var r RatVerifier
	if err := e.decodeBody(MsgRatVerifier, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Data decodes a DATA body.
func (e *Envelope) Data() (*Data, error) {
	var d Data
	if err := e.decodeBody(MsgData, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Hello opens the handshake.
// CBOR: { 1: version, 2: dat, 3: supportedRat, 4: expectedRat }
type Hello struct {
	Version      uint8    `cbor:"1,keyasint"`
	Dat          []byte   `cbor:"2,keyasint"`
	SupportedRat []string `cbor:"3,keyasint"`
	ExpectedRat  []string `cbor:"4,keyasint"`
}

// Validate checks the HELLO for required fields.
func (h *Hello) Validate() error {
	if h.Version == 0 {
		return fmt.Errorf("%w: missing version", ErrInvalidMessage)
	}
	if len(h.Dat) == 0 {
		return fmt.Errorf("%w: missing DAT", ErrInvalidMessage)
	}
	return nil
}

// Close terminates the connection.
// CBOR: { 1: cause, 2: message }
type Close struct {
	Cause   CloseCause `cbor:"1,keyasint"`
	Message string     `cbor:"2,keyasint,omitempty"`
}

// Dat carries a fresh dynamic attribute token.
// CBOR: { 1: token }
type Dat struct {
	Token []byte `cbor:"1,keyasint"`
}

// DatExpired notifies the peer that its DAT is no longer valid.
// CBOR: {}
type DatExpired struct{}

// Rerat requests a repeated remote attestation.
// CBOR: { 1: cause }
type Rerat struct {
	Cause string `cbor:"1,keyasint,omitempty"`
}

// RatProver carries an opaque message of the sender's prover.
// CBOR: { 1: data }
type RatProver struct {
	Data []byte `cbor:"1,keyasint"`
}

// RatVerifier carries an opaque message of the sender's verifier.
// CBOR: { 1: data }
type RatVerifier struct {
	Data []byte `cbor:"1,keyasint"`
}

// Data carries an application message.
// CBOR: { 1: type, 2: payload }
type Data struct {
	Type    string `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint,omitempty"`
}

// CloseCause explains why a connection was closed.
type CloseCause uint8

// Close causes.
const (
	CloseUserShutdown                CloseCause = 0
	CloseTimeout                     CloseCause = 1
	CloseError                       CloseCause = 2
	CloseNoValidDat                  CloseCause = 3
	CloseNoRatMechanismMatchProver   CloseCause = 4
	CloseNoRatMechanismMatchVerifier CloseCause = 5
	CloseRatProverFailed             CloseCause = 6
	CloseRatVerifierFailed           CloseCause = 7
)

// String returns the cause name.
func (c CloseCause) String() string {
	switch c {
	case CloseUserShutdown:
		return "USER_SHUTDOWN"
	case CloseTimeout:
		return "TIMEOUT"
	case CloseError:
		return "ERROR"
	case CloseNoValidDat:
		return "NO_VALID_DAT"
	case CloseNoRatMechanismMatchProver:
		return "NO_RAT_MECHANISM_MATCH_PROVER"
	case CloseNoRatMechanismMatchVerifier:
		return "NO_RAT_MECHANISM_MATCH_VERIFIER"
	case CloseRatProverFailed:
		return "RAT_PROVER_FAILED"
	case CloseRatVerifierFailed:
		return "RAT_VERIFIER_FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
	}
}
