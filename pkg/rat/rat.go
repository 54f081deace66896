package rat

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
)

// RAT errors.
var (
	ErrNoMatch         = errors.New("no matching attestation scheme")
	ErrUnknownScheme   = errors.New("unknown attestation scheme")
	ErrInvalidScheme   = errors.New("invalid attestation scheme registration")
	ErrMailboxFull     = errors.New("mailbox full")
	ErrCancelled       = errors.New("driver cancelled")
	ErrStopped         = errors.New("driver stopped")
	ErrInvalidConfig   = errors.New("invalid driver configuration")
	ErrUnexpectedInput = errors.New("unexpected attestation message")
)

// Role is the side of an attestation exchange a driver plays.
type Role uint8

const (
	// RoleProver proves the local platform state.
	RoleProver Role = iota + 1
	// RoleVerifier checks the peer platform state.
	RoleVerifier
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleProver:
		return "PROVER"
	case RoleVerifier:
		return "VERIFIER"
	default:
		return "UNKNOWN"
	}
}

// Signal is a result a driver reports back to its connection.
type Signal uint8

// Driver signals.
const (
	ProverMsg Signal = iota + 1
	ProverOK
	ProverFailed
	VerifierMsg
	VerifierOK
	VerifierFailed
)

// String returns the signal name.
func (s Signal) String() string {
	switch s {
	case ProverMsg:
		return "RAT_PROVER_MSG"
	case ProverOK:
		return "RAT_PROVER_OK"
	case ProverFailed:
		return "RAT_PROVER_FAILED"
	case VerifierMsg:
		return "RAT_VERIFIER_MSG"
	case VerifierOK:
		return "RAT_VERIFIER_OK"
	case VerifierFailed:
		return "RAT_VERIFIER_FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// Role returns the role allowed to emit the signal.
func (s Signal) Role() Role {
	switch s {
	case ProverMsg, ProverOK, ProverFailed:
		return RoleProver
	case VerifierMsg, VerifierOK, VerifierFailed:
		return RoleVerifier
	default:
		return 0
	}
}

// Terminal reports whether the signal ends the attestation round.
func (s Signal) Terminal() bool {
	return s != ProverMsg && s != VerifierMsg && s.Role() != 0
}

// MsgSignal returns the message signal of the role.
func MsgSignal(r Role) Signal {
	if r == RoleProver {
		return ProverMsg
	}
	return VerifierMsg
}

// OKSignal returns the success signal of the role.
func OKSignal(r Role) Signal {
	if r == RoleProver {
		return ProverOK
	}
	return VerifierOK
}

// FailedSignal returns the failure signal of the role.
func FailedSignal(r Role) Signal {
	if r == RoleProver {
		return ProverFailed
	}
	return VerifierFailed
}

// Driver is a prover or verifier instance running one attestation round.
type Driver interface {
	// Delegate hands a peer message to the driver. It must not block.
	Delegate(msg []byte) error

	// Run performs the exchange and returns when done or when ctx is cancelled.
	Run(ctx context.Context)
}

// Configurable is implemented by drivers accepting their scheme configuration
// after construction.
type Configurable interface {
	SetConfig(config any) error
}

// EmitFunc delivers a driver signal.
type EmitFunc func(sig Signal, data []byte)

// Params is passed to a driver factory.
type Params struct {
	// Role of the driver to create.
	Role Role

	// Scheme is the negotiated scheme name.
	Scheme string

	// Config is the opaque scheme configuration from the registration.
	Config any

	// Emit reports signals back to the connection.
	Emit EmitFunc

	// LocalCertificate is the local secure channel certificate, if any.
	LocalCertificate *x509.Certificate

	// PeerCertificate is the peer secure channel certificate, if any.
	PeerCertificate *x509.Certificate

	// Logger for operational logging. Never nil when passed by a Handle.
	Logger *slog.Logger
}

// Factory creates a driver for one attestation round.
type Factory func(p Params) (Driver, error)

// Base implements the mailbox half of Driver for embedding in concrete
// drivers.
type Base struct {
	Params  Params
	Mailbox *Mailbox
}

// DefaultMailboxSize is the mailbox capacity used by NewBase.
const DefaultMailboxSize = 16

// NewBase creates a Base with a default mailbox.
func NewBase(p Params) Base {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Emit == nil {
		p.Emit = func(Signal, []byte) {}
	}
	return Base{Params: p, Mailbox: NewMailbox(DefaultMailboxSize)}
}

// Delegate enqueues a peer message.
func (b *Base) Delegate(msg []byte) error {
	return b.Mailbox.Put(msg)
}

// Send emits a message signal for the driver role.
func (b *Base) Send(data []byte) {
	b.Params.Emit(MsgSignal(b.Params.Role), data)
}

// Succeed emits the success signal for the driver role.
func (b *Base) Succeed() {
	b.Params.Emit(OKSignal(b.Params.Role), nil)
}

// Fail logs the reason and emits the failure signal for the driver role.
func (b *Base) Fail(reason error) {
	b.Params.Logger.Debug("attestation failed",
		"scheme", b.Params.Scheme,
		"role", b.Params.Role.String(),
		"error", reason)
	b.Params.Emit(FailedSignal(b.Params.Role), []byte(reason.Error()))
}

// Negotiate returns the first entry of expected that also appears in
// supported.
func Negotiate(expected, supported []string) (string, error) {
	offered := make(map[string]struct{}, len(supported))
	for _, s := range supported {
		offered[s] = struct{}{}
	}
	for _, e := range expected {
		if _, ok := offered[e]; ok {
			return e, nil
		}
	}
	return "", fmt.Errorf("%w: expected %v, supported %v", ErrNoMatch, expected, supported)
}
