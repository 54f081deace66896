package tpm2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// Scheme is the registered scheme name.
const Scheme = "TPM2d"

// Attestation errors.
var (
	ErrQuoteInvalid     = errors.New("quote invalid")
	ErrPCRMismatch      = errors.New("pcr values do not match reference")
	ErrUntrustedKey     = errors.New("attestation key not trusted")
	ErrAttestationType  = errors.New("unexpected attestation type")
	ErrAttestationNoTPM = errors.New("no TPM device configured")
)

// AttestationType selects which PCRs a quote covers.
type AttestationType uint8

const (
	// AttestationBasic covers PCRs 0-10.
	AttestationBasic AttestationType = iota
	// AttestationAll covers PCRs 0-23.
	AttestationAll
	// AttestationAdvanced covers the PCRs of the configured mask.
	AttestationAdvanced
	// AttestationZero skips the quote.
	AttestationZero
)

// Well-known PCR masks.
const (
	MaskBasic uint32 = 0x0007FF
	MaskAll   uint32 = 0xFFFFFF
)

// String returns the attestation type name.
func (a AttestationType) String() string {
	switch a {
	case AttestationBasic:
		return "BASIC"
	case AttestationAll:
		return "ALL"
	case AttestationAdvanced:
		return "ADVANCED"
	case AttestationZero:
		return "ZERO"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(a))
	}
}

// ParseAttestationType parses a type name, case-insensitively.
func ParseAttestationType(s string) (AttestationType, error) {
	switch strings.ToUpper(s) {
	case "BASIC":
		return AttestationBasic, nil
	case "ALL":
		return AttestationAll, nil
	case "ADVANCED":
		return AttestationAdvanced, nil
	case "ZERO":
		return AttestationZero, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrAttestationType, s)
	}
}

// Mask returns the PCR mask for the type. The advanced mask is used only for
// AttestationAdvanced.
func (a AttestationType) Mask(advanced uint32) uint32 {
	switch a {
	case AttestationBasic:
		return MaskBasic
	case AttestationAll:
		return MaskAll
	case AttestationAdvanced:
		return advanced & MaskAll
	default:
		return 0
	}
}

// MaskPCRs lists the PCR indices set in mask in ascending order.
func MaskPCRs(mask uint32) []uint32 {
	pcrs := make([]uint32, 0, bits.OnesCount32(mask))
	for i := uint32(0); i < 24; i++ {
		if mask&(1<<i) != 0 {
			pcrs = append(pcrs, i)
		}
	}
	return pcrs
}

// ProverConfig configures the prover.
type ProverConfig struct {
	// Device provides TPM access. Required unless every peer asks for ZERO.
	Device *Device
}

// VerifierConfig configures the verifier.
type VerifierConfig struct {
	// Type is the attestation type requested from the peer.
	Type AttestationType

	// Mask selects PCRs for AttestationAdvanced.
	Mask uint32

	// TrustedKeys lists PKIX DER encoded attestation keys accepted from
	// peers. Quotes signed by any other key are rejected.
	TrustedKeys [][]byte

	// AcceptAnyKey accepts every attestation key that produced a valid
	// signature. Only for setups with simulated TPMs.
	AcceptAnyKey bool

	// Repository checks the quoted PCR values against reference values.
	// Nil skips the check.
	Repository Repository
}

// DefaultVerifierConfig returns a verifier configuration requesting BASIC
// attestation.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{Type: AttestationBasic}
}

// Validate checks the verifier configuration.
func (c VerifierConfig) Validate() error {
	if c.Type > AttestationZero {
		return fmt.Errorf("%w: %d", ErrAttestationType, c.Type)
	}
	if c.Type == AttestationAdvanced && c.Mask&MaskAll == 0 {
		return fmt.Errorf("%w: ADVANCED attestation needs a non-empty PCR mask", ErrAttestationType)
	}
	return nil
}

// HasTrustAnchor reports whether quotes can be accepted at all.
func (c VerifierConfig) HasTrustAnchor() bool {
	return c.Type == AttestationZero || c.AcceptAnyKey || len(c.TrustedKeys) > 0
}

func (c VerifierConfig) trusted(akDER []byte) bool {
	if c.AcceptAnyKey {
		return true
	}
	for _, k := range c.TrustedKeys {
		if bytes.Equal(k, akDER) {
			return true
		}
	}
	return false
}

// Repository checks measured PCR values against trusted reference values.
type Repository interface {
	Verify(ctx context.Context, pcrs map[uint32][]byte) error
}

// ReferenceValues is a static Repository. Every listed PCR must be present
// with exactly the listed value; unlisted PCRs are not checked.
type ReferenceValues map[uint32][]byte

// Verify implements Repository.
func (r ReferenceValues) Verify(_ context.Context, pcrs map[uint32][]byte) error {
	for idx, want := range r {
		got, ok := pcrs[idx]
		if !ok {
			return fmt.Errorf("%w: PCR %d not quoted", ErrPCRMismatch, idx)
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("%w: PCR %d is %x, want %x", ErrPCRMismatch, idx, got, want)
		}
	}
	return nil
}
