// Package tpm2 implements TPM 2.0 quote based remote attestation.
//
// The verifier opens the exchange with a challenge carrying a fresh nonce,
// the attestation type and the PCR mask. The prover binds the nonce to its
// secure channel certificate, quotes the selected PCRs with a restricted
// attestation key and replies with the quote, its signature, the PCR values
// and the attestation key. The verifier checks the quote and answers with a
// result so both sides conclude the round.
//
// # Attestation Types
//
//	BASIC     PCRs 0-10
//	ALL       PCRs 0-23
//	ADVANCED  PCRs selected by the configured mask
//	ZERO      no quote, the exchange only confirms liveness
//
// TPM access goes through a Device, which serializes commands and holds the
// attestation key for its lifetime.
package tpm2
