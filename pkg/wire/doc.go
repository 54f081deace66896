// Package wire defines the CBOR wire format of IDSCP2 messages.
//
// Every frame carried by the secure channel holds exactly one Envelope:
//
//	{ 1: msgType, 2: body }
//
// The body is itself CBOR encoded and its layout depends on the message type.
// All maps use integer keys for compactness.
//
// # Message Types
//
// Handshake and control messages:
//   - HELLO: protocol version, own DAT and the supported/expected RAT schemes
//   - CLOSE: close cause code and message
//   - DAT: a fresh DAT, sent in response to DAT_EXPIRED
//   - DAT_EXPIRED: the peer's DAT ran out, a new one is requested
//   - RERAT: request to repeat remote attestation
//   - RAT_PROVER / RAT_VERIFIER: opaque attestation driver messages
//
// User messages:
//   - DATA: an application type tag plus opaque payload. This is the only
//     message type delivered to application listeners.
package wire
