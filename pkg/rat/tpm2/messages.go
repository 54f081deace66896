package tpm2

// challenge is sent by the verifier to open a round.
// CBOR: { 1: nonce, 2: type, 3: mask }
type challenge struct {
	Nonce []byte          `cbor:"1,keyasint"`
	Type  AttestationType `cbor:"2,keyasint"`
	Mask  uint32          `cbor:"3,keyasint,omitempty"`
}

// response carries the prover's evidence. Empty for ZERO attestation.
// CBOR: { 1: attest, 2: signature, 3: pcrs, 4: akPublic }
type response struct {
	Attest    []byte            `cbor:"1,keyasint,omitempty"`
	Signature []byte            `cbor:"2,keyasint,omitempty"`
	PCRs      map[uint32][]byte `cbor:"3,keyasint,omitempty"`
	AKPublic  []byte            `cbor:"4,keyasint,omitempty"`
}

// result concludes the round from the verifier side.
// CBOR: { 1: ok, 2: reason }
type result struct {
	OK     bool   `cbor:"1,keyasint"`
	Reason string `cbor:"2,keyasint,omitempty"`
}
