// Package rat defines the remote attestation driver protocol.
//
// Both peers of an IDSCP2 connection run a Prover, proving their own platform
// state, and a Verifier, checking the peer's. Drivers are pluggable per
// attestation scheme and are looked up in an explicitly constructed Registry.
//
// # Driver Contract
//
// A driver receives peer messages through Delegate, which never blocks, and
// performs its exchange inside Run on a goroutine owned by a Handle. Results
// flow back exclusively through Params.Emit as Signals:
//
//	ProverMsg / VerifierMsg       bytes to transmit to the peer
//	ProverOK / VerifierOK         terminal success
//	ProverFailed / VerifierFailed terminal failure
//
// Run must return once its context is cancelled. A driver that returns
// without a terminal signal is reported as failed unless its handle was
// stopped first; a stopped handle never delivers another signal.
//
// # Negotiation
//
// Negotiate picks the first locally expected scheme that the peer supports.
package rat
