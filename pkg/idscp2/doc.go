// Package idscp2 implements IDSCP2 connections and servers.
//
// A Connection owns one secure channel and one protocol state machine. The
// handshake exchanges HELLO messages carrying each side's DAT and attestation
// scheme lists, verifies the peer DAT with the configured DAPS driver, and
// runs a prover and a verifier concurrently until both sides are attested.
// Only then does the connection reach ESTABLISHED and let user data through.
//
// # State machine
//
//	CLOSED ─START─▶ WAIT_FOR_HELLO ─HELLO─▶ RAT_EXCHANGE
//	RAT_EXCHANGE ─RAT_PROVER_OK─▶ RAT_VERIFIER ─RAT_VERIFIER_OK─▶ ESTABLISHED
//	RAT_EXCHANGE ─RAT_VERIFIER_OK─▶ RAT_PROVER ─RAT_PROVER_OK─▶ ESTABLISHED
//
// From ESTABLISHED, an expiring peer DAT moves to WAIT_FOR_DAT_AND_RAT_VERIFIER
// until the peer sends a fresh DAT, and a periodic or requested re-attestation
// moves to RAT_VERIFIER. A peer request for re-attestation moves to RAT_PROVER.
// The secure channel stays open throughout. Any failure sends CLOSE with a
// cause and ends in TERMINATED. Transport failures pass through ERROR.
//
// Use Connection.DotGraph for the complete table.
//
// # Concurrency
//
// Every event of a connection, whether it comes from the channel, a timer, an
// attestation driver or the user, is fed to the state machine under the
// connection mutex. Events raised while an event is processed are queued and
// handled in order before the mutex is released. Message listeners and
// connection listeners run after the mutex is released.
package idscp2
