// Package transport provides the TLS secure channel IDSCP2 runs on.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│   IDSCP2 envelopes (CBOR)      │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│   TLS 1.3, mutual auth         │
//	├────────────────────────────────┤
//	│   TCP                          │
//	└────────────────────────────────┘
//
// Both sides present certificates. The negotiated ALPN protocol must be
// "idscp2/2". The certificates are exposed on the channel because the
// attestation and DAT layers bind their evidence to them.
//
// # Delivery
//
// A SecureChannel does not read from the network until a Listener is set.
// The owner can therefore finish its own setup, including sending its first
// message, before any inbound frame is delivered. Frames are delivered on a
// single goroutine per channel, in order. OnClose fires exactly once when
// the read side ends, whoever closed it.
package transport
