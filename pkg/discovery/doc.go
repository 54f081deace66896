// Package discovery implements mDNS/DNS-SD discovery for IDSCP2 servers.
//
// Servers advertise a single service type:
//
// # Connector Discovery (_idscp2._tcp)
//
// Instance name is the configured connector name. The port is the TLS
// listener port (29292 by default). TXT records describe what a client needs
// to decide whether a handshake can succeed before dialing:
//
//   - v: IDSCP2 protocol version
//   - rs: supported RAT prover schemes, in preference order
//   - re: expected RAT verifier schemes, in preference order
//   - id: connector ID (16 hex chars, SHA-256 of the certificate public key)
//
// Scheme lists are comma separated. Clients use [Compatible] to check a
// discovered service against their own scheme lists with the same
// negotiation rule the handshake applies.
package discovery
