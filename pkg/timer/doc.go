// Package timer manages the named expiry timers of one IDSCP2 connection.
//
// A connection arms three kinds of timers: the handshake timeout, the DAT
// validity timer and the periodic re-attestation timer. Each is identified by
// a Key and replaced, not stacked, when armed again.
//
// # Stale Expiry
//
// Expiry callbacks run on their own goroutine and typically have to acquire
// the connection lock before acting. By then the timer may have been
// cancelled or re-armed. Every arm and cancel bumps a per-key generation; the
// callback receives the generation it was armed with and the owner calls
// Valid under its lock to drop expiries that are no longer current.
package timer
