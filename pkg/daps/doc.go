// Package daps issues and verifies Dynamic Attribute Tokens (DATs).
//
// A DAT is a short-lived JWT describing the current trust attributes of a
// connector. Each IDSCP2 peer presents its DAT in HELLO and the other side
// verifies it against its SecurityRequirements before attestation starts.
// The returned validity drives DAT re-verification on the connection.
//
// Three drivers are provided:
//
//   - Null accepts everything and is meant for tests and closed networks.
//   - Static signs its own tokens with a local key and verifies peers
//     against a JSON Web Key Set.
//   - Remote fetches tokens from a DAPS server with an OAuth2 client
//     assertion and verifies peer tokens with the server's JWKS.
package daps
