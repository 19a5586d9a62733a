// Package session owns broker connection setup helpers.
//
// Ownership boundary:
// - connect handshake control messages (hello / hello.ack)
// - timeouts, retry backoff
// - transport security validation and tls.Config builders
package session
