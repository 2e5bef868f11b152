// Package session owns link<->server session helpers.
//
// Ownership boundary:
// - timeout and heartbeat defaults
// - retry/backoff primitives
// - the pending-request correlation table
// - transport security (TLS) settings
package session
