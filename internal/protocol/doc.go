// Package protocol owns the royalnet wire contract.
//
// Ownership boundary:
// - envelope shape and the closed kind taxonomy
// - structural validation entry points
// - notice construction and notice errors
// - envelope codecs (json, msgpack)
package protocol
