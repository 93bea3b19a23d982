// Package protocol models the JSON control-channel messages exchanged
// between an editing client, the signaling relay, and the provider backend.
//
// The package is pure: it parses, validates, and serializes messages, and it
// never mutates payloads it does not understand.
package protocol
