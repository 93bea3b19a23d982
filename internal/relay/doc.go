// Package relay bridges a caller's control-channel websocket to the provider
// backend for a single editing session, injecting the server-held credential
// and preserving message order and framing in both directions.
package relay
