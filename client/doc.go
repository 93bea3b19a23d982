// Package client is the session SDK: it owns one live editing session from
// Connect to Disconnect. It negotiates the peer transport over the control
// channel, tracks prompt/image updates against their acknowledgments, samples
// transport stats, and reports telemetry. A Client is not reusable after
// Disconnect.
package client
