package client

import "github.com/framepush/liveedit/protocol"

// State is the session lifecycle state. Disconnected is terminal.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateGenerating   State = "generating"
	StateDisconnected State = "disconnected"
)

type EventKind string

const (
	// EventConnectionChange carries the new State.
	EventConnectionChange EventKind = "connection_change"
	// EventError carries a detail string. Errors are side events; they do
	// not by themselves change the session state.
	EventError EventKind = "error"
	// EventGenerationEnded carries the provider's reason and the generated
	// duration in seconds.
	EventGenerationEnded EventKind = "generation_ended"
)

// Event is one entry on the session's event stream.
type Event struct {
	Kind EventKind

	State   State
	Detail  string
	Reason  protocol.GenerationEndedReason
	Seconds float64
}
