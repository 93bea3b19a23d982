package client

import (
	"context"

	"github.com/framepush/liveedit/protocol"
	"github.com/framepush/liveedit/stats"
)

// Transport is the negotiated media path driven by the session. rtcpeer.Peer
// is the production implementation; tests substitute fakes.
type Transport interface {
	// OnLocalCandidate must be registered before CreateOffer.
	OnLocalCandidate(func(protocol.Candidate))
	// OnConnected fires once the media path is established.
	OnConnected(func())

	CreateOffer(ctx context.Context) (string, error)
	ApplyAnswer(sdp string) error
	AddRemoteCandidate(c protocol.Candidate) error
	// RestartICE renegotiates with fresh relay credentials and returns the
	// new offer SDP.
	RestartICE(ctx context.Context, turn *protocol.TURNConfig) (string, error)

	SetMirror(bool)
	Counters() (stats.Counters, bool)
	Close() error
}
