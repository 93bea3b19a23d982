// Package rtcpeer wraps a pion PeerConnection as the media transport for an
// editing session. The client package drives it through the Transport
// interface and never touches pion types directly.
package rtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/framepush/liveedit/protocol"
	"github.com/framepush/liveedit/stats"
)

// DefaultGatheringTimeout bounds how long CreateOffer waits for ICE
// gathering before returning the partial description. Remaining candidates
// still trickle through OnLocalCandidate.
const DefaultGatheringTimeout = 2 * time.Second

var ErrClosed = errors.New("rtcpeer: peer closed")

// Source provides the local media published into a session.
type Source interface {
	// Tracks are added to the peer connection before the offer is created.
	Tracks() []webrtc.TrackLocal
	// SetMirror toggles horizontal mirroring of the outgoing video.
	SetMirror(bool)
}

type Config struct {
	ICEServers       []webrtc.ICEServer
	GatheringTimeout time.Duration
	Logger           *slog.Logger
}

// Peer owns the pion PeerConnection for one session.
type Peer struct {
	log *slog.Logger
	cfg Config

	pc     *webrtc.PeerConnection
	source Source

	mu          sync.Mutex
	closed      bool
	onCandidate func(protocol.Candidate)
	onState     func(webrtc.PeerConnectionState)
	onConnected func()
	connected   bool
}

func New(cfg Config, source Source) (*Peer, error) {
	if source == nil {
		return nil, errors.New("rtcpeer: nil source")
	}
	if cfg.GatheringTimeout <= 0 {
		cfg.GatheringTimeout = DefaultGatheringTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = logging.NewDefaultLoggerFactory()
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{
		log:    log,
		cfg:    cfg,
		pc:     pc,
		source: source,
	}

	for _, track := range source.Tracks() {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add track %q: %w", track.ID(), err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		p.mu.Lock()
		fn := p.onCandidate
		p.mu.Unlock()
		if fn != nil {
			fn(protocol.Candidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug("peer connection state", "state", state.String())
		p.mu.Lock()
		fn := p.onState
		var connectedFn func()
		if state == webrtc.PeerConnectionStateConnected && !p.connected {
			p.connected = true
			connectedFn = p.onConnected
		}
		p.mu.Unlock()
		if fn != nil {
			fn(state)
		}
		if connectedFn != nil {
			connectedFn()
		}
	})

	return p, nil
}

// OnLocalCandidate registers the trickle-ICE callback. Register before
// CreateOffer or candidates gathered early are dropped.
func (p *Peer) OnLocalCandidate(fn func(protocol.Candidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

// OnConnected fires once, the first time the media path reaches the
// connected state.
func (p *Peer) OnConnected(fn func()) {
	p.mu.Lock()
	p.onConnected = fn
	p.mu.Unlock()
}

// CreateOffer produces the local session description. It waits up to the
// gathering timeout so the SDP carries host candidates, then returns
// whatever has been gathered; trickle delivery covers the rest.
func (p *Peer) CreateOffer(ctx context.Context) (string, error) {
	if p.isClosed() {
		return "", ErrClosed
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	timer := time.NewTimer(p.cfg.GatheringTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description after offer")
	}
	return local.SDP, nil
}

func (p *Peer) ApplyAnswer(sdp string) error {
	if p.isClosed() {
		return ErrClosed
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (p *Peer) AddRemoteCandidate(c protocol.Candidate) error {
	if p.isClosed() {
		return ErrClosed
	}
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// RestartICE applies fresh TURN credentials and produces a new offer with
// the ICE restart flag set. The backend answers it like the initial offer.
func (p *Peer) RestartICE(ctx context.Context, turn *protocol.TURNConfig) (string, error) {
	if p.isClosed() {
		return "", ErrClosed
	}

	if turn != nil && turn.ServerURL != "" {
		cfg := p.pc.GetConfiguration()
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       []string{turn.ServerURL},
			Username:   turn.Username,
			Credential: turn.Credential,
		})
		if err := p.pc.SetConfiguration(cfg); err != nil {
			return "", fmt.Errorf("apply turn config: %w", err)
		}
	}

	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return "", fmt.Errorf("create restart offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	timer := time.NewTimer(p.cfg.GatheringTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description after restart")
	}
	p.log.Info("ice restart offer created")
	return local.SDP, nil
}

func (p *Peer) SetMirror(mirror bool) {
	p.source.SetMirror(mirror)
}

// Counters implements stats.Source over pc.GetStats. Frame-level counters
// (drops, freezes) are not exposed by pion's report and stay zero.
func (p *Peer) Counters() (stats.Counters, bool) {
	if p.isClosed() {
		return stats.Counters{}, false
	}

	var c stats.Counters
	for _, s := range p.pc.GetStats() {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			switch st.Kind {
			case "video":
				c.InboundVideoBytes += st.BytesReceived
			case "audio":
				c.InboundAudioBytes += st.BytesReceived
			}
			c.PacketsLost += int64(st.PacketsLost)
		case webrtc.OutboundRTPStreamStats:
			if st.Kind == "video" {
				c.OutboundVideoBytes += st.BytesSent
			}
		case webrtc.TransportStats:
			c.ConnectionBytesReceived += st.BytesReceived
			c.ConnectionBytesSent += st.BytesSent
		}
	}
	return c, true
}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}

func (p *Peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
