package relay

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/framepush/liveedit/internal/metrics"
	"github.com/framepush/liveedit/internal/ratelimit"
	"github.com/framepush/liveedit/protocol"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	closeTimeout = 3 * time.Second
)

// frame is a single websocket message with its framing preserved. The relay
// never merges, splits, or re-encodes payloads; a text frame in is a text
// frame out.
type frame struct {
	mt   int
	data []byte
}

type bridgeConfig struct {
	Caller      *websocket.Conn
	UpstreamURL string
	MaxPending  int
	Limiter     *ratelimit.TokenBucket
	Log         *slog.Logger
	Metrics     *metrics.Metrics
	// Dialer is swappable for tests; nil means websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// bridge pipes messages between one caller connection and one upstream
// connection. Messages the caller sends before the upstream handshake
// completes are queued and flushed, in order, ahead of anything sent later.
type bridge struct {
	caller *websocket.Conn
	cfg    bridgeConfig
	log    *slog.Logger
	m      *metrics.Metrics

	mu       sync.Mutex
	upstream *websocket.Conn
	pending  []frame
	ready    bool
	closed   bool

	callerWriteMu   sync.Mutex
	upstreamWriteMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}

	sessionMu sync.Mutex
	sessionID string
}

func newBridge(cfg bridgeConfig) *bridge {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &bridge{
		caller: cfg.Caller,
		cfg:    cfg,
		log:    log,
		m:      cfg.Metrics,
		done:   make(chan struct{}),
	}
}

// Run bridges until both sides are closed. It returns after the close
// handshake has been initiated on both connections.
func (b *bridge) Run() {
	go b.dialUpstream()
	b.readCaller()
	<-b.done
}

func (b *bridge) SessionID() string {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	return b.sessionID
}

func (b *bridge) dialUpstream() {
	dialer := b.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	d := *dialer
	d.HandshakeTimeout = dialTimeout

	up, _, err := d.Dial(b.cfg.UpstreamURL, nil)
	if err != nil {
		b.m.Inc(metrics.UpstreamDialFailed)
		b.log.Warn("upstream dial failed", "err", err)
		b.close(websocket.CloseInternalServerErr, "upstream connection failed")
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		up.Close()
		return
	}
	b.upstream = up
	b.mu.Unlock()

	// Flush everything queued so far, then mark ready inside the same
	// critical section so no later send can overtake the backlog.
	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.ready = true
			b.mu.Unlock()
			break
		}
		batch := b.pending
		b.pending = nil
		b.mu.Unlock()

		for _, f := range batch {
			if err := b.writeUpstream(up, f); err != nil {
				b.log.Warn("upstream write failed during flush", "err", err)
				b.close(websocket.CloseInternalServerErr, "upstream connection failed")
				return
			}
			b.m.Inc(metrics.PendingFlushed)
			b.m.Inc(metrics.MessagesToUpstream)
		}
	}

	go b.readUpstream(up)
}

func (b *bridge) readCaller() {
	for {
		mt, data, err := b.caller.ReadMessage()
		if err != nil {
			b.close(b.propagatedClose(err, "caller"))
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		if b.cfg.Limiter != nil && !b.cfg.Limiter.Allow(1) {
			b.m.Inc(metrics.RateLimited)
			b.log.Warn("caller exceeded message rate")
			b.close(websocket.ClosePolicyViolation, "message rate exceeded")
			return
		}

		b.mu.Lock()
		if !b.ready {
			if b.cfg.MaxPending > 0 && len(b.pending) >= b.cfg.MaxPending {
				b.mu.Unlock()
				b.m.Inc(metrics.PendingOverflow)
				b.log.Warn("pending queue overflow", "max", b.cfg.MaxPending)
				b.close(websocket.CloseInternalServerErr, "pending queue overflow")
				return
			}
			b.pending = append(b.pending, frame{mt: mt, data: data})
			b.mu.Unlock()
			continue
		}
		up := b.upstream
		b.mu.Unlock()

		if err := b.writeUpstream(up, frame{mt: mt, data: data}); err != nil {
			b.log.Warn("upstream write failed", "err", err)
			b.close(websocket.CloseInternalServerErr, "upstream connection failed")
			return
		}
		b.m.Inc(metrics.MessagesToUpstream)
	}
}

func (b *bridge) readUpstream(up *websocket.Conn) {
	for {
		mt, data, err := up.ReadMessage()
		if err != nil {
			b.close(b.propagatedClose(err, "upstream"))
			return
		}
		if mt == websocket.TextMessage {
			b.observe(data)
		}

		b.callerWriteMu.Lock()
		b.caller.SetWriteDeadline(time.Now().Add(writeTimeout))
		werr := b.caller.WriteMessage(mt, data)
		b.callerWriteMu.Unlock()
		if werr != nil {
			b.log.Warn("caller write failed", "err", werr)
			b.close(websocket.CloseInternalServerErr, "connection error")
			return
		}
		b.m.Inc(metrics.MessagesToCaller)
	}
}

func (b *bridge) writeUpstream(up *websocket.Conn, f frame) error {
	b.upstreamWriteMu.Lock()
	defer b.upstreamWriteMu.Unlock()
	up.SetWriteDeadline(time.Now().Add(writeTimeout))
	return up.WriteMessage(f.mt, f.data)
}

// observe inspects upstream traffic for diagnostics. Failure to parse never
// affects forwarding.
func (b *bridge) observe(data []byte) {
	env, ok := protocol.Sniff(data)
	if !ok {
		b.m.Inc(metrics.SniffFailed)
		return
	}
	if env.Type == protocol.TypeSessionID && env.SessionID != "" {
		b.sessionMu.Lock()
		first := b.sessionID == ""
		b.sessionID = env.SessionID
		b.sessionMu.Unlock()
		if first {
			b.log.Info("backend assigned session", "session_id", env.SessionID)
		}
	}
}

// propagatedClose maps a read error on one side to the close code sent to
// the other. Codes taken from a peer's close frame are sanitized; anything
// else (network failure, malformed frame) becomes 1011.
func (b *bridge) propagatedClose(err error, side string) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		code := protocol.SanitizeCloseCode(ce.Code)
		if code != ce.Code {
			b.m.Inc(metrics.CloseCodeRewritten)
			b.log.Debug("close code rewritten", "side", side, "from", ce.Code, "to", code)
		} else {
			b.log.Debug("close propagated", "side", side, "code", code)
		}
		return code, ce.Text
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		b.log.Warn("read timeout", "side", side)
	} else {
		b.log.Debug("read failed", "side", side, "err", err)
	}
	return websocket.CloseInternalServerErr, "connection error"
}

// close initiates the close handshake on both connections exactly once.
// Later calls, including the one triggered by the peer's answering close
// frame, are no-ops.
func (b *bridge) close(code int, reason string) {
	b.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(closeTimeout)

		b.callerWriteMu.Lock()
		b.caller.WriteControl(websocket.CloseMessage, msg, deadline)
		b.callerWriteMu.Unlock()
		b.caller.Close()

		b.mu.Lock()
		b.closed = true
		up := b.upstream
		b.mu.Unlock()
		if up != nil {
			b.upstreamWriteMu.Lock()
			up.WriteControl(websocket.CloseMessage, msg, deadline)
			b.upstreamWriteMu.Unlock()
			up.Close()
		}
		close(b.done)
	})
}
