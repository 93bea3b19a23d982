package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/framepush/liveedit/events"
	"github.com/framepush/liveedit/protocol"
	"github.com/framepush/liveedit/rtcpeer"
	"github.com/framepush/liveedit/stats"
	"github.com/framepush/liveedit/telemetry"
)

const (
	// SDKVersion tags telemetry reports and the control-channel user agent.
	SDKVersion = "0.4.1"

	// DefaultServerURL is the provider's control endpoint. Point ServerURL
	// at a relay deployment to keep the credential server-side.
	DefaultServerURL = "wss://api.framepush.ai/v1/stream"

	DefaultModel = "studio-v1"

	writeTimeout   = 10 * time.Second
	restartTimeout = 15 * time.Second
)

var ErrDisconnected = errors.New("client: session disconnected")

type Options struct {
	// ServerURL is the control-channel endpoint, ws or wss.
	ServerURL string
	// APIKey is sent as the api_key query parameter. Leave empty when
	// connecting through a relay, which injects its own.
	APIKey string
	Model  string

	Capture CaptureParams

	// Initial edit target, applied as soon as the control channel is up.
	Prompt        string
	EnhancePrompt *bool
	Image         *ImageInput

	// StatsInterval defaults to stats.DefaultInterval, floored at
	// stats.MinInterval.
	StatsInterval time.Duration
	// OnSample observes every stats sample in addition to telemetry.
	OnSample func(stats.Sample)

	// AnalyticsURL enables telemetry upload; empty disables it.
	AnalyticsURL string
	AnalyticsKey string
	Integration  string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger

	// NewTransport overrides the pion-backed default, used by tests.
	NewTransport func(source rtcpeer.Source) (Transport, error)
}

type PromptOptions struct {
	// Enhance controls server-side prompt enrichment; nil keeps the
	// provider default.
	Enhance *bool
}

// Client is one live editing session.
type Client struct {
	log  *slog.Logger
	opts Options

	emitter   *events.Emitter[Event]
	coord     *coordinator
	hc        *http.Client
	transport Transport
	collector *stats.Collector
	reporter  *telemetry.Reporter

	ws      *websocket.Conn
	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	sessionID    string
	disconnected bool

	readDone chan struct{}
}

// Connect validates capture parameters, dials the control channel, opens the
// peer transport, and returns a Client handle. The event stream is released
// only after the handle is returned, so transitions that happen during
// connection are replayed to the first subscriber.
func Connect(ctx context.Context, source rtcpeer.Source, opts Options) (*Client, error) {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.ServerURL == "" {
		opts.ServerURL = DefaultServerURL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	capture, err := validateCapture(opts.Model, opts.Capture)
	if err != nil {
		return nil, err
	}
	opts.Capture = capture

	// Resolve the initial image before any session traffic; a bad URL fails
	// the connect rather than a later ack.
	var initialImage *string
	if opts.Image != nil {
		data, err := resolveImage(ctx, opts.HTTPClient, opts.Image)
		if err != nil {
			return nil, err
		}
		initialImage = &data
	}

	c := &Client{
		log:      opts.Logger.With("model", opts.Model),
		opts:     opts,
		emitter:  events.NewEmitter[Event](),
		coord:    newCoordinator(),
		hc:       opts.HTTPClient,
		state:    StateIdle,
		readDone: make(chan struct{}),
	}

	if opts.NewTransport != nil {
		c.transport, err = opts.NewTransport(source)
	} else {
		c.transport, err = rtcpeer.New(rtcpeer.Config{Logger: c.log}, source)
	}
	if err != nil {
		c.emitter.Stop()
		return nil, fmt.Errorf("open peer transport: %w", err)
	}

	c.setState(StateConnecting)

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, c.controlURL(), nil)
	if err != nil {
		c.transport.Close()
		c.emitter.Stop()
		return nil, fmt.Errorf("dial control channel: %w", err)
	}
	c.ws = ws

	c.transport.OnLocalCandidate(func(cand protocol.Candidate) {
		candCopy := cand
		if err := c.send(protocol.Message{Type: protocol.TypeICECandidate, Candidate: &candCopy}); err != nil {
			c.log.Debug("candidate send failed", "err", err)
		}
	})
	c.transport.OnConnected(func() {
		c.onTransportConnected()
	})

	offer, err := c.transport.CreateOffer(ctx)
	if err != nil {
		c.teardownPartial()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := c.send(protocol.Message{Type: protocol.TypeOffer, SDP: offer}); err != nil {
		c.teardownPartial()
		return nil, fmt.Errorf("send offer: %w", err)
	}

	if err := c.sendInitialTarget(initialImage); err != nil {
		c.teardownPartial()
		return nil, err
	}

	c.collector = stats.NewCollector(c.transport, opts.StatsInterval, c.onSample)
	c.collector.Start()

	if opts.AnalyticsURL != "" {
		sink := &telemetry.HTTPSink{
			URL:       opts.AnalyticsURL,
			APIKey:    opts.AnalyticsKey,
			UserAgent: "liveedit-go/" + SDKVersion,
			Client:    c.hc,
		}
		c.reporter = telemetry.NewReporter(telemetry.Config{
			SessionID:   c.SessionID,
			SDKVersion:  SDKVersion,
			Model:       opts.Model,
			Integration: opts.Integration,
		}, sink, c.log)
		c.reporter.Start()
	}

	go c.readLoop()

	c.emitter.Release()
	return c, nil
}

func (c *Client) controlURL() string {
	q := url.Values{}
	q.Set("model", c.opts.Model)
	if c.opts.APIKey != "" {
		q.Set("api_key", c.opts.APIKey)
	}
	sep := "?"
	if u, err := url.Parse(c.opts.ServerURL); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return c.opts.ServerURL + sep + q.Encode()
}

func (c *Client) sendInitialTarget(image *string) error {
	switch {
	case image != nil:
		c.coord.track(kindImage)
		return c.send(protocol.Message{
			Type:          protocol.TypeSetImage,
			ImageData:     image,
			Prompt:        c.opts.Prompt,
			EnhancePrompt: c.opts.EnhancePrompt,
		})
	case c.opts.Prompt != "":
		c.coord.track(kindPrompt)
		return c.send(protocol.Message{
			Type:          protocol.TypePrompt,
			Prompt:        c.opts.Prompt,
			EnhancePrompt: c.opts.EnhancePrompt,
		})
	}
	return nil
}

// Events is the session event stream. Subscribe before doing anything else
// with the handle; buffered transitions replay to subscribers in order.
func (c *Client) Events() *events.Emitter[Event] {
	return c.emitter
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID is empty until the backend assigns one.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SetPrompt submits a prompt update. The handle resolves when the matching
// prompt_ack arrives; a negative ack resolves it as failed with the
// provider's error text.
func (c *Client) SetPrompt(text string, opts PromptOptions) *AckHandle {
	if text == "" {
		return failedHandle("empty prompt")
	}
	if c.isDisconnected() {
		return failedHandle(ErrDisconnected.Error())
	}

	h := c.coord.track(kindPrompt)
	if err := c.send(protocol.Message{
		Type:          protocol.TypePrompt,
		Prompt:        text,
		EnhancePrompt: opts.Enhance,
	}); err != nil {
		c.fail("control channel write failed: " + err.Error())
	}
	return h
}

// Set submits prompt and/or image as one atomic control message. Image and
// URL resolution errors are returned before anything is sent.
func (c *Client) Set(ctx context.Context, u Update) (*AckHandle, error) {
	if u.Image != nil && u.ClearImage {
		return nil, errors.New("update sets Image and ClearImage together")
	}
	if u.Image == nil && !u.ClearImage && u.Prompt == nil {
		return nil, errors.New("empty update")
	}

	var msg protocol.Message
	var kind ackKind
	switch {
	case u.Image != nil:
		data, err := resolveImage(ctx, c.hc, u.Image)
		if err != nil {
			return nil, err
		}
		msg = protocol.Message{Type: protocol.TypeSetImage, ImageData: &data, EnhancePrompt: u.EnhancePrompt}
		if u.Prompt != nil {
			msg.Prompt = *u.Prompt
		}
		kind = kindImage
	case u.ClearImage:
		msg = protocol.Message{Type: protocol.TypeSetImage, EnhancePrompt: u.EnhancePrompt}
		if u.Prompt != nil {
			msg.Prompt = *u.Prompt
		}
		kind = kindImage
	default:
		msg = protocol.Message{Type: protocol.TypePrompt, Prompt: *u.Prompt, EnhancePrompt: u.EnhancePrompt}
		kind = kindPrompt
	}

	if c.isDisconnected() {
		return failedHandle(ErrDisconnected.Error()), nil
	}
	h := c.coord.track(kind)
	if err := c.send(msg); err != nil {
		c.fail("control channel write failed: " + err.Error())
	}
	return h, nil
}

// SetMirror toggles horizontal mirroring of the outgoing capture, effective
// from the next frame.
func (c *Client) SetMirror(mirror bool) {
	c.transport.SetMirror(mirror)
}

// Disconnect tears the session down. It is idempotent and safe from any
// state; both timers are stopped before it returns.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	c.mu.Unlock()

	if c.collector != nil {
		c.collector.Stop()
	}
	if c.reporter != nil {
		c.reporter.Stop()
	}
	c.coord.failAll(ErrDisconnected.Error())

	if c.transport != nil {
		c.transport.Close()
	}
	if c.ws != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.ws.Close()
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.emitter.Emit(Event{Kind: EventConnectionChange, State: StateDisconnected})
	c.log.Info("session disconnected", "session_id", c.SessionID())
}

// teardownPartial cleans up a half-built session when Connect fails after
// the control channel opened.
func (c *Client) teardownPartial() {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
	c.transport.Close()
	c.ws.Close()
	c.emitter.Stop()
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.isDisconnected() {
				c.emitError("control channel closed: " + err.Error())
				go c.Disconnect()
			}
			return
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			c.log.Debug("ignoring unparsable control message", "err", err)
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeAnswer:
		if err := c.transport.ApplyAnswer(msg.SDP); err != nil {
			c.emitError("apply answer: " + err.Error())
		}

	case protocol.TypeICECandidate:
		if msg.Candidate == nil {
			return // end of candidates
		}
		if err := c.transport.AddRemoteCandidate(*msg.Candidate); err != nil {
			c.log.Debug("add remote candidate failed", "err", err)
		}

	case protocol.TypeICERestart:
		go c.restartICE(msg.TURNConfig)

	case protocol.TypeSessionID:
		c.mu.Lock()
		first := c.sessionID == ""
		c.sessionID = msg.SessionID
		c.mu.Unlock()
		if first {
			c.log.Info("session assigned", "session_id", msg.SessionID)
			c.addTelemetryEvent("session_assigned", msg.SessionID)
		}

	case protocol.TypePromptAck:
		c.resolveAck(kindPrompt, msg)

	case protocol.TypeSetImageAck:
		c.resolveAck(kindImage, msg)

	case protocol.TypeGenerationStarted:
		c.setState(StateGenerating)
		c.addTelemetryEvent("generation_started", "")

	case protocol.TypeGenerationTick:
		c.log.Debug("generation tick", "seconds", msg.Seconds)

	case protocol.TypeGenerationEnded:
		c.emitter.Emit(Event{
			Kind:    EventGenerationEnded,
			Reason:  msg.Reason,
			Seconds: msg.Seconds,
		})
		c.addTelemetryEvent("generation_ended", string(msg.Reason))
		c.demoteFromGenerating()

	case protocol.TypeError:
		c.emitError(*msg.Error)

	default:
		c.log.Debug("ignoring unexpected control message", "type", string(msg.Type))
	}
}

func (c *Client) resolveAck(kind ackKind, msg protocol.Message) {
	res := AckResult{Success: *msg.Success}
	if msg.Error != nil {
		res.Err = *msg.Error
	}
	if !c.coord.resolve(kind, res) {
		c.log.Debug("ack with no pending update", "type", string(msg.Type))
	}
}

func (c *Client) restartICE(turn *protocol.TURNConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
	defer cancel()

	sdp, err := c.transport.RestartICE(ctx, turn)
	if err != nil {
		c.emitError("ice restart: " + err.Error())
		return
	}
	if err := c.send(protocol.Message{Type: protocol.TypeOffer, SDP: sdp}); err != nil {
		c.fail("control channel write failed: " + err.Error())
	}
}

func (c *Client) onTransportConnected() {
	c.mu.Lock()
	// Don't regress a session the backend already moved to generating.
	advance := c.state == StateConnecting
	c.mu.Unlock()
	if advance {
		c.setState(StateConnected)
	}
}

func (c *Client) demoteFromGenerating() {
	c.mu.Lock()
	demote := c.state == StateGenerating
	c.mu.Unlock()
	if demote {
		c.setState(StateConnected)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.disconnected || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.emitter.Emit(Event{Kind: EventConnectionChange, State: s})
}

func (c *Client) onSample(s stats.Sample) {
	if c.reporter != nil {
		c.reporter.AddSample(s)
	}
	if c.opts.OnSample != nil {
		c.opts.OnSample(s)
	}
}

func (c *Client) addTelemetryEvent(name, detail string) {
	if c.reporter != nil {
		c.reporter.AddEvent(name, detail)
	}
}

func (c *Client) emitError(detail string) {
	c.emitter.Emit(Event{Kind: EventError, Detail: detail})
	c.addTelemetryEvent("error", detail)
}

// fail reports a fatal transport error and tears the session down.
func (c *Client) fail(detail string) {
	if c.isDisconnected() {
		return
	}
	c.emitError(detail)
	go c.Disconnect()
}

func (c *Client) send(msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func failedHandle(detail string) *AckHandle {
	h := newAckHandle()
	h.resolve(AckResult{Success: false, Err: detail})
	return h
}
