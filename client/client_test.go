package client

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/framepush/liveedit/protocol"
	"github.com/framepush/liveedit/rtcpeer"
	"github.com/framepush/liveedit/stats"
)

type fakeTransport struct {
	mu       sync.Mutex
	onCand   func(protocol.Candidate)
	onConn   func()
	answers  []string
	restarts []*protocol.TURNConfig
	mirror   bool
	closed   bool
}

func (f *fakeTransport) OnLocalCandidate(fn func(protocol.Candidate)) {
	f.mu.Lock()
	f.onCand = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnConnected(fn func()) {
	f.mu.Lock()
	f.onConn = fn
	f.mu.Unlock()
}

func (f *fakeTransport) CreateOffer(context.Context) (string, error) {
	return "v=0 fake-offer", nil
}

func (f *fakeTransport) ApplyAnswer(sdp string) error {
	f.mu.Lock()
	f.answers = append(f.answers, sdp)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) AddRemoteCandidate(protocol.Candidate) error { return nil }

func (f *fakeTransport) RestartICE(_ context.Context, turn *protocol.TURNConfig) (string, error) {
	f.mu.Lock()
	f.restarts = append(f.restarts, turn)
	f.mu.Unlock()
	return "v=0 restart-offer", nil
}

func (f *fakeTransport) SetMirror(m bool) {
	f.mu.Lock()
	f.mirror = m
	f.mu.Unlock()
}

func (f *fakeTransport) Counters() (stats.Counters, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return stats.Counters{}, !f.closed
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) connect() {
	f.mu.Lock()
	fn := f.onConn
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeTransport) answerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answers)
}

func (f *fakeTransport) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarts)
}

// fakeProvider speaks the backend side of the control protocol: it assigns a
// session id on connect, answers every offer, and lets tests inject further
// messages.
type fakeProvider struct {
	t    *testing.T
	ts   *httptest.Server
	msgs chan protocol.Message

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{t: t, msgs: make(chan protocol.Message, 32)}
	up := websocket.Upgrader{}
	p.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conn = ws
		p.mu.Unlock()

		p.send(protocol.Message{Type: protocol.TypeSessionID, SessionID: "sess-1"})

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Parse(data)
			if err != nil {
				continue
			}
			if msg.Type == protocol.TypeOffer {
				p.send(protocol.Message{Type: protocol.TypeAnswer, SDP: "v=0 fake-answer"})
			}
			p.msgs <- msg
		}
	}))
	t.Cleanup(p.ts.Close)
	return p
}

func (p *fakeProvider) url() string {
	return "ws" + strings.TrimPrefix(p.ts.URL, "http")
}

func (p *fakeProvider) send(msg protocol.Message) {
	data, err := msg.Encode()
	if err != nil {
		p.t.Errorf("provider encode: %v", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.WriteMessage(websocket.TextMessage, data)
	}
}

func (p *fakeProvider) waitFor(t *testing.T, typ protocol.Type) protocol.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-p.msgs:
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q message", typ)
		}
	}
}

func connectTestClient(t *testing.T, p *fakeProvider, mut func(*Options)) (*Client, *fakeTransport, chan Event) {
	t.Helper()
	ft := &fakeTransport{}
	opts := Options{
		ServerURL: p.url(),
		Model:     "studio-v1",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewTransport: func(rtcpeer.Source) (Transport, error) {
			return ft, nil
		},
	}
	if mut != nil {
		mut(&opts)
	}

	c, err := Connect(context.Background(), nil, opts)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Disconnect)

	evs := make(chan Event, 64)
	c.Events().Subscribe(func(e Event) { evs <- e })
	return c, ft, evs
}

func waitEvent(t *testing.T, evs chan Event, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-evs:
			if match(e) {
				return e
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func stateEvent(s State) func(Event) bool {
	return func(e Event) bool {
		return e.Kind == EventConnectionChange && e.State == s
	}
}

func TestConnectValidatesBeforeDialing(t *testing.T) {
	_, err := Connect(context.Background(), nil, Options{
		// Unroutable on purpose: validation must fail first.
		ServerURL: "ws://invalid.invalid",
		Model:     "studio-v1",
		Capture:   CaptureParams{FrameRate: 500},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err == nil {
		t.Fatal("expected capture validation error")
	}
	if !strings.Contains(err.Error(), "frame rate") {
		t.Fatalf("error %v is not a capture validation failure", err)
	}
}

func TestConnectNegotiatesAndReplaysBufferedEvents(t *testing.T) {
	p := newFakeProvider(t)
	c, ft, evs := connectTestClient(t, p, nil)

	// The connecting transition happened before Subscribe; the buffer
	// replays it.
	waitEvent(t, evs, stateEvent(StateConnecting))

	p.waitFor(t, protocol.TypeOffer)

	deadline := time.Now().Add(3 * time.Second)
	for ft.answerCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("answer never applied to transport")
		}
		time.Sleep(10 * time.Millisecond)
	}

	for time.Now().Before(deadline) && c.SessionID() == "" {
		time.Sleep(10 * time.Millisecond)
	}
	if got := c.SessionID(); got != "sess-1" {
		t.Fatalf("SessionID = %q, want sess-1", got)
	}

	ft.connect()
	waitEvent(t, evs, stateEvent(StateConnected))
	if got := c.State(); got != StateConnected {
		t.Fatalf("State = %q, want connected", got)
	}
}

func TestPromptAckResolvesHandle(t *testing.T) {
	p := newFakeProvider(t)
	c, _, _ := connectTestClient(t, p, nil)
	p.waitFor(t, protocol.TypeOffer)

	h := c.SetPrompt("neon city at dusk", PromptOptions{})
	got := p.waitFor(t, protocol.TypePrompt)
	if got.Prompt != "neon city at dusk" {
		t.Fatalf("provider saw prompt %q", got.Prompt)
	}

	ok := true
	p.send(protocol.Message{Type: protocol.TypePromptAck, Prompt: got.Prompt, Success: &ok})

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("handle never resolved")
	}
	res, resolved := h.Result()
	if !resolved || !res.Success {
		t.Fatalf("result = %+v resolved=%v, want success", res, resolved)
	}
}

func TestNegativeAckResolvesFailed(t *testing.T) {
	p := newFakeProvider(t)
	c, _, _ := connectTestClient(t, p, nil)
	p.waitFor(t, protocol.TypeOffer)

	h := c.SetPrompt("something off-policy", PromptOptions{})
	p.waitFor(t, protocol.TypePrompt)

	fail := false
	detail := "prompt rejected by moderation"
	p.send(protocol.Message{Type: protocol.TypePromptAck, Success: &fail, Error: &detail})

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("handle never resolved")
	}
	res, _ := h.Result()
	if res.Success {
		t.Fatal("negative ack resolved as success")
	}
	if res.Err != detail {
		t.Fatalf("err = %q, want provider text", res.Err)
	}
}

func TestAcksResolveFIFOAcrossKinds(t *testing.T) {
	p := newFakeProvider(t)
	c, _, _ := connectTestClient(t, p, nil)
	p.waitFor(t, protocol.TypeOffer)

	imgPrompt := "with reference"
	imgHandle, err := c.Set(context.Background(), Update{
		Prompt: &imgPrompt,
		Image:  &ImageInput{Bytes: []byte{1, 2, 3}},
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	promptHandle := c.SetPrompt("standalone prompt", PromptOptions{})

	p.waitFor(t, protocol.TypeSetImage)
	p.waitFor(t, protocol.TypePrompt)

	// Ack the image first, then the prompt; each must resolve its own
	// oldest pending update.
	ok := true
	p.send(protocol.Message{Type: protocol.TypeSetImageAck, Success: &ok})
	select {
	case <-imgHandle.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("image handle never resolved")
	}
	if _, resolved := promptHandle.Result(); resolved {
		t.Fatal("prompt handle resolved by image ack")
	}

	p.send(protocol.Message{Type: protocol.TypePromptAck, Success: &ok})
	select {
	case <-promptHandle.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("prompt handle never resolved")
	}
}

func TestSetWithImageSendsSingleMessage(t *testing.T) {
	p := newFakeProvider(t)
	c, _, _ := connectTestClient(t, p, nil)
	p.waitFor(t, protocol.TypeOffer)

	raw := []byte("reference image")
	prompt := "apply this style"
	if _, err := c.Set(context.Background(), Update{
		Prompt: &prompt,
		Image:  &ImageInput{Bytes: raw},
	}); err != nil {
		t.Fatalf("set: %v", err)
	}

	msg := p.waitFor(t, protocol.TypeSetImage)
	if msg.Prompt != prompt {
		t.Fatalf("prompt %q not carried in set_image", msg.Prompt)
	}
	if msg.ImageData == nil || *msg.ImageData != base64.StdEncoding.EncodeToString(raw) {
		t.Fatal("image data missing or wrong")
	}
}

func TestInitialEditTargetSentAtConnect(t *testing.T) {
	p := newFakeProvider(t)
	_, _, _ = connectTestClient(t, p, func(o *Options) {
		o.Prompt = "opening prompt"
	})

	p.waitFor(t, protocol.TypeOffer)
	msg := p.waitFor(t, protocol.TypePrompt)
	if msg.Prompt != "opening prompt" {
		t.Fatalf("initial prompt = %q", msg.Prompt)
	}
}

func TestGenerationLifecycle(t *testing.T) {
	p := newFakeProvider(t)
	c, ft, evs := connectTestClient(t, p, nil)
	p.waitFor(t, protocol.TypeOffer)

	ft.connect()
	waitEvent(t, evs, stateEvent(StateConnected))

	p.send(protocol.Message{Type: protocol.TypeGenerationStarted})
	waitEvent(t, evs, stateEvent(StateGenerating))

	p.send(protocol.Message{
		Type:    protocol.TypeGenerationEnded,
		Reason:  protocol.ReasonTimeout,
		Seconds: 12.5,
	})
	ended := waitEvent(t, evs, func(e Event) bool { return e.Kind == EventGenerationEnded })
	if ended.Reason != protocol.ReasonTimeout || ended.Seconds != 12.5 {
		t.Fatalf("generation ended event = %+v", ended)
	}
	waitEvent(t, evs, stateEvent(StateConnected))
	_ = c
}

func TestICERestartTriggersNewOffer(t *testing.T) {
	p := newFakeProvider(t)
	_, ft, _ := connectTestClient(t, p, nil)
	p.waitFor(t, protocol.TypeOffer)

	p.send(protocol.Message{
		Type: protocol.TypeICERestart,
		TURNConfig: &protocol.TURNConfig{
			Username:   "u",
			Credential: "c",
			ServerURL:  "turn:turn.framepush.ai:3478",
		},
	})

	second := p.waitFor(t, protocol.TypeOffer)
	if second.SDP != "v=0 restart-offer" {
		t.Fatalf("restart offer SDP = %q", second.SDP)
	}
	if ft.restartCount() != 1 {
		t.Fatalf("restart count = %d, want 1", ft.restartCount())
	}
}

func TestErrorMessageIsSideEvent(t *testing.T) {
	p := newFakeProvider(t)
	c, ft, evs := connectTestClient(t, p, nil)
	p.waitFor(t, protocol.TypeOffer)
	ft.connect()
	waitEvent(t, evs, stateEvent(StateConnected))

	detail := "backend hiccup"
	p.send(protocol.Message{Type: protocol.TypeError, Error: &detail})

	e := waitEvent(t, evs, func(e Event) bool { return e.Kind == EventError })
	if e.Detail != detail {
		t.Fatalf("error detail = %q", e.Detail)
	}
	// Errors do not change the session state by themselves.
	if got := c.State(); got != StateConnected {
		t.Fatalf("State = %q after error event, want connected", got)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	p := newFakeProvider(t)
	c, ft, evs := connectTestClient(t, p, nil)
	p.waitFor(t, protocol.TypeOffer)

	h := c.SetPrompt("never acked", PromptOptions{})
	p.waitFor(t, protocol.TypePrompt)

	c.Disconnect()
	c.Disconnect()

	waitEvent(t, evs, stateEvent(StateDisconnected))
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("State = %q, want disconnected", got)
	}

	// Exactly one disconnected transition.
	settle := time.After(300 * time.Millisecond)
drain:
	for {
		select {
		case e := <-evs:
			if e.Kind == EventConnectionChange && e.State == StateDisconnected {
				t.Fatal("duplicate disconnected event")
			}
		case <-settle:
			break drain
		}
	}

	ft.mu.Lock()
	closed := ft.closed
	ft.mu.Unlock()
	if !closed {
		t.Fatal("transport not closed")
	}
	res, resolved := h.Result()
	if !resolved || res.Success {
		t.Fatalf("pending handle = %+v resolved=%v, want failed", res, resolved)
	}

	if got := c.SetPrompt("after disconnect", PromptOptions{}); got != nil {
		if res, ok := got.Result(); !ok || res.Success {
			t.Fatalf("post-disconnect prompt = %+v ok=%v, want resolved failed", res, ok)
		}
	}
}

func TestSetMirrorDelegates(t *testing.T) {
	p := newFakeProvider(t)
	c, ft, _ := connectTestClient(t, p, nil)
	p.waitFor(t, protocol.TypeOffer)

	c.SetMirror(true)
	ft.mu.Lock()
	mirrored := ft.mirror
	ft.mu.Unlock()
	if !mirrored {
		t.Fatal("mirror not applied")
	}
}
