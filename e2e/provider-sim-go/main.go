// provider-sim-go is a stand-in provider backend for manual end-to-end runs:
// point a relay's LIVEEDIT_UPSTREAM_URL (or a client's ServerURL) at it and
// it speaks the provider side of the control protocol: assigns a session id,
// answers offers with a canned SDP, acks prompt/image updates, and plays a
// short generation lifecycle after the first prompt.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/framepush/liveedit/internal/turncred"
	"github.com/framepush/liveedit/protocol"
)

const cannedAnswerSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=provider-sim\r\nt=0 0\r\n"

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 9900)

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// With TURN_SECRET set, the sim exercises the ICE restart path: after a
	// generation run it sends ice-restart with coturn-style REST credentials.
	var minter *turncred.Minter
	if secret := os.Getenv("TURN_SECRET"); secret != "" {
		var err error
		minter, err = turncred.New(turncred.Config{
			SharedSecret: secret,
			TTL:          time.Hour,
			Realm:        envOrDefault("TURN_REALM", "framepush"),
			ServerURL:    envOrDefault("TURN_SERVER_URL", "turn:127.0.0.1:3478"),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "turn credentials: %v\n", err)
			os.Exit(2)
		}
	}

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}
	log.Info("provider-sim listening", "addr", ln.Addr().String())

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /v1/stream", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		id := uuid.NewString()
		s := &session{
			id:     id,
			ws:     ws,
			log:    log.With("session_id", id, "model", r.URL.Query().Get("model")),
			start:  time.Now(),
			minter: minter,
		}
		s.run()
	})

	if err := http.Serve(ln, mux); err != nil {
		log.Error("serve failed", "err", err)
		os.Exit(1)
	}
}

type session struct {
	id     string
	ws     *websocket.Conn
	log    *slog.Logger
	start  time.Time
	minter *turncred.Minter

	writeMu    sync.Mutex
	generating bool
}

func (s *session) run() {
	defer s.ws.Close()

	s.send(protocol.Message{
		Type:       protocol.TypeSessionID,
		SessionID:  s.id,
		ServerIP:   "127.0.0.1",
		ServerPort: 9901,
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			s.log.Info("session closed", "err", err)
			return
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			s.log.Warn("unparsable message", "err", err)
			continue
		}
		s.handle(msg)
	}
}

func (s *session) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeOffer:
		s.log.Info("offer received", "sdp_bytes", len(msg.SDP))
		s.send(protocol.Message{Type: protocol.TypeAnswer, SDP: cannedAnswerSDP})

	case protocol.TypeICECandidate:
		// Candidates are accepted and dropped; there is no real media path.

	case protocol.TypePrompt:
		s.log.Info("prompt received", "prompt", msg.Prompt)
		ok := true
		s.send(protocol.Message{Type: protocol.TypePromptAck, Prompt: msg.Prompt, Success: &ok})
		s.beginGeneration()

	case protocol.TypeSetImage:
		hasImage := msg.ImageData != nil
		s.log.Info("set_image received", "has_image", hasImage, "prompt", msg.Prompt)
		ok := true
		s.send(protocol.Message{Type: protocol.TypeSetImageAck, Success: &ok})
		s.beginGeneration()

	default:
		s.log.Info("ignoring message", "type", string(msg.Type))
	}
}

// beginGeneration plays generation_started, a few ticks, and
// generation_ended, once per session.
func (s *session) beginGeneration() {
	s.writeMu.Lock()
	started := s.generating
	s.generating = true
	s.writeMu.Unlock()
	if started {
		return
	}

	go func() {
		s.send(protocol.Message{Type: protocol.TypeGenerationStarted})
		for i := 1; i <= 3; i++ {
			time.Sleep(time.Second)
			s.send(protocol.Message{Type: protocol.TypeGenerationTick, Seconds: float64(i)})
		}
		s.send(protocol.Message{
			Type:    protocol.TypeGenerationEnded,
			Seconds: 3,
			Reason:  protocol.ReasonTimeout,
		})
		s.maybeRestartICE()
	}()
}

// maybeRestartICE sends an ice-restart with freshly minted TURN
// credentials, mimicking a provider migrating the session to a new
// media host after a generation run.
func (s *session) maybeRestartICE() {
	if s.minter == nil {
		return
	}
	turn, err := s.minter.Mint(s.id)
	if err != nil {
		s.log.Error("mint TURN credentials failed", "err", err)
		return
	}
	s.log.Info("requesting ICE restart", "turn_username", turn.Username)
	s.send(protocol.Message{Type: protocol.TypeICERestart, TURNConfig: &turn})
}

func (s *session) send(msg protocol.Message) {
	data, err := msg.Encode()
	if err != nil {
		s.log.Error("encode failed", "type", string(msg.Type), "err", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Warn("write failed", "err", err)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q\n", key, v)
		os.Exit(2)
	}
	return n
}
