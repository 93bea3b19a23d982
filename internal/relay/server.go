package relay

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/framepush/liveedit/internal/config"
	"github.com/framepush/liveedit/internal/metrics"
	"github.com/framepush/liveedit/internal/ratelimit"
)

// upstreamPath is the provider's signaling endpoint, relative to the
// configured upstream base URL.
const upstreamPath = "/v1/stream"

// Server accepts caller websocket upgrades and runs one bridge per
// connection. Sessions are fully independent; the only state shared across
// them is the credential, the session gate, and the metrics registry.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	gate     *ratelimit.Gate
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		gate:    ratelimit.NewGate(cfg.MaxSessions),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r, cfg.AllowedOrigins)
			},
		},
	}
}

func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model == "" {
		model = config.DefaultModel
	}

	if !s.gate.TryAcquire() {
		s.metrics.Inc(metrics.SessionRejected)
		http.Error(w, "too many sessions", http.StatusServiceUnavailable)
		return
	}
	defer s.gate.Release()

	caller, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	// Internal id for log correlation until the backend assigns one.
	logID := uuid.NewString()
	log := s.log.With("bridge_id", logID, "model", model)

	var limiter *ratelimit.TokenBucket
	if s.cfg.MaxMessagesPerSec > 0 {
		limiter = ratelimit.NewTokenBucket(nil, int64(s.cfg.MaxMessagesPerSec), int64(s.cfg.MaxMessagesPerSec))
	}

	b := newBridge(bridgeConfig{
		Caller:      caller,
		UpstreamURL: s.upstreamURL(model),
		MaxPending:  s.cfg.MaxPendingMessages,
		Limiter:     limiter,
		Log:         log,
		Metrics:     s.metrics,
	})

	s.metrics.Inc(metrics.SessionStarted)
	log.Info("session started", "remote_addr", r.RemoteAddr)
	b.Run()
	s.metrics.Inc(metrics.SessionEnded)
	log.Info("session ended", "session_id", b.SessionID())
}

// upstreamURL builds the provider dial URL. Only the model parameter is
// carried over from the caller; any credential the caller supplied is
// discarded in favor of the server-held one.
func (s *Server) upstreamURL(model string) string {
	u, err := url.Parse(s.cfg.UpstreamURL)
	if err != nil {
		// Config validation rejects unparsable upstream URLs at startup.
		return s.cfg.UpstreamURL
	}
	u.Path = upstreamPath
	q := url.Values{}
	q.Set("model", model)
	q.Set("api_key", s.cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String()
}
