package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvAPIKey             = "LIVEEDIT_API_KEY"
	EnvUpstreamURL        = "LIVEEDIT_UPSTREAM_URL"
	EnvListenAddr         = "LIVEEDIT_RELAY_LISTEN_ADDR"
	EnvLogFormat          = "LIVEEDIT_RELAY_LOG_FORMAT"
	EnvLogLevel           = "LIVEEDIT_RELAY_LOG_LEVEL"
	EnvShutdownTimeout    = "LIVEEDIT_RELAY_SHUTDOWN_TIMEOUT"
	EnvMaxSessions        = "LIVEEDIT_RELAY_MAX_SESSIONS"
	EnvMaxPendingMessages = "LIVEEDIT_RELAY_MAX_PENDING_MESSAGES"
	EnvMaxMessagesPerSec  = "LIVEEDIT_RELAY_MAX_MESSAGES_PER_SECOND"
	EnvAllowedOrigins     = "LIVEEDIT_RELAY_ALLOWED_ORIGINS"
)

const (
	// DefaultUpstreamURL is the provider endpoint the relay bridges to.
	DefaultUpstreamURL = "wss://api.framepush.ai"

	DefaultListenAddr         = ":8787"
	DefaultShutdownTimeout    = 15 * time.Second
	DefaultMaxSessions        = 256
	DefaultMaxPendingMessages = 512
	DefaultMaxMessagesPerSec  = 50

	// DefaultModel is used when the caller omits the model query parameter.
	// Unknown models are passed through to the backend unvalidated.
	DefaultModel = "studio-v1"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	// APIKey is the server-held provider credential. Any credential presented
	// by a caller is ignored; this is the only one ever sent upstream.
	APIKey string

	UpstreamURL string
	ListenAddr  string

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout    time.Duration
	MaxSessions        int
	MaxPendingMessages int
	MaxMessagesPerSec  int

	// AllowedOrigins restricts browser callers on the session endpoint.
	// Each entry is "*" or an origin of the form scheme://host[:port].
	// Empty falls back to same-host only. Requests without an Origin
	// header (native SDK clients) are always allowed.
	AllowedOrigins []string
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	apiKey := envOrDefault(lookup, EnvAPIKey, "")
	upstreamURL := envOrDefault(lookup, EnvUpstreamURL, DefaultUpstreamURL)
	listenAddr := envOrDefault(lookup, EnvListenAddr, DefaultListenAddr)
	logFormatStr := envOrDefault(lookup, EnvLogFormat, string(LogFormatText))
	logLevelStr := envOrDefault(lookup, EnvLogLevel, "info")

	shutdownTimeout := DefaultShutdownTimeout
	if raw, ok := lookup(EnvShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	maxSessions, err := envIntOrDefault(lookup, EnvMaxSessions, DefaultMaxSessions)
	if err != nil {
		return Config{}, err
	}
	maxPending, err := envIntOrDefault(lookup, EnvMaxPendingMessages, DefaultMaxPendingMessages)
	if err != nil {
		return Config{}, err
	}
	maxMsgsPerSec, err := envIntOrDefault(lookup, EnvMaxMessagesPerSec, DefaultMaxMessagesPerSec)
	if err != nil {
		return Config{}, err
	}

	var allowedOrigins []string
	if raw, ok := lookup(EnvAllowedOrigins); ok {
		for _, entry := range strings.Split(raw, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				allowedOrigins = append(allowedOrigins, entry)
			}
		}
	}

	fs := flag.NewFlagSet("liveedit-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&upstreamURL, "upstream-url", upstreamURL, "Provider websocket base URL (env "+EnvUpstreamURL+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("missing provider credential: set %s", EnvAPIKey)
	}

	u, err := url.Parse(upstreamURL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", EnvUpstreamURL, upstreamURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return Config{}, fmt.Errorf("invalid %s %q: scheme must be ws or wss", EnvUpstreamURL, upstreamURL)
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	return Config{
		APIKey:             apiKey,
		UpstreamURL:        strings.TrimRight(upstreamURL, "/"),
		ListenAddr:         listenAddr,
		LogFormat:          logFormat,
		LogLevel:           logLevel,
		ShutdownTimeout:    shutdownTimeout,
		MaxSessions:        maxSessions,
		MaxPendingMessages: maxPending,
		MaxMessagesPerSec:  maxMsgsPerSec,
		AllowedOrigins:     allowedOrigins,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
