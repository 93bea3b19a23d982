package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		EnvAPIKey: "sk-test",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIKey != "sk-test" {
		t.Fatalf("APIKey=%q, want sk-test", cfg.APIKey)
	}
	if cfg.UpstreamURL != DefaultUpstreamURL {
		t.Fatalf("UpstreamURL=%q, want %q", cfg.UpstreamURL, DefaultUpstreamURL)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("LogFormat=%q, want text", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel=%v, want info", cfg.LogLevel)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("ShutdownTimeout=%v, want %v", cfg.ShutdownTimeout, DefaultShutdownTimeout)
	}
	if cfg.MaxSessions != DefaultMaxSessions {
		t.Fatalf("MaxSessions=%d, want %d", cfg.MaxSessions, DefaultMaxSessions)
	}
	if cfg.MaxPendingMessages != DefaultMaxPendingMessages {
		t.Fatalf("MaxPendingMessages=%d, want %d", cfg.MaxPendingMessages, DefaultMaxPendingMessages)
	}
}

func TestMissingAPIKeyIsError(t *testing.T) {
	_, err := load(lookupMap(nil), nil)
	if err == nil {
		t.Fatalf("load succeeded without credential")
	}
	if !strings.Contains(err.Error(), EnvAPIKey) {
		t.Fatalf("error %q does not name %s", err, EnvAPIKey)
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		EnvAPIKey:             "sk-test",
		EnvUpstreamURL:        "ws://localhost:9000/",
		EnvListenAddr:         ":9999",
		EnvLogFormat:          "json",
		EnvLogLevel:           "debug",
		EnvShutdownTimeout:    "3s",
		EnvMaxSessions:        "7",
		EnvMaxPendingMessages: "64",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.UpstreamURL != "ws://localhost:9000" {
		t.Fatalf("UpstreamURL=%q, want trailing slash trimmed", cfg.UpstreamURL)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("ListenAddr=%q", cfg.ListenAddr)
	}
	if cfg.LogFormat != LogFormatJSON || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("log config=%q/%v", cfg.LogFormat, cfg.LogLevel)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("ShutdownTimeout=%v", cfg.ShutdownTimeout)
	}
	if cfg.MaxSessions != 7 || cfg.MaxPendingMessages != 64 {
		t.Fatalf("limits=%d/%d", cfg.MaxSessions, cfg.MaxPendingMessages)
	}
}

func TestAllowedOriginsParsing(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		EnvAPIKey:         "sk-test",
		EnvAllowedOrigins: "https://app.framepush.ai, https://staging.framepush.ai,,",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://app.framepush.ai", "https://staging.framepush.ai"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins=%v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Fatalf("AllowedOrigins[%d]=%q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		EnvAPIKey:     "sk-test",
		EnvListenAddr: ":1111",
	}), []string{"--listen-addr", ":2222", "--log-format", "json"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":2222" {
		t.Fatalf("ListenAddr=%q, want flag value", cfg.ListenAddr)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("LogFormat=%q, want json", cfg.LogFormat)
	}
}

func TestInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"bad upstream scheme", map[string]string{EnvAPIKey: "k", EnvUpstreamURL: "https://api.example.com"}},
		{"bad shutdown timeout", map[string]string{EnvAPIKey: "k", EnvShutdownTimeout: "soon"}},
		{"bad max sessions", map[string]string{EnvAPIKey: "k", EnvMaxSessions: "many"}},
		{"bad log format", map[string]string{EnvAPIKey: "k", EnvLogFormat: "xml"}},
		{"bad log level", map[string]string{EnvAPIKey: "k", EnvLogLevel: "loud"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := load(lookupMap(tc.env), nil); err == nil {
				t.Fatalf("load succeeded, want error")
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []LogFormat{LogFormatText, LogFormatJSON} {
		cfg := Config{LogFormat: format, LogLevel: slog.LevelInfo}
		logger, err := NewLogger(cfg)
		if err != nil {
			t.Fatalf("NewLogger(%s): %v", format, err)
		}
		if logger == nil {
			t.Fatalf("NewLogger(%s) returned nil", format)
		}
	}
	if _, err := NewLogger(Config{LogFormat: "yaml"}); err == nil {
		t.Fatalf("NewLogger accepted bogus format")
	}
}
