package turncred

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/framepush/liveedit/protocol"
)

// This package mints coturn-compatible TURN REST credentials for ICE
// restarts. The provider hands a fresh credential to the client inside
// an ice-restart message so the restarted gathering round can allocate
// on the TURN fleet without a long-lived shared password.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm (coturn-compatible):
//
//	username   = <unix_expiry_timestamp>:<realm>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed using the server clock in UTC:
//
//	unix_expiry_timestamp = now_utc_unix + ttl_seconds
type Minter struct {
	sharedSecret []byte
	ttl          time.Duration
	realm        string
	serverURL    string
	now          func() time.Time
}

type Config struct {
	// SharedSecret is coturn's static-auth-secret.
	SharedSecret string
	// TTL bounds how long a minted credential stays valid.
	TTL time.Duration
	// Realm is embedded in the username so coturn logs can attribute
	// allocations. Must not contain ':'.
	Realm string
	// ServerURL is the turn: or turns: URL handed to clients.
	ServerURL string
	// Now overrides the clock in tests.
	Now func() time.Time
}

func New(cfg Config) (*Minter, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("TTL must be > 0")
	}
	if cfg.Realm == "" {
		return nil, errors.New("realm is required")
	}
	if strings.ContainsRune(cfg.Realm, ':') {
		return nil, errors.New("realm must not contain ':'")
	}
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Minter{
		sharedSecret: []byte(cfg.SharedSecret),
		ttl:          cfg.TTL,
		realm:        cfg.Realm,
		serverURL:    cfg.ServerURL,
		now:          cfg.Now,
	}, nil
}

// Mint returns a credential scoped to sessionID and valid for the
// configured TTL from now.
func (m *Minter) Mint(sessionID string) (protocol.TURNConfig, error) {
	if sessionID == "" {
		return protocol.TURNConfig{}, errors.New("session id is required")
	}
	if strings.ContainsRune(sessionID, ':') {
		return protocol.TURNConfig{}, errors.New("session id must not contain ':'")
	}
	expiry := m.now().UTC().Unix() + int64(m.ttl/time.Second)
	username := fmt.Sprintf("%d:%s:%s", expiry, m.realm, sessionID)
	return protocol.TURNConfig{
		Username:   username,
		Credential: sign(m.sharedSecret, username),
		ServerURL:  m.serverURL,
	}, nil
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
