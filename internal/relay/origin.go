package relay

import (
	"net/http"
	"net/url"
	"strings"
)

// originAllowed decides whether a websocket upgrade may proceed based on the
// request's Origin header. An absent Origin (non-browser client) is always
// accepted. With a configured allowlist, the normalized origin must match an
// entry or "*"; otherwise only same-host origins pass, which keeps a bare
// deployment safe from cross-site websocket hijacking without any config.
func originAllowed(r *http.Request, allowed []string) bool {
	raw := strings.TrimSpace(r.Header.Get("Origin"))
	if raw == "" {
		return true
	}

	norm, host, ok := normalizeOrigin(raw)
	if !ok {
		return false
	}

	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == norm {
				return true
			}
		}
		return false
	}

	// Scheme is intentionally not compared against the request: behind a
	// TLS-terminating proxy the relay sees http while the browser origin
	// is https.
	return host == strings.ToLower(stripDefaultPort(r.Host))
}

// normalizeOrigin parses an Origin header into scheme://host[:port] with a
// lowercased host and default ports removed.
func normalizeOrigin(raw string) (origin, host string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", "", false
	}

	h := strings.ToLower(u.Host)
	if scheme == "http" {
		h = strings.TrimSuffix(h, ":80")
	} else {
		h = strings.TrimSuffix(h, ":443")
	}
	return scheme + "://" + h, h, true
}

func stripDefaultPort(host string) string {
	host = strings.TrimSuffix(host, ":80")
	return strings.TrimSuffix(host, ":443")
}
