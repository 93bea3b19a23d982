package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPSink POSTs reports as JSON to an analytics endpoint.
type HTTPSink struct {
	URL    string
	APIKey string

	// UserAgent identifies the SDK, e.g. "liveedit-go/0.4.1". When the report
	// carries an integration tag it is appended as " integration/<name>".
	UserAgent string

	Client *http.Client
}

func (s *HTTPSink) Send(ctx context.Context, r Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("telemetry: encode report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telemetry: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}
	ua := s.UserAgent
	if ua == "" {
		ua = "liveedit-go"
	}
	if r.Integration != "" {
		ua += " integration/" + r.Integration
	}
	req.Header.Set("User-Agent", ua)

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("telemetry: post report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("telemetry: analytics endpoint returned %d", resp.StatusCode)
	}
	return nil
}
