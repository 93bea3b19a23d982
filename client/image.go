package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxImageFetchBytes bounds URL-referenced images so a bad link cannot
// exhaust memory before the base64 encode.
const maxImageFetchBytes = 32 << 20

// ImageInput is a reference image in any accepted form. Exactly one field
// may be set.
type ImageInput struct {
	Bytes  []byte
	Base64 string
	URL    string
}

// Update is a combined edit-target change submitted as one control message,
// so prompt and image apply without a visible two-step edit.
type Update struct {
	Prompt        *string
	EnhancePrompt *bool
	Image         *ImageInput
	// ClearImage removes the reference image. Mutually exclusive with Image.
	ClearImage bool
}

// resolveImage converts any accepted image form to base64 wire text. URL
// inputs are fetched with the session's HTTP client before anything is sent
// on the control channel.
func resolveImage(ctx context.Context, hc *http.Client, in *ImageInput) (string, error) {
	set := 0
	if len(in.Bytes) > 0 {
		set++
	}
	if in.Base64 != "" {
		set++
	}
	if in.URL != "" {
		set++
	}
	if set != 1 {
		return "", errors.New("image input must set exactly one of Bytes, Base64, URL")
	}

	switch {
	case len(in.Bytes) > 0:
		return base64.StdEncoding.EncodeToString(in.Bytes), nil
	case in.Base64 != "":
		if _, err := base64.StdEncoding.DecodeString(in.Base64); err != nil {
			return "", fmt.Errorf("invalid base64 image: %w", err)
		}
		return in.Base64, nil
	default:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
		if err != nil {
			return "", fmt.Errorf("build image request: %w", err)
		}
		resp, err := hc.Do(req)
		if err != nil {
			return "", fmt.Errorf("fetch image: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return "", fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageFetchBytes+1))
		if err != nil {
			return "", fmt.Errorf("read image body: %w", err)
		}
		if len(data) > maxImageFetchBytes {
			return "", fmt.Errorf("image exceeds %d bytes", maxImageFetchBytes)
		}
		return base64.StdEncoding.EncodeToString(data), nil
	}
}
