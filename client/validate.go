package client

import (
	"errors"
	"fmt"
)

// ErrInvalidCapture wraps every capture-parameter validation failure.
var ErrInvalidCapture = errors.New("invalid capture parameters")

// CaptureParams describe the local capture feeding the session. Zero values
// take the model's defaults.
type CaptureParams struct {
	FrameRate int
	Width     int
	Height    int
}

type captureBounds struct {
	minFPS, maxFPS int
	minDim, maxDim int

	defaultFPS    int
	defaultWidth  int
	defaultHeight int
}

// permissiveBounds applies to models this SDK release does not know about;
// the backend does its own validation for those.
var permissiveBounds = captureBounds{
	minFPS: 1, maxFPS: 60,
	minDim: 16, maxDim: 4096,
	defaultFPS: 30, defaultWidth: 1280, defaultHeight: 720,
}

var modelBounds = map[string]captureBounds{
	"studio-v1": {
		minFPS: 1, maxFPS: 60,
		minDim: 16, maxDim: 4096,
		defaultFPS: 30, defaultWidth: 1280, defaultHeight: 720,
	},
	"studio-turbo": {
		minFPS: 15, maxFPS: 60,
		minDim: 128, maxDim: 1920,
		defaultFPS: 30, defaultWidth: 960, defaultHeight: 540,
	},
}

// validateCapture applies model defaults to zero fields and checks bounds.
// Dimensions must be even; most encoders reject odd sizes.
func validateCapture(model string, p CaptureParams) (CaptureParams, error) {
	b, ok := modelBounds[model]
	if !ok {
		b = permissiveBounds
	}

	if p.FrameRate == 0 {
		p.FrameRate = b.defaultFPS
	}
	if p.Width == 0 {
		p.Width = b.defaultWidth
	}
	if p.Height == 0 {
		p.Height = b.defaultHeight
	}

	if p.FrameRate < b.minFPS || p.FrameRate > b.maxFPS {
		return p, fmt.Errorf("%w: frame rate %d outside [%d, %d] for model %q",
			ErrInvalidCapture, p.FrameRate, b.minFPS, b.maxFPS, model)
	}
	for _, d := range []struct {
		name string
		v    int
	}{{"width", p.Width}, {"height", p.Height}} {
		if d.v < b.minDim || d.v > b.maxDim {
			return p, fmt.Errorf("%w: %s %d outside [%d, %d] for model %q",
				ErrInvalidCapture, d.name, d.v, b.minDim, b.maxDim, model)
		}
		if d.v%2 != 0 {
			return p, fmt.Errorf("%w: %s %d must be even", ErrInvalidCapture, d.name, d.v)
		}
	}
	return p, nil
}
