// Package ratelimit provides the small enforcement primitives used by the
// relay: a deterministic token bucket for per-connection message rates and a
// gate bounding concurrent bridged sessions.
package ratelimit

import "time"

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}
