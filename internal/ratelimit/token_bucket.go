package ratelimit

import (
	"sync"
	"time"
)

const nanoTokensPerToken int64 = int64(time.Second) // 1e9

// TokenBucket is a deterministic token bucket refilling at an integer rate
// (tokens/sec) read from a Clock.
//
// Fixed-point "nano-tokens" avoid float rounding: one token is 1e9
// nano-tokens, so a rate of X tokens/sec adds X nano-tokens per nanosecond.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacityNano int64
	fillRate     int64 // tokens/sec

	availableNano int64
	last          time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	capacityNano := capacityTokens * nanoTokensPerToken
	return &TokenBucket{
		clock:         clock,
		capacityNano:  capacityNano,
		fillRate:      fillRate,
		availableNano: capacityNano,
		last:          clock.Now(),
	}
}

// Allow consumes the given number of tokens if available. tokens <= 0 always
// succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := tokens * nanoTokensPerToken

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.availableNano < cost {
		return false
	}
	b.availableNano -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.fillRate <= 0 {
		return
	}

	need := b.capacityNano - b.availableNano
	if need <= 0 {
		return
	}
	// fillRate tokens/sec equals fillRate nano-tokens/ns. Clamp to capacity
	// before multiplying to avoid overflow on long idle gaps.
	if elapsed >= need/b.fillRate+1 {
		b.availableNano = b.capacityNano
		return
	}
	b.availableNano += elapsed * b.fillRate
	if b.availableNano > b.capacityNano {
		b.availableNano = b.capacityNano
	}
}
