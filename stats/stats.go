// Package stats samples transport-layer counters from the active peer
// transport and derives per-interval rates and deltas.
package stats

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	DefaultInterval = 1000 * time.Millisecond
	MinInterval     = 500 * time.Millisecond
)

// Counters is a point-in-time snapshot of cumulative transport counters.
// Values only ever grow on a healthy transport; the collector guards against
// resets by clamping derived deltas at zero.
type Counters struct {
	InboundVideoBytes  uint64
	InboundAudioBytes  uint64
	OutboundVideoBytes uint64

	ConnectionBytesReceived uint64
	ConnectionBytesSent     uint64

	PacketsLost           int64
	FramesDropped         uint64
	FreezeCount           uint64
	FreezeDurationSeconds float64
}

// Source exposes the transport's counters. ok is false once the transport is
// gone; the collector then stops silently.
type Source interface {
	Counters() (Counters, bool)
}

// Sample is one derived measurement. Bitrates are bits/sec over the elapsed
// interval, rounded to the nearest integer; deltas are non-negative.
type Sample struct {
	At      time.Time
	Elapsed time.Duration

	Counters Counters

	InboundVideoBitrate  int64
	InboundAudioBitrate  int64
	OutboundVideoBitrate int64

	PacketsLostDelta    int64
	FramesDroppedDelta  uint64
	FreezeCountDelta    uint64
	FreezeDurationDelta float64
}

// Collector polls a Source on a fixed interval and hands each derived Sample
// to the callback. The first sample has no baseline and reports zero rates
// and deltas.
type Collector struct {
	src      Source
	interval time.Duration
	onSample func(Sample)

	now func() time.Time

	mu      sync.Mutex
	prev    *Counters
	prevAt  time.Time
	cancel  context.CancelFunc
	stopped bool
	done    chan struct{}
}

func NewCollector(src Source, interval time.Duration, onSample func(Sample)) *Collector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	return &Collector{
		src:      src,
		interval: interval,
		onSample: onSample,
		now:      time.Now,
	}
}

// Start begins polling. It may be called at most once.
func (c *Collector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	if c.stopped || c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(ctx, done)
}

func (c *Collector) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counters, ok := c.src.Counters()
			if !ok {
				// Transport went away mid-poll; nothing to surface.
				return
			}
			c.onSample(c.derive(counters))
		}
	}
}

// Poll takes a single sample immediately. Exposed for deterministic tests
// and for a final sample on teardown; ok is false when the source is gone.
func (c *Collector) Poll() (Sample, bool) {
	counters, ok := c.src.Counters()
	if !ok {
		return Sample{}, false
	}
	return c.derive(counters), true
}

func (c *Collector) derive(cur Counters) Sample {
	now := c.now()

	c.mu.Lock()
	prev := c.prev
	prevAt := c.prevAt
	c.prev = &cur
	c.prevAt = now
	c.mu.Unlock()

	s := Sample{At: now, Counters: cur}
	if prev == nil {
		return s
	}

	s.Elapsed = now.Sub(prevAt)
	elapsedSec := s.Elapsed.Seconds()
	if elapsedSec <= 0 {
		return s
	}

	s.InboundVideoBitrate = bitrate(cur.InboundVideoBytes, prev.InboundVideoBytes, elapsedSec)
	s.InboundAudioBitrate = bitrate(cur.InboundAudioBytes, prev.InboundAudioBytes, elapsedSec)
	s.OutboundVideoBitrate = bitrate(cur.OutboundVideoBytes, prev.OutboundVideoBytes, elapsedSec)

	s.PacketsLostDelta = clampInt64(cur.PacketsLost - prev.PacketsLost)
	s.FramesDroppedDelta = clampUint64(cur.FramesDropped, prev.FramesDropped)
	s.FreezeCountDelta = clampUint64(cur.FreezeCount, prev.FreezeCount)
	s.FreezeDurationDelta = clampFloat(cur.FreezeDurationSeconds - prev.FreezeDurationSeconds)
	return s
}

// Stop halts polling and waits for the poll goroutine to exit. Idempotent and
// safe to call before Start.
func (c *Collector) Stop() {
	c.mu.Lock()
	c.stopped = true
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func bitrate(cur, prev uint64, elapsedSec float64) int64 {
	if cur <= prev {
		return 0
	}
	return int64(math.Round(8 * float64(cur-prev) / elapsedSec))
}

func clampInt64(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func clampUint64(cur, prev uint64) uint64 {
	if cur <= prev {
		return 0
	}
	return cur - prev
}

func clampFloat(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
