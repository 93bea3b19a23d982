// Package telemetry batches stats samples and diagnostic events and uploads
// them to an analytics endpoint. Delivery is fire-and-forget: failures are
// logged at debug level and never affect the session.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/framepush/liveedit/stats"
)

const (
	// MaxItemsPerReport caps each queue's contribution to a single report.
	MaxItemsPerReport = 120

	DefaultFlushInterval = 10 * time.Second

	deliveryTimeout = 5 * time.Second
)

// Event is a diagnostic event (errors, lifecycle oddities) attached to the
// session's telemetry stream.
type Event struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at"`
	Name   string    `json:"name"`
	Detail string    `json:"detail,omitempty"`
}

// Report is one upload unit: identifying tags plus at most MaxItemsPerReport
// samples and MaxItemsPerReport events.
type Report struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id,omitempty"`
	SDKVersion  string         `json:"sdk_version"`
	Model       string         `json:"model,omitempty"`
	Integration string         `json:"integration,omitempty"`
	Samples     []stats.Sample `json:"samples"`
	Events      []Event        `json:"events"`

	// Final marks the last report of a stopping session; sinks may deliver it
	// best-effort even when the session is already torn down.
	Final bool `json:"final,omitempty"`
}

// Sink delivers a report. Errors are advisory; the reporter logs and drops.
type Sink interface {
	Send(ctx context.Context, r Report) error
}

type Config struct {
	SessionID   func() string // resolved at flush time; id arrives mid-session
	SDKVersion  string
	Model       string
	Integration string

	FlushInterval time.Duration
}

// Reporter buffers samples and events in two ordered queues and flushes them
// on a timer, splitting bursts across as many reports as needed.
type Reporter struct {
	cfg  Config
	sink Sink
	log  *slog.Logger

	mu      sync.Mutex
	samples []stats.Sample
	events  []Event
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func NewReporter(cfg Config, sink Sink, log *slog.Logger) *Reporter {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{cfg: cfg, sink: sink, log: log}
}

func (r *Reporter) AddSample(s stats.Sample) {
	r.mu.Lock()
	if !r.stopped {
		r.samples = append(r.samples, s)
	}
	r.mu.Unlock()
}

func (r *Reporter) AddEvent(name, detail string) {
	e := Event{
		ID:     uuid.NewString(),
		At:     time.Now(),
		Name:   name,
		Detail: detail,
	}
	r.mu.Lock()
	if !r.stopped {
		r.events = append(r.events, e)
	}
	r.mu.Unlock()
}

// Start launches the periodic flush timer. It may be called at most once.
func (r *Reporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.mu.Lock()
	if r.stopped || r.cancel != nil {
		r.mu.Unlock()
		cancel()
		return
	}
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Flush(false)
			}
		}
	}()
}

// Flush drains both queues into one or more reports. When final is true the
// last emitted report is marked for best-effort delivery.
func (r *Reporter) Flush(final bool) {
	for {
		report, more := r.nextReport()
		if report == nil {
			return
		}
		report.Final = final && !more
		r.deliver(*report)
		if !more {
			return
		}
	}
}

// nextReport carves at most MaxItemsPerReport items off the head of each
// queue, oldest first. more reports remain whenever either queue is non-empty
// afterwards.
func (r *Reporter) nextReport() (*Report, bool) {
	r.mu.Lock()
	if len(r.samples) == 0 && len(r.events) == 0 {
		r.mu.Unlock()
		return nil, false
	}

	ns := min(len(r.samples), MaxItemsPerReport)
	ne := min(len(r.events), MaxItemsPerReport)

	report := &Report{
		ID:          uuid.NewString(),
		SDKVersion:  r.cfg.SDKVersion,
		Model:       r.cfg.Model,
		Integration: r.cfg.Integration,
		Samples:     append([]stats.Sample(nil), r.samples[:ns]...),
		Events:      append([]Event(nil), r.events[:ne]...),
	}
	r.samples = r.samples[ns:]
	r.events = r.events[ne:]
	more := len(r.samples) > 0 || len(r.events) > 0
	if r.cfg.SessionID != nil {
		report.SessionID = r.cfg.SessionID()
	}
	r.mu.Unlock()
	return report, more
}

func (r *Reporter) deliver(report Report) {
	if r.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	if err := r.sink.Send(ctx, report); err != nil {
		r.log.Debug("telemetry delivery failed",
			"report_id", report.ID,
			"samples", len(report.Samples),
			"events", len(report.Events),
			"err", err,
		)
	}
}

// Stop halts the timer and performs one final best-effort flush. Idempotent.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	r.flushRemaining()
}

// flushRemaining drains queues already frozen by Stop.
func (r *Reporter) flushRemaining() {
	for {
		report, more := r.nextReport()
		if report == nil {
			return
		}
		report.Final = !more
		r.deliver(*report)
		if !more {
			return
		}
	}
}
