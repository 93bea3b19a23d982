// Package events provides a small publish/subscribe emitter whose delivery
// can start out deferred: events emitted before Release are buffered and
// replayed in order once, so a caller can attach subscribers after receiving
// a handle without losing transitions that happened in between.
package events

import "sync"

type Handler[T any] func(T)

// Emitter delivers values to subscribers. A new Emitter starts in buffering
// mode; Release switches it to live delivery after replaying the buffer.
//
// All methods are safe for concurrent use. Handlers are invoked one event at
// a time in emit order; a handler must not call back into the Emitter.
type Emitter[T any] struct {
	mu          sync.Mutex
	subs        []Handler[T]
	buffered    []T
	live        bool
	stopped     bool
	awaitingSub bool

	// dispatchMu serializes deliveries so the replayed buffer is observed
	// before any event emitted after the switch to live mode.
	dispatchMu sync.Mutex

	// schedule runs the deferred replay. Overridable in tests; the default
	// runs it on a fresh goroutine.
	schedule func(func())
}

func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{
		schedule: func(fn func()) { go fn() },
	}
}

// Subscribe registers a handler. Handlers subscribed before the deferred
// replay runs receive buffered events exactly once; if the replay found no
// subscribers it re-runs for the first handler that attaches.
func (e *Emitter[T]) Subscribe(h Handler[T]) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.subs = append(e.subs, h)
	resume := e.awaitingSub
	e.awaitingSub = false
	sched := e.schedule
	e.mu.Unlock()

	if resume {
		sched(e.drain)
	}
}

// Emit delivers v to subscribers, or buffers it while the emitter has not
// been released yet.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if !e.live {
		e.buffered = append(e.buffered, v)
		e.mu.Unlock()
		return
	}
	subs := make([]Handler[T], len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()
	for _, h := range subs {
		h(v)
	}
}

// Release schedules the replay of every buffered event in original order and
// then switches the emitter to live delivery. The replay happens
// asynchronously; a subscriber attached immediately after Release still
// observes the buffered events. Calling Release more than once is a no-op.
func (e *Emitter[T]) Release() {
	e.mu.Lock()
	if e.stopped || e.live {
		e.mu.Unlock()
		return
	}
	if e.schedule == nil {
		e.schedule = func(fn func()) { go fn() }
	}
	sched := e.schedule
	e.mu.Unlock()

	sched(e.drain)
}

func (e *Emitter[T]) drain() {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	e.mu.Lock()
	if e.stopped || e.live {
		e.mu.Unlock()
		return
	}
	if len(e.subs) == 0 {
		// Nobody listening yet. Hold the buffer and replay when the first
		// subscriber attaches; running the replay now would drop it.
		e.awaitingSub = true
		e.mu.Unlock()
		return
	}
	buffered := e.buffered
	e.buffered = nil
	e.live = true
	subs := make([]Handler[T], len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, v := range buffered {
		for _, h := range subs {
			h(v)
		}
	}
}

// Stop discards any buffered events without dispatching them and drops all
// subscribers. Subsequent Emit calls are ignored.
func (e *Emitter[T]) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.buffered = nil
	e.subs = nil
	e.mu.Unlock()
}
