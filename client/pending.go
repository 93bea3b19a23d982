package client

import "sync"

type ackKind int

const (
	kindPrompt ackKind = iota
	kindImage
)

// AckResult is the provider's verdict on one prompt/image update.
type AckResult struct {
	Success bool
	Err     string
}

// AckHandle resolves when the matching acknowledgment arrives. The protocol
// carries no correlation ids, so there is no implicit timeout; callers that
// need one select on Done with their own deadline.
type AckHandle struct {
	done chan struct{}

	mu       sync.Mutex
	result   AckResult
	resolved bool
}

func newAckHandle() *AckHandle {
	return &AckHandle{done: make(chan struct{})}
}

// Done is closed once the handle resolves, successfully or not.
func (h *AckHandle) Done() <-chan struct{} {
	return h.done
}

// Result reports the outcome. ok is false while the ack is still pending.
func (h *AckHandle) Result() (AckResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.resolved
}

func (h *AckHandle) resolve(res AckResult) {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return
	}
	h.result = res
	h.resolved = true
	h.mu.Unlock()
	close(h.done)
}

// coordinator tracks in-flight prompt/image updates. Acks resolve the oldest
// unresolved handle of their kind; the backend never reorders acks relative
// to requests of the same kind.
type coordinator struct {
	mu      sync.Mutex
	pending map[ackKind][]*AckHandle
}

func newCoordinator() *coordinator {
	return &coordinator{pending: make(map[ackKind][]*AckHandle)}
}

func (c *coordinator) track(kind ackKind) *AckHandle {
	h := newAckHandle()
	c.mu.Lock()
	c.pending[kind] = append(c.pending[kind], h)
	c.mu.Unlock()
	return h
}

// resolve pops the oldest pending handle of the kind. It reports false when
// an ack arrives with nothing outstanding.
func (c *coordinator) resolve(kind ackKind, res AckResult) bool {
	c.mu.Lock()
	q := c.pending[kind]
	if len(q) == 0 {
		c.mu.Unlock()
		return false
	}
	h := q[0]
	c.pending[kind] = q[1:]
	c.mu.Unlock()

	h.resolve(res)
	return true
}

// failAll resolves every outstanding handle as failed. Used at teardown so
// no caller stays blocked on Done.
func (c *coordinator) failAll(detail string) {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[ackKind][]*AckHandle)
	c.mu.Unlock()

	for _, q := range all {
		for _, h := range q {
			h.resolve(AckResult{Success: false, Err: detail})
		}
	}
}
