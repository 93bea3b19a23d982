package client

import "testing"

func TestAckResolvesOldestOfKind(t *testing.T) {
	c := newCoordinator()

	first := c.track(kindPrompt)
	second := c.track(kindPrompt)

	if !c.resolve(kindPrompt, AckResult{Success: true}) {
		t.Fatal("resolve found no pending handle")
	}
	if _, ok := first.Result(); !ok {
		t.Fatal("oldest handle not resolved")
	}
	if _, ok := second.Result(); ok {
		t.Fatal("newer handle resolved out of order")
	}

	if !c.resolve(kindPrompt, AckResult{Success: false, Err: "bad prompt"}) {
		t.Fatal("second resolve found no pending handle")
	}
	res, ok := second.Result()
	if !ok {
		t.Fatal("second handle not resolved")
	}
	if res.Success || res.Err != "bad prompt" {
		t.Fatalf("result = %+v, want failed with provider text", res)
	}
}

func TestAckKindsResolveIndependently(t *testing.T) {
	c := newCoordinator()

	img := c.track(kindImage)
	prompt := c.track(kindPrompt)

	// Image ack first, prompt ack later: each resolves the oldest pending
	// update of its own kind regardless of cross-kind arrival order.
	if !c.resolve(kindImage, AckResult{Success: true}) {
		t.Fatal("image resolve found no pending handle")
	}
	if _, ok := prompt.Result(); ok {
		t.Fatal("prompt handle resolved by image ack")
	}
	if res, ok := img.Result(); !ok || !res.Success {
		t.Fatalf("image handle = %+v ok=%v, want success", res, ok)
	}

	if !c.resolve(kindPrompt, AckResult{Success: true}) {
		t.Fatal("prompt resolve found no pending handle")
	}
	if res, ok := prompt.Result(); !ok || !res.Success {
		t.Fatalf("prompt handle = %+v ok=%v, want success", res, ok)
	}
}

func TestAckWithNothingPending(t *testing.T) {
	c := newCoordinator()
	if c.resolve(kindPrompt, AckResult{Success: true}) {
		t.Fatal("resolve succeeded with empty queue")
	}
}

func TestFailAllUnblocksEveryHandle(t *testing.T) {
	c := newCoordinator()
	handles := []*AckHandle{
		c.track(kindPrompt),
		c.track(kindPrompt),
		c.track(kindImage),
	}

	c.failAll("session disconnected")

	for i, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Fatalf("handle %d still pending after failAll", i)
		}
		res, ok := h.Result()
		if !ok || res.Success {
			t.Fatalf("handle %d = %+v ok=%v, want failed", i, res, ok)
		}
		if res.Err != "session disconnected" {
			t.Fatalf("handle %d err = %q", i, res.Err)
		}
	}

	// Nothing left to resolve.
	if c.resolve(kindPrompt, AckResult{Success: true}) {
		t.Fatal("resolve succeeded after failAll")
	}
}

func TestHandleResolveIsIdempotent(t *testing.T) {
	h := newAckHandle()
	h.resolve(AckResult{Success: true})
	h.resolve(AckResult{Success: false, Err: "late"})

	res, ok := h.Result()
	if !ok || !res.Success {
		t.Fatalf("result = %+v ok=%v, want first resolution kept", res, ok)
	}
}
