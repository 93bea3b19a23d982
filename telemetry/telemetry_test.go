package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/framepush/liveedit/stats"
)

type captureSink struct {
	mu      sync.Mutex
	reports []Report
	err     error
}

func (s *captureSink) Send(_ context.Context, r Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return s.err
}

func (s *captureSink) all() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Report(nil), s.reports...)
}

func TestFlushSplitsBurstAcrossReports(t *testing.T) {
	sink := &captureSink{}
	r := NewReporter(Config{SDKVersion: "test"}, sink, nil)

	for i := 0; i < 250; i++ {
		r.AddSample(stats.Sample{InboundVideoBitrate: int64(i)})
	}
	for i := 0; i < 10; i++ {
		r.AddEvent("diag", fmt.Sprintf("event %d", i))
	}

	r.Flush(false)

	reports := sink.all()
	if len(reports) != 3 {
		t.Fatalf("got %d reports, want 3", len(reports))
	}
	wantSamples := []int{120, 120, 10}
	wantEvents := []int{10, 0, 0}
	for i, rep := range reports {
		if len(rep.Samples) != wantSamples[i] {
			t.Fatalf("report %d has %d samples, want %d", i, len(rep.Samples), wantSamples[i])
		}
		if len(rep.Events) != wantEvents[i] {
			t.Fatalf("report %d has %d events, want %d", i, len(rep.Events), wantEvents[i])
		}
		if rep.Final {
			t.Fatalf("report %d marked final on a periodic flush", i)
		}
	}

	// Order-preserving, oldest first.
	if reports[0].Samples[0].InboundVideoBitrate != 0 ||
		reports[1].Samples[0].InboundVideoBitrate != 120 ||
		reports[2].Samples[9].InboundVideoBitrate != 249 {
		t.Fatalf("samples not drained oldest-first")
	}
	if reports[0].Events[0].Detail != "event 0" || reports[0].Events[9].Detail != "event 9" {
		t.Fatalf("events not drained oldest-first")
	}

	// Queues are now empty.
	r.Flush(false)
	if len(sink.all()) != 3 {
		t.Fatalf("flush of empty queues emitted a report")
	}
}

func TestStopMarksOnlyLastReportFinal(t *testing.T) {
	sink := &captureSink{}
	r := NewReporter(Config{}, sink, nil)

	for i := 0; i < 130; i++ {
		r.AddSample(stats.Sample{})
	}
	r.Stop()

	reports := sink.all()
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}
	if reports[0].Final {
		t.Fatalf("first report marked final")
	}
	if !reports[1].Final {
		t.Fatalf("last report not marked final")
	}
}

func TestStopIsIdempotentAndFreezesQueues(t *testing.T) {
	sink := &captureSink{}
	r := NewReporter(Config{}, sink, nil)
	r.AddSample(stats.Sample{})
	r.Stop()
	r.Stop()

	if got := len(sink.all()); got != 1 {
		t.Fatalf("got %d reports, want 1", got)
	}

	r.AddSample(stats.Sample{})
	r.AddEvent("late", "")
	r.Flush(false)
	if got := len(sink.all()); got != 1 {
		t.Fatalf("reporter accepted items after Stop")
	}
}

func TestDeliveryErrorsAreSwallowed(t *testing.T) {
	sink := &captureSink{err: errors.New("analytics down")}
	r := NewReporter(Config{}, sink, nil)
	r.AddEvent("diag", "x")
	r.Flush(false)
	r.Stop()
}

func TestPeriodicFlushTimer(t *testing.T) {
	sink := &captureSink{}
	r := NewReporter(Config{FlushInterval: 20 * time.Millisecond}, sink, nil)
	r.AddSample(stats.Sample{})
	r.Start()
	t.Cleanup(r.Stop)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.all()) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timer never flushed")
}

func TestReportTags(t *testing.T) {
	sink := &captureSink{}
	r := NewReporter(Config{
		SessionID:   func() string { return "s-42" },
		SDKVersion:  "0.4.1",
		Model:       "studio-v1",
		Integration: "obs-plugin",
	}, sink, nil)
	r.AddSample(stats.Sample{})
	r.Flush(false)

	reports := sink.all()
	if len(reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(reports))
	}
	rep := reports[0]
	if rep.SessionID != "s-42" || rep.SDKVersion != "0.4.1" || rep.Model != "studio-v1" || rep.Integration != "obs-plugin" {
		t.Fatalf("report tags=%+v", rep)
	}
	if rep.ID == "" {
		t.Fatalf("report missing id")
	}
}

func TestHTTPSinkHeadersAndBody(t *testing.T) {
	var gotAuth, gotUA, gotCT string
	var gotBody Report
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		gotUA = req.Header.Get("User-Agent")
		gotCT = req.Header.Get("Content-Type")
		_ = json.NewDecoder(req.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	sink := &HTTPSink{URL: srv.URL, APIKey: "sk-test", UserAgent: "liveedit-go/0.4.1"}
	err := sink.Send(context.Background(), Report{ID: "r1", Integration: "obs-plugin"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("Authorization=%q", gotAuth)
	}
	if gotUA != "liveedit-go/0.4.1 integration/obs-plugin" {
		t.Fatalf("User-Agent=%q", gotUA)
	}
	if gotCT != "application/json" {
		t.Fatalf("Content-Type=%q", gotCT)
	}
	if gotBody.ID != "r1" {
		t.Fatalf("body id=%q, want r1", gotBody.ID)
	}
}

func TestHTTPSinkNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	sink := &HTTPSink{URL: srv.URL}
	if err := sink.Send(context.Background(), Report{}); err == nil {
		t.Fatalf("Send succeeded on 502, want error")
	}
}
