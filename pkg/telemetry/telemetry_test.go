package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethicalzen/sentinel-gateway/internal/config"
)

func requestRecord(trace string) RequestRecord {
	return RequestRecord{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		TraceID:    trace,
		ContractID: "c-1",
		Method:     "POST",
		Path:       "/v1/chat",
		StatusCode: 200,
		Decision:   "allowed",
	}
}

func TestEnqueueNeverBlocks(t *testing.T) {
	p := NewPipeline(config.TelemetryConfig{QueueCapacity: 2})
	// Worker intentionally not started so the queue fills.

	for i := 0; i < 5; i++ {
		p.RecordRequest(requestRecord("t"))
	}

	if p.Dropped() != 3 {
		t.Errorf("Expected 3 drops past capacity 2, got %d", p.Dropped())
	}
}

func TestBatchShippedAtSize(t *testing.T) {
	var batches int32
	var got batch
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ingest/batch" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "sink-key" {
			t.Errorf("Expected sink API key, got %q", r.Header.Get("X-API-Key"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		atomic.AddInt32(&batches, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	p := NewPipeline(config.TelemetryConfig{
		SinkURL:         sink.URL,
		APIKey:          "sink-key",
		BatchSize:       3,
		BatchIntervalMS: 60000, // interval must not fire; size triggers the ship
		QueueCapacity:   16,
	})
	p.Start()
	defer p.Close()

	p.RecordRequest(requestRecord("a"))
	p.RecordRequest(requestRecord("b"))
	p.RecordViolation(ViolationRecord{TraceID: "a", ViolationType: "pii_leakage"})

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&batches) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if atomic.LoadInt32(&batches) != 1 {
		t.Fatalf("Expected 1 batch, got %d", atomic.LoadInt32(&batches))
	}
	if len(got.Requests) != 2 || len(got.Violations) != 1 {
		t.Errorf("Expected 2 requests + 1 violation, got %d + %d", len(got.Requests), len(got.Violations))
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	var requests int32
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b batch
		json.NewDecoder(r.Body).Decode(&b)
		atomic.AddInt32(&requests, int32(len(b.Requests)))
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	p := NewPipeline(config.TelemetryConfig{
		SinkURL:         sink.URL,
		BatchSize:       100,
		BatchIntervalMS: 60000,
		QueueCapacity:   16,
	})
	p.Start()

	for i := 0; i < 5; i++ {
		p.RecordRequest(requestRecord("t"))
	}
	p.Close()

	if atomic.LoadInt32(&requests) != 5 {
		t.Errorf("Expected all 5 queued records shipped on close, got %d", atomic.LoadInt32(&requests))
	}
}

func TestSinkFailureSpillsAndReplays(t *testing.T) {
	var healthy atomic.Bool
	var delivered int32
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var b batch
		json.NewDecoder(r.Body).Decode(&b)
		atomic.AddInt32(&delivered, int32(b.size()))
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	spillPath := filepath.Join(t.TempDir(), "spill.ndjson")
	p := NewPipeline(config.TelemetryConfig{
		SinkURL:         sink.URL,
		BatchSize:       2,
		BatchIntervalMS: 60000,
		QueueCapacity:   16,
		SpillPath:       spillPath,
	})
	p.Start()

	// Sink down: the first batch ends up on disk.
	p.RecordRequest(requestRecord("a"))
	p.RecordRequest(requestRecord("b"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info, err := os.Stat(spillPath); err == nil && info.Size() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if info, err := os.Stat(spillPath); err != nil || info.Size() == 0 {
		t.Fatal("Expected failed batch spilled to disk")
	}

	// Sink recovers: the next successful ship replays the spilled events.
	healthy.Store(true)
	p.RecordRequest(requestRecord("c"))
	p.RecordRequest(requestRecord("d"))
	p.Close()

	if atomic.LoadInt32(&delivered) != 4 {
		t.Errorf("Expected all 4 records delivered after recovery, got %d", atomic.LoadInt32(&delivered))
	}
	if s := p.spill.drain(0); s != nil {
		t.Errorf("Expected empty spill after replay, found %d events", s.size())
	}
}

func TestSpillRoundtrip(t *testing.T) {
	s := newSpill(filepath.Join(t.TempDir(), "spill.ndjson"), 0)

	in := &batch{
		Requests:   []RequestRecord{requestRecord("t-1"), requestRecord("t-2")},
		Violations: []ViolationRecord{{TraceID: "t-1", ViolationType: "toxicity", MetricValue: 0.8}},
	}
	s.write(in)

	out := s.drain(10)
	if out == nil {
		t.Fatal("Expected drained batch")
	}
	if len(out.Requests) != 2 || len(out.Violations) != 1 {
		t.Fatalf("Expected 2 requests + 1 violation, got %d + %d", len(out.Requests), len(out.Violations))
	}
	if out.Requests[0].TraceID != "t-1" || out.Violations[0].MetricValue != 0.8 {
		t.Error("Drained events do not match what was written")
	}

	if again := s.drain(10); again != nil {
		t.Errorf("Expected spill consumed, got %d more events", again.size())
	}
}

func TestSpillDrainRespectsLimit(t *testing.T) {
	s := newSpill(filepath.Join(t.TempDir(), "spill.ndjson"), 0)

	in := &batch{}
	for i := 0; i < 5; i++ {
		in.Requests = append(in.Requests, requestRecord("t"))
	}
	s.write(in)

	first := s.drain(3)
	if first == nil || first.size() != 3 {
		t.Fatalf("Expected 3 events in first drain, got %v", first)
	}
	second := s.drain(10)
	if second == nil || second.size() != 2 {
		t.Fatalf("Expected remaining 2 events, got %v", second)
	}
}

func TestSpillDisabledWithoutPath(t *testing.T) {
	s := newSpill("", 0)
	s.write(&batch{Requests: []RequestRecord{requestRecord("t")}})
	if s.drain(10) != nil {
		t.Error("Spill without a path must be a no-op")
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	p := NewPipeline(config.TelemetryConfig{QueueCapacity: 16})

	ch, cancel := p.Subscribe()
	defer cancel()

	p.RecordRequest(requestRecord("live"))

	select {
	case ev := <-ch:
		if ev.Kind != "request" || ev.Request.TraceID != "live" {
			t.Errorf("Unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected event on subscriber channel")
	}
}

func TestCancelledSubscriberStopsReceiving(t *testing.T) {
	p := NewPipeline(config.TelemetryConfig{QueueCapacity: 16})

	ch, cancel := p.Subscribe()
	cancel()

	p.RecordRequest(requestRecord("after-cancel"))

	// Channel is closed on cancel; a receive must not yield a live event.
	if ev, ok := <-ch; ok {
		t.Errorf("Expected closed channel, got event %+v", ev)
	}
}

func TestSlowSubscriberDoesNotBlockEnqueue(t *testing.T) {
	p := NewPipeline(config.TelemetryConfig{QueueCapacity: 256})

	_, cancel := p.Subscribe() // never reads; buffer fills at 64
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			p.RecordRequest(requestRecord("flood"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a slow subscriber")
	}
}
