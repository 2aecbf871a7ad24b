package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ethicalzen/sentinel-gateway/internal/config"
	"github.com/ethicalzen/sentinel-gateway/internal/metrics"
)

// RequestRecord is one proxied request, emitted exactly once per request
// regardless of outcome.
type RequestRecord struct {
	Timestamp         string `json:"timestamp"`
	TenantID          string `json:"tenant_id,omitempty"`
	TraceID           string `json:"trace_id"`
	ContractID        string `json:"contract_id"`
	Method            string `json:"method"`
	Path              string `json:"path"`
	StatusCode        int    `json:"status_code"`
	Decision          string `json:"decision"`
	ResponseTimeMs    int64  `json:"response_time_ms"`
	RequestSizeBytes  int64  `json:"request_size_bytes"`
	ResponseSizeBytes int64  `json:"response_size_bytes"`
	PostCheckSkipped  bool   `json:"post_check_skipped,omitempty"`
	FallbackUsed      bool   `json:"fallback_used,omitempty"`
	IPAddress         string `json:"ip_address,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`
}

// ViolationRecord is one guardrail or envelope violation.
type ViolationRecord struct {
	Timestamp     string  `json:"timestamp"`
	TenantID      string  `json:"tenant_id,omitempty"`
	TraceID       string  `json:"trace_id"`
	ContractID    string  `json:"contract_id"`
	GuardrailID   string  `json:"guardrail_id,omitempty"`
	ViolationType string  `json:"violation_type"`
	MetricName    string  `json:"metric_name,omitempty"`
	MetricValue   float64 `json:"metric_value,omitempty"`
	ThresholdMin  float64 `json:"threshold_min,omitempty"`
	ThresholdMax  float64 `json:"threshold_max,omitempty"`
	Severity      string  `json:"severity,omitempty"`
	Phase         string  `json:"phase,omitempty"`
	Details       string  `json:"details,omitempty"`
}

// Event is the tagged union flowing through the pipeline and out to SSE
// subscribers.
type Event struct {
	Kind      string           `json:"kind"` // "request" or "violation"
	Request   *RequestRecord   `json:"request,omitempty"`
	Violation *ViolationRecord `json:"violation,omitempty"`
}

type batch struct {
	Requests   []RequestRecord   `json:"requests"`
	Violations []ViolationRecord `json:"violations"`
}

func (b *batch) empty() bool {
	return len(b.Requests) == 0 && len(b.Violations) == 0
}

func (b *batch) add(ev Event) {
	switch ev.Kind {
	case "request":
		b.Requests = append(b.Requests, *ev.Request)
	case "violation":
		b.Violations = append(b.Violations, *ev.Violation)
	}
}

func (b *batch) size() int {
	return len(b.Requests) + len(b.Violations)
}

// Pipeline buffers telemetry events in a bounded queue and ships them to
// the sink in batches. Enqueue never blocks request handling: a full
// queue drops the event and counts the drop. Sink outages spill batches
// to a local NDJSON file which is replayed once the sink recovers.
type Pipeline struct {
	cfg    config.TelemetryConfig
	client *http.Client
	queue  chan Event
	spill  *spill

	dropped uint64
	mu      sync.Mutex // guards dropped and subscribers

	subscribers map[int]chan Event
	nextSubID   int

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewPipeline creates a pipeline. Call Start to begin shipping and Close
// to drain; the pipeline should be the last component stopped so that
// records from in-flight requests are not lost.
func NewPipeline(cfg config.TelemetryConfig) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		client:      &http.Client{Timeout: 5 * time.Second},
		queue:       make(chan Event, cfg.QueueCapacity),
		spill:       newSpill(cfg.SpillPath, cfg.SpillMaxBytes),
		subscribers: make(map[int]chan Event),
		stop:        make(chan struct{}),
	}
}

// Start launches the batch worker.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.worker()
	log.WithFields(log.Fields{
		"sink":           p.cfg.SinkURL,
		"batch_size":     p.cfg.BatchSize,
		"batch_interval": time.Duration(p.cfg.BatchIntervalMS) * time.Millisecond,
		"queue_capacity": p.cfg.QueueCapacity,
	}).Info("📊 Telemetry pipeline started")
}

// RecordRequest enqueues a request record without blocking.
func (p *Pipeline) RecordRequest(rec RequestRecord) {
	p.enqueue(Event{Kind: "request", Request: &rec})
}

// RecordViolation enqueues a violation record without blocking.
func (p *Pipeline) RecordViolation(rec ViolationRecord) {
	p.enqueue(Event{Kind: "violation", Violation: &rec})
}

func (p *Pipeline) enqueue(ev Event) {
	select {
	case p.queue <- ev:
		p.publish(ev)
	default:
		metrics.TelemetryDropped.Inc()
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
	}
}

// Dropped reports how many events were lost to queue overflow.
func (p *Pipeline) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	interval := time.Duration(p.cfg.BatchIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	current := &batch{}
	for {
		select {
		case ev := <-p.queue:
			current.add(ev)
			if current.size() >= p.cfg.BatchSize {
				p.ship(current)
				current = &batch{}
			}
		case <-ticker.C:
			if !current.empty() {
				p.ship(current)
				current = &batch{}
			}
		case <-p.stop:
			// Drain whatever is still queued, then a final ship.
			for {
				select {
				case ev := <-p.queue:
					current.add(ev)
				default:
					if !current.empty() {
						p.ship(current)
					}
					return
				}
			}
		}
	}
}

// ship sends one batch; on failure the batch goes to the spill file. On
// success, any previously spilled events are replayed.
func (p *Pipeline) ship(b *batch) {
	if p.cfg.SinkURL == "" {
		// No sink configured: spill is the durable record.
		p.spill.write(b)
		return
	}

	if err := p.send(b); err != nil {
		log.WithError(err).Warn("Telemetry send failed, spilling batch to disk")
		p.spill.write(b)
		return
	}

	if replay := p.spill.drain(p.cfg.BatchSize); replay != nil && !replay.empty() {
		if err := p.send(replay); err != nil {
			log.WithError(err).Warn("Telemetry replay failed, re-spilling")
			p.spill.write(replay)
		}
	}
}

func (p *Pipeline) send(b *batch) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.SinkURL+"/ingest/batch", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sink returned %d", resp.StatusCode)
	}
	return nil
}

// Close drains the queue, ships the final batch, and closes subscriber
// channels.
func (p *Pipeline) Close() {
	close(p.stop)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subscribers {
		close(ch)
		delete(p.subscribers, id)
	}
}
