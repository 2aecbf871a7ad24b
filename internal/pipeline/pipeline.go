package pipeline

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ethicalzen/sentinel-gateway/internal/cache"
	"github.com/ethicalzen/sentinel-gateway/internal/config"
	"github.com/ethicalzen/sentinel-gateway/internal/metrics"
	"github.com/ethicalzen/sentinel-gateway/internal/store"
	"github.com/ethicalzen/sentinel-gateway/internal/upstream"
	"github.com/ethicalzen/sentinel-gateway/pkg/contracts"
	"github.com/ethicalzen/sentinel-gateway/pkg/evaluator"
	"github.com/ethicalzen/sentinel-gateway/pkg/guardrail"
	"github.com/ethicalzen/sentinel-gateway/pkg/telemetry"
)

// Terminal decisions recorded per request.
const (
	decisionAllowed           = "allowed"
	decisionAllowedUnchecked  = "allowed_unchecked"
	decisionAllowedUnenforced = "allowed_unenforced"
	decisionBlockedInput      = "blocked_input"
	decisionBlockedOutput     = "blocked_output"
	decisionRejected          = "rejected"
	decisionError             = "error"
)

// Pipeline is the enforcement path: resolve the contract, check the
// request, forward, check the response, respond. It implements
// http.Handler for the proxy listener.
type Pipeline struct {
	cfg       *config.Config
	cache     cache.Store
	store     *store.ContractStore
	registry  *guardrail.Registry
	engine    *evaluator.Engine
	forwarder *upstream.Forwarder
	sink      *telemetry.Pipeline

	draining atomic.Bool
	inflight sync.WaitGroup
}

// New wires the enforcement pipeline. The cache serves hot validation
// results; nil disables result caching.
func New(cfg *config.Config, c cache.Store, st *store.ContractStore, reg *guardrail.Registry, eng *evaluator.Engine, fwd *upstream.Forwarder, sink *telemetry.Pipeline) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		cache:     c,
		store:     st,
		registry:  reg,
		engine:    eng,
		forwarder: fwd,
		sink:      sink,
	}
}

// Drain makes the pipeline refuse new requests and blocks until in-flight
// requests complete or the timeout passes.
func (p *Pipeline) Drain(timeout time.Duration) bool {
	p.draining.Store(true)

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// requestState accumulates everything the terminal telemetry record needs.
type requestState struct {
	start            time.Time
	traceID          string
	contractID       string
	tenantID         string
	decision         string
	status           int
	responseBytes    int64
	postCheckSkipped bool
	fallbackUsed     bool
	violations       []violationDetail
	phase            contracts.Phase
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.draining.Load() {
		writeJSONError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "gateway is shutting down", r.Header.Get("X-Trace-ID"))
		return
	}
	p.inflight.Add(1)
	defer p.inflight.Done()

	st := &requestState{
		start:    time.Now(),
		traceID:  r.Header.Get("X-Trace-ID"),
		tenantID: r.Header.Get("X-Tenant-ID"),
		decision: decisionError,
		status:   http.StatusInternalServerError,
	}
	if st.traceID == "" {
		st.traceID = uuid.NewString()
	}
	w.Header().Set("X-Trace-ID", st.traceID)
	defer p.finish(r, st)

	st.contractID = r.Header.Get("X-Contract-ID")
	if st.contractID == "" {
		st.contractID = r.Header.Get("X-DC-Id") // legacy SDK header
	}

	logger := log.WithFields(log.Fields{
		"trace_id":    st.traceID,
		"contract_id": st.contractID,
		"method":      r.Method,
		"path":        r.URL.Path,
	})

	if st.contractID == "" {
		st.reject(http.StatusBadRequest)
		writeJSONError(w, http.StatusBadRequest, "CONTRACT_REQUIRED", "X-Contract-ID header is required", st.traceID)
		return
	}

	contract, err := p.store.Resolve(r.Context(), st.contractID)
	enforced := true
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			st.reject(http.StatusNotFound)
			writeJSONError(w, http.StatusNotFound, "CONTRACT_NOT_FOUND", "contract not found", st.traceID)
			return
		case errors.Is(err, store.ErrRevoked):
			st.reject(http.StatusForbidden)
			writeJSONError(w, http.StatusForbidden, "CONTRACT_REVOKED", "contract has been revoked", st.traceID)
			return
		case errors.Is(err, store.ErrExpired):
			st.reject(http.StatusForbidden)
			writeJSONError(w, http.StatusForbidden, "CONTRACT_EXPIRED", "contract has expired", st.traceID)
			return
		case errors.Is(err, store.ErrInvalid):
			st.reject(http.StatusBadRequest)
			writeJSONError(w, http.StatusBadRequest, "CONTRACT_INVALID", err.Error(), st.traceID)
			return
		case errors.Is(err, store.ErrUnavailable) && p.cfg.Policy.FailOpen:
			logger.Warn("Contract source unavailable, proceeding unenforced (fail_open)")
			contract, enforced = nil, false
			st.fallbackUsed = true
		default:
			st.decision = decisionError
			st.status = http.StatusServiceUnavailable
			writeJSONError(w, http.StatusServiceUnavailable, "CONTRACT_UNAVAILABLE", "contract source unavailable", st.traceID)
			return
		}
	}

	if enforced {
		if digest := r.Header.Get("X-Policy-Digest"); digest != "" && digest != contract.PolicyDigest {
			st.reject(http.StatusBadRequest)
			writeJSONError(w, http.StatusBadRequest, "DIGEST_MISMATCH", "policy digest does not match contract", st.traceID)
			return
		}
	}

	body, tooLarge, err := readLimited(r.Body, p.cfg.Upstream.MaxBodyBytes)
	if err != nil {
		st.reject(http.StatusBadRequest)
		writeJSONError(w, http.StatusBadRequest, "BODY_READ_ERROR", "failed to read request body", st.traceID)
		return
	}
	if tooLarge {
		st.reject(http.StatusRequestEntityTooLarge)
		writeJSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body exceeds the inspection limit", st.traceID)
		return
	}

	if enforced && contract.CheckOnRequest {
		st.phase = contracts.PhaseInput
		out := p.checkCached(r.Context(), contract, body, contracts.PhaseInput)
		st.fallbackUsed = st.fallbackUsed || out.FallbackUsed
		if out.Blocked {
			st.decision = decisionBlockedInput
			st.status = http.StatusForbidden
			st.violations = out.Violations
			logger.WithField("violations", len(out.Violations)).Warn("Request blocked by input check")
			writeBlocked(w, "INPUT_BLOCKED", st.contractID, out.Violations, st.traceID)
			return
		}
	}

	targetURL, err := p.forwarder.ResolveTarget(r)
	if err != nil {
		switch {
		case errors.Is(err, upstream.ErrNoTarget):
			st.reject(http.StatusBadRequest)
			writeJSONError(w, http.StatusBadRequest, "TARGET_REQUIRED", "X-Target-Endpoint header is required", st.traceID)
		default:
			st.reject(http.StatusForbidden)
			writeJSONError(w, http.StatusForbidden, "TARGET_NOT_ALLOWED", "target endpoint is not allowlisted", st.traceID)
		}
		return
	}

	resp, err := p.forwarder.Forward(r.Context(), r, targetURL, body)
	if err != nil {
		logger.WithError(err).Error("Upstream request failed")
		st.decision = decisionError
		st.status = http.StatusBadGateway
		writeJSONError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "failed to reach upstream", st.traceID)
		return
	}
	defer resp.Body.Close()

	respBody, respTooLarge, err := readLimited(resp.Body, p.cfg.Upstream.MaxBodyBytes)
	if err != nil {
		logger.WithError(err).Error("Failed to read upstream response")
		st.decision = decisionError
		st.status = http.StatusBadGateway
		writeJSONError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "failed to read upstream response", st.traceID)
		return
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		// Upstream error payloads never reach the caller; there is nothing
		// meaningful to evaluate in one either.
		logger.WithField("upstream_status", resp.StatusCode).Error("Upstream returned a server error")
		st.decision = decisionError
		st.status = http.StatusBadGateway
		st.postCheckSkipped = true
		writeJSONError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "upstream returned a server error", st.traceID)
		return
	}

	if respTooLarge {
		logger.WithField("limit_bytes", p.cfg.Upstream.MaxBodyBytes).Warn("Response exceeds inspection limit, passing through unchecked")
		st.decision = decisionAllowedUnchecked
		st.postCheckSkipped = true
		p.relayStreaming(w, resp, respBody, st)
		return
	}

	if enforced && contract.CheckOnResponse {
		st.phase = contracts.PhaseOutput
		evalBody, decErr := upstream.DecodeBody(respBody, resp.Header.Get("Content-Encoding"))
		if decErr != nil {
			logger.WithError(decErr).Warn("Failed to decode upstream body, evaluating raw bytes")
			evalBody = respBody
		}
		out := p.checkCached(r.Context(), contract, evalBody, contracts.PhaseOutput)
		st.fallbackUsed = st.fallbackUsed || out.FallbackUsed
		if out.Blocked {
			st.decision = decisionBlockedOutput
			st.status = http.StatusForbidden
			st.violations = out.Violations
			logger.WithField("violations", len(out.Violations)).Warn("Response blocked by output check")
			// The upstream body is dropped; the client sees only the
			// violation report.
			writeBlocked(w, "OUTPUT_BLOCKED", st.contractID, out.Violations, st.traceID)
			return
		}
	}

	if enforced {
		st.decision = decisionAllowed
	} else {
		st.decision = decisionAllowedUnenforced
	}
	p.relay(w, resp, respBody, st)
}

func (st *requestState) reject(status int) {
	st.decision = decisionRejected
	st.status = status
}

// relay copies the upstream response to the client byte for byte.
func (p *Pipeline) relay(w http.ResponseWriter, resp *http.Response, body []byte, st *requestState) {
	copyHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	n, _ := w.Write(body)
	st.status = resp.StatusCode
	st.responseBytes = int64(n)
}

// relayStreaming forwards an oversized response: the buffered prefix first,
// then the rest straight from the upstream connection.
func (p *Pipeline) relayStreaming(w http.ResponseWriter, resp *http.Response, prefix []byte, st *requestState) {
	copyHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	n, _ := w.Write(prefix)
	rest, _ := io.Copy(w, resp.Body)
	st.status = resp.StatusCode
	st.responseBytes = int64(n) + rest
}

func copyHeaders(w http.ResponseWriter, resp *http.Response) {
	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
}

// finish emits the per-request metrics and exactly one telemetry request
// record, plus one violation record per violation.
func (p *Pipeline) finish(r *http.Request, st *requestState) {
	metrics.RequestsTotal.WithLabelValues(st.decision).Inc()

	now := time.Now()
	p.sink.RecordRequest(telemetry.RequestRecord{
		Timestamp:         st.start.UTC().Format(time.RFC3339),
		TenantID:          st.tenantID,
		TraceID:           st.traceID,
		ContractID:        st.contractID,
		Method:            r.Method,
		Path:              r.URL.Path,
		StatusCode:        st.status,
		Decision:          st.decision,
		ResponseTimeMs:    now.Sub(st.start).Milliseconds(),
		RequestSizeBytes:  r.ContentLength,
		ResponseSizeBytes: st.responseBytes,
		PostCheckSkipped:  st.postCheckSkipped,
		FallbackUsed:      st.fallbackUsed,
		IPAddress:         r.RemoteAddr,
		UserAgent:         r.UserAgent(),
	})

	for _, v := range st.violations {
		vt := violationType(v.Metric)
		if v.Reason == "envelope_violation" {
			vt = "envelope_violation"
		}
		metrics.ViolationsTotal.WithLabelValues(vt).Inc()
		p.sink.RecordViolation(telemetry.ViolationRecord{
			Timestamp:     now.UTC().Format(time.RFC3339),
			TenantID:      st.tenantID,
			TraceID:       st.traceID,
			ContractID:    st.contractID,
			GuardrailID:   v.GuardrailID,
			ViolationType: vt,
			MetricName:    v.Metric,
			MetricValue:   v.Value,
			ThresholdMin:  v.Min,
			ThresholdMax:  v.Max,
			Severity:      v.Severity,
			Phase:         string(st.phase),
			Details:       v.Reason,
		})
	}
}

// readLimited reads at most limit bytes; tooLarge reports that the source
// had more.
func readLimited(rc io.Reader, limit int64) (body []byte, tooLarge bool, err error) {
	if rc == nil {
		return nil, false, nil
	}
	body, err = io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, false, err
	}
	// On overflow the caller gets every byte read so far, so streaming
	// pass-through loses nothing.
	return body, int64(len(body)) > limit, nil
}

func writeJSONError(w http.ResponseWriter, status int, code, message, traceID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":    code,
		"message":  message,
		"trace_id": traceID,
	})
}

func writeBlocked(w http.ResponseWriter, code, contractID string, violations []violationDetail, traceID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Gateway-Error", code)
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":       code,
		"contract_id": contractID,
		"violations":  violations,
		"blocked":     true,
		"trace_id":    traceID,
	})
}
