package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ethicalzen/sentinel-gateway/internal/cache"
	"github.com/ethicalzen/sentinel-gateway/pkg/composite"
	"github.com/ethicalzen/sentinel-gateway/pkg/contracts"
	"github.com/ethicalzen/sentinel-gateway/pkg/envelope"
	"github.com/ethicalzen/sentinel-gateway/pkg/evaluator"
	"github.com/ethicalzen/sentinel-gateway/pkg/guardrail"
)

// violationDetail is one entry in the blocked-response body and one
// telemetry violation record.
type violationDetail struct {
	GuardrailID string  `json:"guardrail_id,omitempty"`
	Metric      string  `json:"metric,omitempty"`
	Value       float64 `json:"value"`
	Threshold   float64 `json:"threshold,omitempty"`
	Min         float64 `json:"min,omitempty"`
	Max         float64 `json:"max,omitempty"`
	Severity    string  `json:"severity,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// checkOutcome is the aggregate of one enforcement pass over one payload.
type checkOutcome struct {
	Blocked      bool               `json:"blocked"`
	Violations   []violationDetail  `json:"violations,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	FallbackUsed bool               `json:"fallback_used,omitempty"`
	Skipped      []string           `json:"skipped,omitempty"`
}

// checkCached serves hot validation results from the cache: identical
// payloads under the same policy digest and phase share one evaluation
// for the result TTL. Degraded results (fallback in play) are not cached
// so a recovered backend is consulted again promptly.
func (p *Pipeline) checkCached(ctx context.Context, contract *contracts.Contract, payload []byte, phase contracts.Phase) checkOutcome {
	ttl := time.Duration(p.cfg.Cache.ResultTTLS) * time.Second
	if p.cache == nil || ttl <= 0 {
		return p.check(ctx, contract, payload, phase)
	}

	h := sha256.New()
	h.Write([]byte(contract.PolicyDigest))
	h.Write([]byte{'|'})
	h.Write([]byte(phase))
	h.Write([]byte{'|'})
	h.Write(payload)
	key := "result:" + hex.EncodeToString(h.Sum(nil))

	var cached checkOutcome
	if hit, err := cache.GetJSON(ctx, p.cache, key, &cached); err == nil && hit {
		return cached
	}

	out := p.check(ctx, contract, payload, phase)
	if !out.FallbackUsed {
		if err := cache.SetJSON(ctx, p.cache, key, out, ttl); err != nil {
			log.WithError(err).Debug("Failed to cache validation result")
		}
	}
	return out
}

// check evaluates a contract's guardrail set over the payload for one
// phase. The set is an implicit AND over the referenced guardrails;
// composite references contribute their whole tree. After the DAG, the
// merged metrics pass through the envelope.
func (p *Pipeline) check(ctx context.Context, contract *contracts.Contract, payload []byte, phase contracts.Phase) checkOutcome {
	out := checkOutcome{Metrics: make(map[string]float64)}

	root := p.buildRoot(contract)
	if root != nil {
		results := make(map[string]evaluator.Result)
		dag := composite.Evaluate(ctx, root, func(ctx context.Context, id string) composite.LeafResult {
			g, err := p.registry.Get(id)
			if err != nil {
				log.WithFields(log.Fields{
					"guardrail_id": id,
					"contract_id":  contract.EffectiveID(),
				}).Warn("Contract references unknown guardrail, skipping leaf")
				return composite.LeafResult{GuardrailID: id, Outcome: composite.OutcomeSkip}
			}
			res := p.engine.Evaluate(ctx, g, payload, phase)
			results[id] = res
			for metric, value := range res.Metrics {
				out.Metrics[metric] = value
			}
			if res.FallbackUsed {
				out.FallbackUsed = true
			}
			return composite.LeafResult{
				GuardrailID: id,
				Outcome:     decisionToOutcome(res.Decision),
				Score:       res.EffectiveScore,
			}
		})

		for _, leaf := range dag.Leaves {
			if leaf.Outcome == composite.OutcomeSkip {
				out.Skipped = append(out.Skipped, leaf.GuardrailID)
			}
		}
		if dag.Outcome == composite.OutcomeBlock {
			out.Blocked = true
			for _, leaf := range dag.Leaves {
				if leaf.Outcome != composite.OutcomeBlock {
					continue
				}
				res := results[leaf.GuardrailID]
				out.Violations = append(out.Violations, violationDetail{
					GuardrailID: leaf.GuardrailID,
					Metric:      metricOf(p.registry, leaf.GuardrailID),
					Value:       res.EffectiveScore,
					Threshold:   thresholdOf(p.registry, leaf.GuardrailID),
					Reason:      res.Reason,
				})
			}
		}
	}

	for _, v := range envelope.Check(out.Metrics, contract.Envelope.Constraints, phase) {
		out.Blocked = true
		out.Violations = append(out.Violations, violationDetail{
			Metric:   v.Metric,
			Value:    v.Value,
			Min:      v.Min,
			Max:      v.Max,
			Severity: v.Severity,
			Reason:   "envelope_violation",
		})
	}

	return out
}

// buildRoot assembles the implicit AND over the contract's guardrail
// references, inlining composite trees. A contract with no references has
// no DAG to run.
func (p *Pipeline) buildRoot(contract *contracts.Contract) *composite.Node {
	var children []*composite.Node
	for _, ref := range contract.Guardrails {
		if ref.ID == "" {
			continue
		}
		if g, err := p.registry.Get(ref.ID); err == nil &&
			g.Config.Type == guardrail.KindComposite && g.Config.Composite != nil {
			children = append(children, g.Config.Composite)
			continue
		}
		children = append(children, &composite.Node{GuardrailID: ref.ID})
	}
	if len(children) == 0 {
		return nil
	}
	if len(children) == 1 {
		return children[0]
	}
	return &composite.Node{Op: composite.OpAnd, Children: children}
}

func decisionToOutcome(d evaluator.Decision) composite.Outcome {
	switch d {
	case evaluator.DecisionBlock:
		return composite.OutcomeBlock
	case evaluator.DecisionSkip:
		return composite.OutcomeSkip
	default:
		return composite.OutcomeAllow
	}
}

func metricOf(r *guardrail.Registry, id string) string {
	if g, err := r.Get(id); err == nil {
		return g.Config.MetricName
	}
	return ""
}

func thresholdOf(r *guardrail.Registry, id string) float64 {
	if g, err := r.Get(id); err == nil {
		return g.Config.Threshold
	}
	return 0
}

// violationType maps a metric name onto the telemetry taxonomy.
func violationType(metric string) string {
	switch metric {
	case "pii_risk":
		return "pii_leakage"
	case "toxicity_score":
		return "toxicity"
	case "injection_risk":
		return "prompt_injection"
	case "hallucination_risk":
		return "hallucination"
	case "":
		return "guardrail_block"
	default:
		return metric
	}
}
