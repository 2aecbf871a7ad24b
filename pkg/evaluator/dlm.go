package evaluator

import (
	"context"
	"math"

	"github.com/ethicalzen/sentinel-gateway/pkg/guardrail"
)

// evalDLM scores with a multi-anchor RBF kernel over calibrated anchor
// vectors: risk = sum K(x, unsafe) / (sum K(x, unsafe) + sum K(x, safe)).
// Without calibrated anchors the kernel cannot vote and the leaf skips.
func (e *Engine) evalDLM(ctx context.Context, g *guardrail.Guardrail, payload []byte) Result {
	cfg := g.Config
	if cfg.DLM == nil || (len(cfg.DLM.SafeAnchors) == 0 && len(cfg.DLM.UnsafeAnchors) == 0) {
		return Result{Decision: DecisionSkip, Reason: "not_calibrated"}
	}

	query, ok := e.embed(ctx, ExtractText(payload))
	if !ok {
		return Result{Decision: DecisionSkip, Reason: "embedding_unavailable"}
	}

	sigma := cfg.DLM.Sigma
	if sigma <= 0 {
		sigma = 1.0
	}

	unsafeMass, okU := kernelMass(query, cfg.DLM.UnsafeAnchors, sigma)
	safeMass, okS := kernelMass(query, cfg.DLM.SafeAnchors, sigma)
	if !okU || !okS {
		return Result{Decision: DecisionSkip, Reason: "anchor_dimension_mismatch"}
	}
	if unsafeMass+safeMass == 0 {
		return Result{Decision: DecisionSkip, Reason: "not_calibrated"}
	}

	return scored(cfg, unsafeMass/(unsafeMass+safeMass))
}

// kernelMass sums exp(-||x-a||^2 / (2*sigma^2)) over the anchors. An
// anchor with a different dimensionality than the query invalidates the
// whole set.
func kernelMass(x []float64, anchors [][]float64, sigma float64) (float64, bool) {
	var sum float64
	for _, a := range anchors {
		if len(a) != len(x) {
			return 0, false
		}
		var d2 float64
		for i := range x {
			d := x[i] - a[i]
			d2 += d * d
		}
		sum += math.Exp(-d2 / (2 * sigma * sigma))
	}
	return sum, true
}
