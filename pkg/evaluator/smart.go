package evaluator

import (
	"context"
	"sync"

	"github.com/ethicalzen/sentinel-gateway/pkg/contracts"
	"github.com/ethicalzen/sentinel-gateway/pkg/guardrail"
)

type centroids struct {
	safe   []float64
	unsafe []float64
	ok     bool
}

// centroidCache holds per-config example centroids keyed by config hash.
// Centroids are computed on first use; concurrent first uses may both
// compute, last write wins, the values are identical.
type centroidCache struct {
	m sync.Map // hash -> centroids
}

func newCentroidCache() *centroidCache {
	return &centroidCache{}
}

func (e *Engine) getCentroids(ctx context.Context, g *guardrail.Guardrail) centroids {
	if v, ok := e.centroids.m.Load(g.ConfigHash); ok {
		return v.(centroids)
	}

	sc := g.Config.Smart
	safe, okSafe := e.embedAll(ctx, sc.SafeExamples)
	unsafeVecs, okUnsafe := e.embedAll(ctx, sc.UnsafeExamples)

	c := centroids{}
	if okSafe && okUnsafe {
		c.safe = meanVector(safe)
		c.unsafe = meanVector(unsafeVecs)
		c.ok = c.safe != nil && c.unsafe != nil
	}
	if c.ok {
		// Only cache successful computations; a transient backend outage
		// must not pin lexical-only scoring forever.
		e.centroids.m.Store(g.ConfigHash, c)
	}
	return c
}

func (e *Engine) embedAll(ctx context.Context, texts []string) ([][]float64, bool) {
	out := make([][]float64, 0, len(texts))
	for _, t := range texts {
		vec, ok := e.embed(ctx, t)
		if !ok {
			return nil, false
		}
		out = append(out, vec)
	}
	return out, true
}

// evalSmart scores with an embedding half and a lexical half, then places
// the fused score into one of three zones. The middle zone is "review":
// blocked on input, allowed on output unless review_blocks_output is set.
func (e *Engine) evalSmart(ctx context.Context, g *guardrail.Guardrail, payload []byte, phase contracts.Phase) Result {
	cfg := g.Config
	sc := cfg.Smart
	text := ExtractText(payload)

	sLex := lexicalScore(text, sc.SafeExamples, sc.UnsafeExamples)

	wEmbed := sc.EmbeddingWeight
	wLex := sc.LexicalWeight
	if wEmbed == 0 && wLex == 0 {
		wEmbed = e.opts.EmbeddingWeight
		wLex = e.opts.LexicalWeight
	}

	var fused float64
	fallback := false
	if c := e.getCentroids(ctx, g); c.ok {
		if query, ok := e.embed(ctx, text); ok {
			// Map the centroid-similarity difference into [0,1]: 1 means
			// the payload sits on the unsafe centroid, 0 on the safe one.
			sEmbed := clamp01((cosine(query, c.unsafe) - cosine(query, c.safe) + 1) / 2)
			fused = wEmbed*sEmbed + wLex*sLex
		} else {
			fused = sLex
			fallback = true
		}
	} else {
		fused = sLex
		fallback = true
	}

	effective := fused
	if cfg.InvertScore {
		effective = 1 - fused
	}

	tAllow := sc.TAllow
	tBlock := sc.TBlock
	if tAllow == 0 && tBlock == 0 {
		tAllow = e.opts.TAllow
		tBlock = e.opts.TBlock
	}

	res := Result{
		RawScore:       fused,
		EffectiveScore: effective,
		Metrics:        map[string]float64{cfg.MetricName: effective},
		FallbackUsed:   fallback,
	}
	switch {
	case effective < tAllow:
		res.Decision = DecisionAllow
	case effective > tBlock:
		res.Decision = DecisionBlock
	default:
		res.Reason = "review_zone"
		if phase == contracts.PhaseInput || e.opts.ReviewBlocksOutput {
			res.Decision = DecisionBlock
		} else {
			res.Decision = DecisionAllow
		}
	}
	return res
}

// lexicalScore places the payload between the safe and unsafe example
// vocabularies: 0.5 is neutral, unsafe overlap pushes up, safe overlap
// pushes down.
func lexicalScore(text string, safe, unsafeExamples []string) float64 {
	set := tokenSet(text)
	return clamp01(0.5 + overlap(set, unsafeExamples) - overlap(set, safe))
}
