package evaluator

import (
	"context"
	"regexp"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ethicalzen/sentinel-gateway/pkg/guardrail"
)

type compiledPattern struct {
	re     *regexp.Regexp
	weight float64
}

// patternCache holds compiled pattern sets keyed by config hash. A config
// change produces a new hash, so stale compilations are never reused.
type patternCache struct {
	m sync.Map // hash -> []compiledPattern
}

func newPatternCache() *patternCache {
	return &patternCache{}
}

func (c *patternCache) get(g *guardrail.Guardrail) []compiledPattern {
	if v, ok := c.m.Load(g.ConfigHash); ok {
		return v.([]compiledPattern)
	}

	compiled := make([]compiledPattern, 0, len(g.Config.Patterns))
	for _, p := range g.Config.Patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			// Validate rejects these at registration; reaching here means
			// a config was mutated after the fact. Skip the pattern.
			log.WithError(err).WithField("guardrail_id", g.Config.ID).Warn("Skipping uncompilable pattern")
			continue
		}
		compiled = append(compiled, compiledPattern{re: re, weight: p.Weight})
	}
	c.m.Store(g.ConfigHash, compiled)
	return compiled
}

// evalRegex sums the weights of the patterns that match at least once and
// clamps into [0,1]. Matching runs over the extracted text, not raw JSON.
func (e *Engine) evalRegex(ctx context.Context, g *guardrail.Guardrail, payload []byte) Result {
	text := ExtractText(payload)
	raw := e.regexScore(ctx, g, text)
	return scored(g.Config, raw)
}

func (e *Engine) regexScore(ctx context.Context, g *guardrail.Guardrail, text string) float64 {
	var raw float64
	for _, p := range e.patterns.get(g) {
		if ctx.Err() != nil {
			break
		}
		if p.re.MatchString(text) {
			raw += p.weight
		}
	}
	return clamp01(raw)
}
