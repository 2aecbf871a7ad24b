package evaluator

import (
	"context"
	"strings"

	"github.com/ethicalzen/sentinel-gateway/pkg/guardrail"
)

// evalHybrid fuses a pattern score with a semantic-proximity score. The
// semantic half embeds the payload and the guardrail's own vocabulary
// (keywords plus pattern-free description) and measures their cosine. If
// the embedder is down, the keyword score stands in and the result is
// marked as a fallback.
func (e *Engine) evalHybrid(ctx context.Context, g *guardrail.Guardrail, payload []byte) Result {
	cfg := g.Config
	text := ExtractText(payload)

	wRegex, wSemantic := 0.4, 0.6
	if cfg.Hybrid != nil && (cfg.Hybrid.RegexWeight != 0 || cfg.Hybrid.SemanticWeight != 0) {
		wRegex = cfg.Hybrid.RegexWeight
		wSemantic = cfg.Hybrid.SemanticWeight
	}

	lexical := e.regexScore(ctx, g, text)
	if len(cfg.Patterns) == 0 {
		lexical = keywordScore(cfg, text)
	}

	semantic, ok := e.semanticScore(ctx, text, hybridVocabulary(cfg))
	fallback := false
	if !ok {
		semantic = keywordScore(cfg, text)
		fallback = true
	}

	res := scored(cfg, clamp01(wRegex*lexical+wSemantic*semantic))
	res.FallbackUsed = fallback
	return res
}

// semanticScore maps cosine similarity between the payload and a topic
// text into [0,1].
func (e *Engine) semanticScore(ctx context.Context, text, topic string) (float64, bool) {
	if topic == "" {
		return 0, false
	}
	query, ok := e.embed(ctx, text)
	if !ok {
		return 0, false
	}
	ref, ok := e.embed(ctx, topic)
	if !ok {
		return 0, false
	}
	return clamp01((cosine(query, ref) + 1) / 2), true
}

func hybridVocabulary(cfg *guardrail.Config) string {
	var sb strings.Builder
	for _, kw := range cfg.Keywords {
		sb.WriteString(kw.Keyword)
		sb.WriteString(" ")
	}
	sb.WriteString(cfg.Description)
	return strings.TrimSpace(sb.String())
}
