package evaluator

import (
	"context"

	"github.com/ethicalzen/sentinel-gateway/pkg/guardrail"
)

// evalKeyword counts weighted keyword occurrences and normalizes by the
// ceiling: raw = min(1, sum(weight*count)/ceiling). Multi-word keywords
// are matched as token sequences.
func (e *Engine) evalKeyword(ctx context.Context, g *guardrail.Guardrail, payload []byte) Result {
	text := ExtractText(payload)
	raw := keywordScore(g.Config, text)
	return scored(g.Config, raw)
}

func keywordScore(cfg *guardrail.Config, text string) float64 {
	tokens := tokenize(text)
	ceiling := cfg.Ceiling
	if ceiling <= 0 {
		ceiling = 5.0
	}

	var sum float64
	for _, kw := range cfg.Keywords {
		want := tokenize(kw.Keyword)
		if len(want) == 0 {
			continue
		}
		sum += kw.Weight * float64(countSeq(tokens, want))
	}
	return clamp01(sum / ceiling)
}

func countSeq(tokens, want []string) int {
	if len(want) > len(tokens) {
		return 0
	}
	count := 0
	for i := 0; i+len(want) <= len(tokens); i++ {
		match := true
		for j, w := range want {
			if tokens[i+j] != w {
				match = false
				break
			}
		}
		if match {
			count++
		}
	}
	return count
}
