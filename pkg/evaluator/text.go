package evaluator

import (
	"encoding/json"
	"regexp"
	"strings"
)

var tokenSplit = regexp.MustCompile(`[^a-z0-9']+`)

// ExtractText pulls the human-readable text out of a JSON payload so that
// evaluators score prose, not protocol framing. It collects every string
// value under the usual chat-completion shapes (messages[].content,
// choices[].message.content, prompt, input, text, content) and falls back
// to the raw bytes when the payload is not JSON.
func ExtractText(payload []byte) string {
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return string(payload)
	}

	var parts []string
	collectText(doc, &parts)
	if len(parts) == 0 {
		return string(payload)
	}
	return strings.Join(parts, "\n")
}

var textKeys = map[string]bool{
	"content": true, "prompt": true, "input": true, "text": true,
	"completion": true, "output": true,
}

func collectText(v interface{}, parts *[]string) {
	switch t := v.(type) {
	case map[string]interface{}:
		for key, val := range t {
			if s, ok := val.(string); ok && textKeys[key] {
				*parts = append(*parts, s)
				continue
			}
			collectText(val, parts)
		}
	case []interface{}:
		for _, item := range t {
			collectText(item, parts)
		}
	}
}

// tokenize lowercases and splits on non-word runs. Apostrophes survive so
// contractions count as one token.
func tokenize(text string) []string {
	fields := tokenSplit.Split(strings.ToLower(text), -1)
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range tokenize(text) {
		set[tok] = true
	}
	return set
}

// overlap is the fraction of reference tokens present in the candidate
// set. Empty references overlap nothing.
func overlap(candidate map[string]bool, reference []string) float64 {
	if len(reference) == 0 {
		return 0
	}
	refSet := make(map[string]bool)
	for _, r := range reference {
		for _, tok := range tokenize(r) {
			refSet[tok] = true
		}
	}
	if len(refSet) == 0 {
		return 0
	}
	hit := 0
	for tok := range refSet {
		if candidate[tok] {
			hit++
		}
	}
	return float64(hit) / float64(len(refSet))
}
