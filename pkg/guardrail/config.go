package guardrail

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/ethicalzen/sentinel-gateway/pkg/composite"
)

// Kind names an evaluator kind. Each kind has its own configuration
// section and its own evaluator.
type Kind string

const (
	KindRegex       Kind = "regex"
	KindKeyword     Kind = "keyword"
	KindHybrid      Kind = "hybrid"
	KindSmart       Kind = "smart"
	KindLLMAssisted Kind = "llm_assisted"
	KindDLMKernel   Kind = "dlm_kernel"
	KindComposite   Kind = "composite"
)

// Origin records where a guardrail definition came from.
type Origin string

const (
	OriginStatic  Origin = "static"
	OriginDynamic Origin = "dynamic"
)

// WeightedPattern is one regex with its score contribution.
type WeightedPattern struct {
	Pattern string  `json:"pattern"`
	Weight  float64 `json:"weight"`
}

// WeightedKeyword is one lowercase keyword with its score contribution
// per occurrence.
type WeightedKeyword struct {
	Keyword string  `json:"keyword"`
	Weight  float64 `json:"weight"`
}

// HybridConfig fuses a regex score with a semantic-similarity score.
type HybridConfig struct {
	RegexWeight    float64 `json:"regex_weight"`
	SemanticWeight float64 `json:"semantic_weight"`
}

// SmartConfig configures the embedding+lexical evaluator. Safe and unsafe
// examples are embedded into centroids once per config hash.
type SmartConfig struct {
	SafeExamples    []string `json:"safe_examples"`
	UnsafeExamples  []string `json:"unsafe_examples"`
	TAllow          float64  `json:"t_allow,omitempty"`
	TBlock          float64  `json:"t_block,omitempty"`
	EmbeddingWeight float64  `json:"embedding_weight,omitempty"`
	LexicalWeight   float64  `json:"lexical_weight,omitempty"`
}

// LLMConfig configures the LLM-assisted evaluator.
type LLMConfig struct {
	PromptTemplate string `json:"prompt_template,omitempty"`
	Model          string `json:"model,omitempty"`
}

// DLMConfig holds calibrated anchors for the multi-anchor RBF kernel.
// Without anchors the evaluator reports not-calibrated and the DAG treats
// the leaf as a skip.
type DLMConfig struct {
	SafeAnchors   [][]float64 `json:"safe_anchors,omitempty"`
	UnsafeAnchors [][]float64 `json:"unsafe_anchors,omitempty"`
	Sigma         float64     `json:"sigma,omitempty"`
}

// Config is a guardrail definition: a common metadata header plus one
// type-specific section. Unknown top-level fields are preserved in
// Extensions so newer portal schemas round-trip through older gateways.
type Config struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	Type        Kind   `json:"type"`

	MetricName  string  `json:"metric_name"`
	Threshold   float64 `json:"threshold"`
	InvertScore bool    `json:"invert_score,omitempty"`
	CustomCode  string  `json:"custom_code,omitempty"`

	Patterns []WeightedPattern `json:"patterns,omitempty"`

	Keywords []WeightedKeyword `json:"keywords,omitempty"`
	Ceiling  float64           `json:"ceiling,omitempty"`

	Hybrid    *HybridConfig   `json:"hybrid,omitempty"`
	Smart     *SmartConfig    `json:"smart,omitempty"`
	LLM       *LLMConfig      `json:"llm,omitempty"`
	DLM       *DLMConfig      `json:"dlm,omitempty"`
	Composite *composite.Node `json:"composite,omitempty"`

	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`

	RegisteredAt string `json:"registered_at,omitempty"`
}

type configAlias Config

var knownConfigFields = map[string]bool{
	"id": true, "name": true, "description": true, "version": true,
	"type": true, "metric_name": true, "threshold": true,
	"invert_score": true, "custom_code": true, "patterns": true,
	"keywords": true, "ceiling": true, "hybrid": true, "smart": true,
	"llm": true, "dlm": true, "composite": true, "extensions": true,
	"registered_at": true,
}

// UnmarshalJSON decodes a config and tucks unknown fields into Extensions.
func (c *Config) UnmarshalJSON(data []byte) error {
	var alias configAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, val := range raw {
		if knownConfigFields[key] {
			continue
		}
		if alias.Extensions == nil {
			alias.Extensions = make(map[string]json.RawMessage)
		}
		alias.Extensions[key] = val
	}
	*c = Config(alias)
	return nil
}

// Validate checks that the config is complete for its declared type.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("guardrail id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("guardrail name is required")
	}
	switch c.Type {
	case KindRegex:
		if len(c.Patterns) == 0 {
			return fmt.Errorf("regex guardrail %s has no patterns", c.ID)
		}
		for _, p := range c.Patterns {
			if _, err := regexp.Compile(p.Pattern); err != nil {
				return fmt.Errorf("invalid pattern %q in %s: %w", p.Pattern, c.ID, err)
			}
		}
	case KindKeyword:
		if len(c.Keywords) == 0 {
			return fmt.Errorf("keyword guardrail %s has no keywords", c.ID)
		}
	case KindHybrid:
		if len(c.Patterns) == 0 && len(c.Keywords) == 0 {
			return fmt.Errorf("hybrid guardrail %s needs patterns or keywords for its lexical half", c.ID)
		}
	case KindSmart:
		if c.Smart == nil || len(c.Smart.SafeExamples) == 0 || len(c.Smart.UnsafeExamples) == 0 {
			return fmt.Errorf("smart guardrail %s needs safe and unsafe examples", c.ID)
		}
	case KindLLMAssisted:
		if (c.LLM == nil || c.LLM.PromptTemplate == "") && c.Description == "" {
			return fmt.Errorf("llm guardrail %s needs a prompt template or description", c.ID)
		}
	case KindDLMKernel:
		// Anchors are optional: an uncalibrated kernel evaluates to skip.
	case KindComposite:
		if c.Composite == nil {
			return fmt.Errorf("composite guardrail %s has no tree", c.ID)
		}
		if err := c.Composite.Validate(); err != nil {
			return fmt.Errorf("composite guardrail %s: %w", c.ID, err)
		}
	case "":
		return fmt.Errorf("guardrail %s has no type", c.ID)
	default:
		return fmt.Errorf("unknown guardrail type %q", c.Type)
	}
	return nil
}

// setDefaults fills the fields registration promises downstream code.
func (c *Config) setDefaults() {
	if c.MetricName == "" {
		c.MetricName = "compliance_score"
	}
	if c.Threshold == 0 {
		c.Threshold = 0.5
	}
	if c.Ceiling == 0 {
		c.Ceiling = 5.0
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
}

// Hash returns a stable digest of the config, used to key compiled-pattern
// and centroid caches. Extensions participate so that semantically changed
// configs never share warm state.
func (c *Config) Hash() string {
	// Marshal with sorted extension keys for stability.
	type hashable struct {
		Config configAlias
		Ext    []string
	}
	h := hashable{Config: configAlias(*c)}
	h.Config.Extensions = nil
	for k := range c.Extensions {
		h.Ext = append(h.Ext, k+"="+string(c.Extensions[k]))
	}
	sort.Strings(h.Ext)
	data, err := json.Marshal(h)
	if err != nil {
		data = []byte(c.ID + c.RegisteredAt)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
