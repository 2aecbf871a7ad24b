package evaluator

import (
	"context"
	"time"

	"github.com/ethicalzen/sentinel-gateway/internal/breaker"
	"github.com/ethicalzen/sentinel-gateway/internal/metrics"
	"github.com/ethicalzen/sentinel-gateway/pkg/contracts"
	"github.com/ethicalzen/sentinel-gateway/pkg/guardrail"
)

// Decision is the outcome of evaluating one guardrail on one payload.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionBlock Decision = "block"
	// DecisionSkip means the guardrail could not participate (for example
	// an uncalibrated kernel). The DAG treats skips as operator identity.
	DecisionSkip Decision = "skip"
	// DecisionReview is the smart evaluator's middle zone. The engine maps
	// it to allow or block per phase before it leaves this package.
	DecisionReview Decision = "review"
)

// Result is one guardrail's verdict on one payload.
type Result struct {
	GuardrailID    string             `json:"guardrail_id"`
	Decision       Decision           `json:"decision"`
	RawScore       float64            `json:"raw_score"`
	EffectiveScore float64            `json:"effective_score"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	Latency        time.Duration      `json:"latency_ns"`
	Kind           guardrail.Kind     `json:"kind"`
	FallbackUsed   bool               `json:"fallback_used"`
	Reason         string             `json:"reason,omitempty"`
	Err            error              `json:"-"`
}

// Options carries the engine's tunables. Zero values get sane defaults
// from NewEngine.
type Options struct {
	RegexTimeout   time.Duration
	KeywordTimeout time.Duration
	SmartTimeout   time.Duration
	LLMTimeout     time.Duration

	TAllow             float64
	TBlock             float64
	EmbeddingWeight    float64
	LexicalWeight      float64
	ReviewBlocksOutput bool

	Embedder Embedder
	Judge    Judge
	Breakers *breaker.Table
}

// Engine dispatches guardrails to their evaluators. Compiled patterns and
// example centroids are cached per config hash; entries are written once
// and looked up lock-free afterwards.
type Engine struct {
	opts      Options
	patterns  *patternCache
	centroids *centroidCache
}

// NewEngine builds an engine. A nil embedder falls back to the
// deterministic hashing embedder, which keeps smart and kernel guardrails
// usable without a model backend.
func NewEngine(opts Options) *Engine {
	if opts.RegexTimeout == 0 {
		opts.RegexTimeout = 200 * time.Millisecond
	}
	if opts.KeywordTimeout == 0 {
		opts.KeywordTimeout = 200 * time.Millisecond
	}
	if opts.SmartTimeout == 0 {
		opts.SmartTimeout = 200 * time.Millisecond
	}
	if opts.LLMTimeout == 0 {
		opts.LLMTimeout = 5 * time.Second
	}
	if opts.TAllow == 0 {
		opts.TAllow = 0.4
	}
	if opts.TBlock == 0 {
		opts.TBlock = 0.6
	}
	if opts.EmbeddingWeight == 0 {
		opts.EmbeddingWeight = 0.6
	}
	if opts.LexicalWeight == 0 {
		opts.LexicalWeight = 0.4
	}
	if opts.Embedder == nil {
		opts.Embedder = NewHashingEmbedder(0)
	}
	return &Engine{
		opts:      opts,
		patterns:  newPatternCache(),
		centroids: newCentroidCache(),
	}
}

// Evaluate runs one guardrail against a payload for the given phase.
// Deadlines are honored by cooperative cancellation: an expired deadline
// yields decision=block with reason=timeout, unless the evaluator already
// degraded to its own fallback verdict. No evaluator kind fails open.
func (e *Engine) Evaluate(ctx context.Context, g *guardrail.Guardrail, payload []byte, phase contracts.Phase) Result {
	start := time.Now()
	cfg := g.Config

	ctx, cancel := context.WithTimeout(ctx, e.timeoutFor(cfg.Type))
	defer cancel()

	var res Result
	switch cfg.Type {
	case guardrail.KindRegex:
		res = e.evalRegex(ctx, g, payload)
	case guardrail.KindKeyword:
		res = e.evalKeyword(ctx, g, payload)
	case guardrail.KindHybrid:
		res = e.evalHybrid(ctx, g, payload)
	case guardrail.KindSmart:
		res = e.evalSmart(ctx, g, payload, phase)
	case guardrail.KindLLMAssisted:
		res = e.evalLLM(ctx, g, payload)
	case guardrail.KindDLMKernel:
		res = e.evalDLM(ctx, g, payload)
	default:
		res = Result{Decision: DecisionSkip, Reason: "unsupported evaluator kind"}
	}

	if ctx.Err() != nil && res.Decision != DecisionSkip && !res.FallbackUsed {
		res = Result{
			Decision: DecisionBlock,
			Reason:   "timeout",
			Metrics:  res.Metrics,
		}
	}

	res.GuardrailID = cfg.ID
	res.Kind = cfg.Type
	res.Latency = time.Since(start)
	metrics.EvaluatorDuration.WithLabelValues(string(cfg.Type)).Observe(res.Latency.Seconds())
	return res
}

func (e *Engine) timeoutFor(kind guardrail.Kind) time.Duration {
	switch kind {
	case guardrail.KindRegex:
		return e.opts.RegexTimeout
	case guardrail.KindKeyword:
		return e.opts.KeywordTimeout
	case guardrail.KindLLMAssisted:
		return e.opts.LLMTimeout
	default:
		return e.opts.SmartTimeout
	}
}

// decide applies inversion and the threshold. With invert-score set the
// effective score is 1-raw; comparison is always effective >= threshold
// means block.
func decide(cfg *guardrail.Config, raw float64) (Decision, float64) {
	effective := raw
	if cfg.InvertScore {
		effective = 1 - raw
	}
	if effective >= cfg.Threshold {
		return DecisionBlock, effective
	}
	return DecisionAllow, effective
}

// scored assembles the common allow/block result shape: decision from the
// threshold, and the guardrail's metric carrying the effective score so
// the envelope checker can reuse it.
func scored(cfg *guardrail.Config, raw float64) Result {
	decision, effective := decide(cfg, raw)
	return Result{
		Decision:       decision,
		RawScore:       raw,
		EffectiveScore: effective,
		Metrics:        map[string]float64{cfg.MetricName: effective},
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
