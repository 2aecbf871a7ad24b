package guardrail

// Built-in guardrails compiled into every gateway. Dynamic registrations
// cannot shadow these ids.

func builtinConfigs() []*Config {
	return []*Config{
		{
			ID:          "pii_blocker",
			Name:        "PII Blocker",
			Description: "Detects PII (SSN, email, phone, credit card) in payloads",
			Type:        KindRegex,
			MetricName:  "pii_risk",
			Threshold:   0.5,
			Patterns: []WeightedPattern{
				{Pattern: `\b\d{3}-\d{2}-\d{4}\b`, Weight: 0.9},                                            // SSN
				{Pattern: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`, Weight: 0.5},              // email
				{Pattern: `\b(?:\+?1[-.]?)?\(?([0-9]{3})\)?[-.]?([0-9]{3})[-.]?([0-9]{4})\b`, Weight: 0.5}, // phone
				{Pattern: `\b\d{4}[-\s]\d{4}[-\s]\d{4}[-\s]\d{4}\b`, Weight: 0.9},                          // credit card
			},
		},
		{
			ID:          "toxicity_detector",
			Name:        "Toxicity Detector",
			Description: "Keyword-based toxicity scoring",
			Type:        KindKeyword,
			MetricName:  "toxicity_score",
			Threshold:   0.6,
			Ceiling:     5.0,
			Keywords: []WeightedKeyword{
				{Keyword: "hate", Weight: 1.0},
				{Keyword: "kill", Weight: 1.5},
				{Keyword: "stupid", Weight: 0.5},
				{Keyword: "idiot", Weight: 0.5},
				{Keyword: "worthless", Weight: 1.0},
				{Keyword: "disgusting", Weight: 0.8},
			},
		},
		{
			ID:          "prompt_injection_shield",
			Name:        "Prompt Injection Shield",
			Description: "Detects instruction-override attempts in inputs",
			Type:        KindRegex,
			MetricName:  "injection_risk",
			Threshold:   0.5,
			Patterns: []WeightedPattern{
				{Pattern: `(?i)ignore (all )?previous`, Weight: 1.0},
				{Pattern: `(?i)disregard (the )?(above|previous)`, Weight: 1.0},
				{Pattern: `(?i)new instructions:`, Weight: 0.8},
				{Pattern: `(?i)you are now`, Weight: 0.6},
				{Pattern: `(?i)pretend you are`, Weight: 0.6},
				{Pattern: `(?i)act as if`, Weight: 0.4},
			},
		},
		{
			ID:          "hallucination_detector",
			Name:        "Hallucination Detector",
			Description: "Scores vague, uncertain language in responses",
			Type:        KindKeyword,
			MetricName:  "hallucination_risk",
			Threshold:   0.7,
			Ceiling:     8.0,
			Keywords: []WeightedKeyword{
				{Keyword: "might", Weight: 0.5},
				{Keyword: "possibly", Weight: 0.5},
				{Keyword: "perhaps", Weight: 0.5},
				{Keyword: "maybe", Weight: 0.5},
				{Keyword: "unclear", Weight: 0.8},
				{Keyword: "uncertain", Weight: 0.8},
				{Keyword: "i think", Weight: 0.6},
				{Keyword: "i believe", Weight: 0.6},
				{Keyword: "not sure", Weight: 1.0},
				{Keyword: "hard to say", Weight: 1.0},
			},
		},
	}
}
